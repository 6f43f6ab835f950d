package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pedolone/consent-service/internal/model"
	"github.com/pedolone/consent-service/internal/repository"
	"github.com/pedolone/consent-service/internal/utils"
)

// In-memory stores mirroring the MySQL repositories. They hand out copies
// so engines never share memory with the store.

type memPII struct {
	mu   sync.Mutex
	rows map[string]model.PIIRecord
}

func piiKey(userID uint64, resource string) string {
	return fmt.Sprintf("%d|%s", userID, resource)
}

func (m *memPII) Upsert(_ context.Context, rec *model.PIIRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := piiKey(rec.UserID, rec.ResourceType)
	if old, ok := m.rows[k]; ok {
		rec.CreatedAt = old.CreatedAt
	}
	m.rows[k] = *rec
	return nil
}

func (m *memPII) Get(_ context.Context, userID uint64, resource string) (*model.PIIRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.rows[piiKey(userID, resource)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &rec, nil
}

func (m *memPII) ListByUser(_ context.Context, userID uint64) ([]model.PIIRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.PIIRecord
	for _, rec := range m.rows {
		if rec.UserID == userID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceType < out[j].ResourceType })
	return out, nil
}

type memPolicies struct {
	mu    sync.Mutex
	rows  map[string]model.Policy
	order []string
}

func (m *memPolicies) Insert(_ context.Context, p *model.Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	cp.Purpose = append([]string(nil), p.Purpose...)
	m.rows[p.ID] = cp
	m.order = append(m.order, p.ID)
	return nil
}

func (m *memPolicies) Get(_ context.Context, id string) (*model.Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &p, nil
}

// newestFirst walks insertion order backwards.
func (m *memPolicies) newestFirst(keep func(model.Policy) bool) []model.Policy {
	var out []model.Policy
	for i := len(m.order) - 1; i >= 0; i-- {
		if p := m.rows[m.order[i]]; keep(p) {
			out = append(out, p)
		}
	}
	return out
}

func (m *memPolicies) ListActive(_ context.Context, userID uint64, now time.Time) ([]model.Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.newestFirst(func(p model.Policy) bool { return p.UserID == userID && p.Expiry.After(now) }), nil
}

func (m *memPolicies) Latest(_ context.Context, userID uint64) (*model.Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.newestFirst(func(p model.Policy) bool { return p.UserID == userID })
	if len(out) == 0 {
		return nil, repository.ErrNotFound
	}
	return &out[0], nil
}

func (m *memPolicies) FindActive(_ context.Context, userID uint64, orgID, resource string, now time.Time) (*model.Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.newestFirst(func(p model.Policy) bool {
		return p.UserID == userID && (p.TargetOrgID == orgID || p.CounterpartyID == orgID) &&
			p.ResourceName == resource && p.Active(now)
	})
	if len(out) == 0 {
		return nil, repository.ErrNotFound
	}
	return &out[0], nil
}

func (m *memPolicies) ListByContract(_ context.Context, contractID string) ([]model.Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.newestFirst(func(p model.Policy) bool { return p.ContractID == contractID }), nil
}

func (m *memPolicies) Revoke(_ context.Context, id string, userID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok || p.UserID != userID {
		return repository.ErrNotFound
	}
	p.IsRevoked = true
	m.rows[id] = p
	return nil
}

// tamper rewrites a stored policy without re-signing it.
func (m *memPolicies) tamper(id string, fn func(*model.Policy)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.rows[id]
	fn(&p)
	m.rows[id] = p
}

type memContracts struct {
	mu   sync.Mutex
	rows map[string]model.Contract
	logs []model.ContractAuditLog
}

func copyContract(c model.Contract) model.Contract {
	c.ResourcesAllowed = append(model.ResourceList(nil), c.ResourcesAllowed...)
	if c.PendingAction != nil {
		pa := *c.PendingAction
		c.PendingAction = &pa
	}
	return c
}

func (m *memContracts) openKeyTaken(c *model.Contract) bool {
	key := c.OpenKey()
	if key == "" {
		return false
	}
	for id, other := range m.rows {
		if id != c.ContractID && other.OpenKey() == key {
			return true
		}
	}
	return false
}

func (m *memContracts) Insert(_ context.Context, c *model.Contract, entry *model.ContractAuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openKeyTaken(c) {
		return repository.ErrDuplicate
	}
	c.Revision = 1
	m.rows[c.ContractID] = copyContract(*c)
	m.logs = append(m.logs, *entry)
	return nil
}

func (m *memContracts) Update(_ context.Context, c *model.Contract, expected uint64, entry *model.ContractAuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rows[c.ContractID]
	if !ok || cur.Revision != expected {
		return repository.ErrStale
	}
	if m.openKeyTaken(c) {
		return repository.ErrDuplicate
	}
	c.Revision = expected + 1
	m.rows[c.ContractID] = copyContract(*c)
	m.logs = append(m.logs, *entry)
	return nil
}

func (m *memContracts) Get(_ context.Context, id string) (*model.Contract, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := copyContract(c)
	return &cp, nil
}

func (m *memContracts) list(keep func(model.Contract) bool) []model.Contract {
	var out []model.Contract
	for _, c := range m.rows {
		if keep(c) {
			out = append(out, copyContract(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (m *memContracts) ListForOrg(_ context.Context, orgID string) ([]model.Contract, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.list(func(c model.Contract) bool { return c.Involves(orgID) }), nil
}

func (m *memContracts) ListBetween(_ context.Context, a, b string) ([]model.Contract, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.list(func(c model.Contract) bool { return c.Between(a, b) }), nil
}

func (m *memContracts) Logs(_ context.Context, contractID string) ([]model.ContractAuditLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ContractAuditLog
	for _, l := range m.logs {
		if l.ContractID == contractID {
			out = append(out, l)
		}
	}
	return out, nil
}

type memRequests struct {
	mu    sync.Mutex
	rows  map[string]model.DataRequest
	order []string
}

func (m *memRequests) InsertMany(_ context.Context, reqs []*model.DataRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range reqs {
		m.rows[r.RequestID] = *r
		m.order = append(m.order, r.RequestID)
	}
	return nil
}

func (m *memRequests) Respond(_ context.Context, ids []string, status string, by uint64, message string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if r, ok := m.rows[id]; !ok || r.Status != model.RequestPending {
			return repository.ErrStale
		}
	}
	for _, id := range ids {
		r := m.rows[id]
		r.Status, r.RespondedBy, r.ResponseMessage = status, by, message
		t := at
		r.RespondedAt = &t
		m.rows[id] = r
	}
	return nil
}

func (m *memRequests) Get(_ context.Context, id string) (*model.DataRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &r, nil
}

func (m *memRequests) list(keep func(model.DataRequest) bool) []model.DataRequest {
	var out []model.DataRequest
	for _, id := range m.order {
		if r := m.rows[id]; keep(r) {
			out = append(out, r)
		}
	}
	return out
}

func (m *memRequests) ListBulk(_ context.Context, bulkID string) ([]model.DataRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.list(func(r model.DataRequest) bool { return r.BulkRequestID == bulkID }), nil
}

func (m *memRequests) ListForUser(_ context.Context, userID uint64) ([]model.DataRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.list(func(r model.DataRequest) bool { return r.TargetUserID == userID }), nil
}

func (m *memRequests) ListByRequester(_ context.Context, orgID string) ([]model.DataRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.list(func(r model.DataRequest) bool { return r.RequesterOrgID == orgID }), nil
}

type memDirectory struct {
	users map[uint64]model.User
	orgs  map[string]model.Organization
}

func (d *memDirectory) GetUser(_ context.Context, id uint64) (*model.User, error) {
	u, ok := d.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &u, nil
}

func (d *memDirectory) GetOrganization(_ context.Context, id string) (*model.Organization, error) {
	o, ok := d.orgs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &o, nil
}

func (d *memDirectory) FindOrganizationByName(_ context.Context, name string) (*model.Organization, error) {
	for _, o := range d.orgs {
		if strings.EqualFold(o.OrgName, name) {
			return &o, nil
		}
	}
	return nil, repository.ErrNotFound
}

type recorder struct {
	mu      sync.Mutex
	audits  []model.AuditLog
	events  []string
	exports [][]string
}

func (r *recorder) Append(_ context.Context, e *model.AuditLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audits = append(r.audits, *e)
	return nil
}

func (r *recorder) Notify(_ context.Context, target, event string, _ map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, target+" "+event)
	return nil
}

func (r *recorder) RequestBulkExport(_ context.Context, _, _ string, ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exports = append(r.exports, append([]string(nil), ids...))
	return nil
}

func (r *recorder) logTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.audits))
	for i, a := range r.audits {
		out[i] = a.LogType
	}
	return out
}

type plainCipher struct{}

func (plainCipher) Encrypt(p string) (string, error) { return "sealed:" + p, nil }

func (plainCipher) Decrypt(s string) (string, error) { return strings.TrimPrefix(s, "sealed:"), nil }

type fixedGeo struct{}

func (fixedGeo) Resolve(context.Context, string) model.Location {
	return model.Location{Country: "India", Region: "Delhi", City: "New Delhi"}
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// Organization ids and principals used across the tests.
const (
	bankID      = "bankabc_001"
	brokerID    = "stockbrokerx_001"
	insuranceID = "insurancecorp_001"

	aliceID = uint64(1)
	bobID   = uint64(2)
	carolID = uint64(3)
	daveID  = uint64(4)
)

var (
	bankAdmin      = model.Principal{UserID: 10, UserType: model.UserTypeOrganization, OrgID: bankID}
	bankAdmin2     = model.Principal{UserID: 13, UserType: model.UserTypeOrganization, OrgID: bankID}
	brokerAdmin    = model.Principal{UserID: 11, UserType: model.UserTypeOrganization, OrgID: brokerID}
	insuranceAdmin = model.Principal{UserID: 12, UserType: model.UserTypeOrganization, OrgID: insuranceID}
	alice          = model.Principal{UserID: aliceID, UserType: model.UserTypeIndividual, OrgID: bankID}
	bob            = model.Principal{UserID: bobID, UserType: model.UserTypeIndividual}
)

type harness struct {
	clock     *testClock
	pii       *memPII
	policies  *memPolicies
	contracts *memContracts
	requests  *memRequests
	dir       *memDirectory
	rec       *recorder
	signer    *utils.Signer

	policy   *PolicyEngine
	contract *ContractEngine
	workflow *RequestWorkflow
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	signer, err := utils.NewSigner("test-policy-secret")
	require.NoError(t, err)

	h := &harness{
		clock:     &testClock{t: time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)},
		pii:       &memPII{rows: map[string]model.PIIRecord{}},
		policies:  &memPolicies{rows: map[string]model.Policy{}},
		contracts: &memContracts{rows: map[string]model.Contract{}},
		requests:  &memRequests{rows: map[string]model.DataRequest{}},
		rec:       &recorder{},
		signer:    signer,
		dir: &memDirectory{
			users: map[uint64]model.User{
				aliceID: {ID: aliceID, Email: "alice@example.com", UserType: model.UserTypeIndividual, OrganizationID: bankID},
				bobID:   {ID: bobID, Email: "bob@example.com", UserType: model.UserTypeIndividual},
				carolID: {ID: carolID, Email: "carol@example.com", UserType: model.UserTypeIndividual, OrganizationID: bankID},
				daveID:  {ID: daveID, Email: "dave@example.com", UserType: model.UserTypeIndividual, OrganizationID: bankID},
				10:      {ID: 10, Email: "admin@bankabc.example", UserType: model.UserTypeOrganization, OrganizationID: bankID},
				11:      {ID: 11, Email: "admin@stockbrokerx.example", UserType: model.UserTypeOrganization, OrganizationID: brokerID},
			},
			orgs: map[string]model.Organization{
				bankID:      {OrgID: bankID, OrgName: "BankABC"},
				brokerID:    {OrgID: brokerID, OrgName: "StockBrokerX"},
				insuranceID: {OrgID: insuranceID, OrgName: "InsuranceCorp"},
			},
		},
	}
	audit := NewAuditor(h.rec, h.rec, fixedGeo{}, h.clock.Now)
	h.policy = NewPolicyEngine(PolicyDeps{
		PII: h.pii, Policies: h.policies, Contracts: h.contracts,
		Signer: signer, Cipher: plainCipher{}, Audit: audit, Now: h.clock.Now,
	})
	h.contract = NewContractEngine(ContractDeps{
		Contracts: h.contracts, Directory: h.dir, Signer: signer, Audit: audit, Now: h.clock.Now,
	})
	h.workflow = NewRequestWorkflow(RequestDeps{
		Requests: h.requests, Contracts: h.contract, Engine: h.policy,
		PII: h.pii, Policies: h.policies, Directory: h.dir, Cipher: plainCipher{},
		Exporter: h.rec, Audit: audit, Now: h.clock.Now,
	})
	return h
}

// activeContract proposes from source to target and approves it.
func (h *harness) activeContract(t *testing.T, source, target model.Principal, name string, resources ...model.ContractResource) *model.Contract {
	t.Helper()
	ctx := context.Background()
	c, err := h.contract.Propose(ctx, source, ProposeInput{
		TargetOrgID:     target.OrgID,
		ContractName:    name,
		Resources:       resources,
		RetentionWindow: "30 days",
	})
	require.NoError(t, err)
	c, err = h.contract.Respond(ctx, target, c.ContractID, model.DecisionApprove, "ok")
	require.NoError(t, err)
	return c
}

func (h *harness) submit(t *testing.T, userID uint64, resource, value string) {
	t.Helper()
	_, err := h.policy.SubmitPII(context.Background(), userID, resource, value, "127.0.0.1")
	require.NoError(t, err)
}

// defaultContract mirrors the process-wide contract loaded from YAML.
func defaultContract() *model.Contract {
	c := &model.Contract{
		ContractID:      "contract_001",
		ContractName:    "Default KYC Agreement",
		TargetOrgID:     bankID,
		TargetOrgName:   "BankABC",
		RetentionWindow: "30 days",
		Status:          model.ContractActive,
		ApprovalStatus:  model.ApprovalApproved,
		ResourcesAllowed: model.ResourceList{
			{ResourceName: "pan", Purpose: []string{"KYC", "Tax"}},
			{ResourceName: "aadhaar"},
		},
	}
	c.Normalize()
	return c
}
