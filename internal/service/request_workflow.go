package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pedolone/consent-service/internal/logger"
	"github.com/pedolone/consent-service/internal/metrics"
	"github.com/pedolone/consent-service/internal/model"
	"github.com/pedolone/consent-service/internal/repository"
	"github.com/pedolone/consent-service/internal/tokenizer"
	"github.com/pedolone/consent-service/internal/utils"
)

// RequestWorkflow routes data access requests from organizations to users
// and mints policies when they are approved.
type RequestWorkflow struct {
	requests  RequestStore
	contracts *ContractEngine
	engine    *PolicyEngine
	pii       PIIStore
	policies  PolicyStore
	dir       Directory
	cipher    Cipher
	exporter  Exporter
	audit     *Auditor
	now       Clock
	ttl       time.Duration
}

// RequestDeps are the collaborators of a RequestWorkflow.
type RequestDeps struct {
	Requests  RequestStore
	Contracts *ContractEngine
	Engine    *PolicyEngine
	PII       PIIStore
	Policies  PolicyStore
	Directory Directory
	Cipher    Cipher
	Exporter  Exporter
	Audit     *Auditor
	Now       Clock
	TTL       time.Duration
}

func NewRequestWorkflow(d RequestDeps) *RequestWorkflow {
	ttl := d.TTL
	if ttl <= 0 {
		ttl = model.DefaultRequestTTL
	}
	return &RequestWorkflow{
		requests:  d.Requests,
		contracts: d.Contracts,
		engine:    d.Engine,
		pii:       d.PII,
		policies:  d.Policies,
		dir:       d.Directory,
		cipher:    d.Cipher,
		exporter:  d.Exporter,
		audit:     d.Audit,
		now:       d.Now,
		ttl:       ttl,
	}
}

// RequestInput is a request to one user.
type RequestInput struct {
	TargetUserID    uint64
	Resources       []string
	Purpose         []string
	RetentionWindow string
	Message         string
	IPAddress       string
}

// BulkInput is a request to several users of one organization.
type BulkInput struct {
	TargetOrgID     string
	UserIDs         []uint64
	Resources       []string
	Purpose         []string
	RetentionWindow string
	Message         string
	IPAddress       string
}

// CreateRequest validates a request against the active contracts between
// the requester and the user's organization and stores it as pending.
// Checks run in order: contract exists, resources covered, purposes
// allowed, user holds the PII.
func (w *RequestWorkflow) CreateRequest(ctx context.Context, who model.Principal, in RequestInput) (*model.DataRequest, error) {
	if !who.IsOrganization() {
		return nil, ErrNotAuthorized
	}
	resources, purpose, window, err := normalizeRequest(in.Resources, in.Purpose, in.RetentionWindow)
	if err != nil {
		return nil, err
	}
	requester, err := w.lookupOrg(ctx, who.OrgID)
	if err != nil {
		return nil, err
	}
	user, err := w.lookupUser(ctx, in.TargetUserID)
	if err != nil {
		return nil, err
	}
	contract, target, err := w.plan(ctx, who.OrgID, user, resources, purpose)
	if err != nil {
		metrics.DataRequest("rejected_at_creation")
		return nil, err
	}
	if window == "" {
		window = defaultWindow(contract, resources)
	}

	dr := w.newRequest(requester, user, target, contract, resources, purpose, window, in.Message)
	if err := w.requests.InsertMany(ctx, []*model.DataRequest{dr}); err != nil {
		return nil, err
	}
	metrics.DataRequest("created")
	w.announce(ctx, dr, in.IPAddress)
	return dr, nil
}

// RespondToRequest approves or rejects a pending request. The responder is
// the target user or an admin of the target organization. On approval a
// policy is minted for every requested resource an active contract still
// covers; uncovered resources are skipped.
func (w *RequestWorkflow) RespondToRequest(ctx context.Context, who model.Principal, requestID, decision, message, ip string) (*model.DataRequest, []model.Policy, error) {
	dr, err := w.requests.Get(ctx, requestID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}
	if !w.mayRespond(ctx, who, dr) {
		return nil, nil, ErrNotAuthorized
	}
	if dr.Status != model.RequestPending {
		return nil, nil, ErrAlreadyResponded
	}
	now := utils.StorageTime(w.now())
	if dr.Expired(now) {
		return nil, nil, ErrExpired
	}
	status, err := decisionStatus(decision)
	if err != nil {
		return nil, nil, err
	}
	if err := w.requests.Respond(ctx, []string{dr.RequestID}, status, who.UserID, message, now); err != nil {
		if errors.Is(err, repository.ErrStale) {
			return nil, nil, ErrAlreadyResponded
		}
		return nil, nil, err
	}
	markResponded(dr, status, who.UserID, message, now)
	metrics.DataRequest(status)

	var minted []model.Policy
	if status == model.RequestApproved {
		minted = w.mint(ctx, dr, ip)
	}
	w.audit.Notify(ctx, OrgTarget(dr.RequesterOrgID), "data_request_"+status, map[string]any{
		"request_id":       dr.RequestID,
		"target_user_id":   dr.TargetUserID,
		"policies_created": len(minted),
		"response_message": message,
	})
	return dr, minted, nil
}

// CreateBulkRequest validates every user first and then stores one request
// per user under a shared bulk id in a single transaction.
func (w *RequestWorkflow) CreateBulkRequest(ctx context.Context, who model.Principal, in BulkInput) (string, []model.DataRequest, error) {
	if !who.IsOrganization() {
		return "", nil, ErrNotAuthorized
	}
	if in.TargetOrgID == "" || len(in.UserIDs) == 0 {
		return "", nil, fmt.Errorf("%w: target_org_id and user_ids are required", ErrInvalidInput)
	}
	resources, purpose, window, err := normalizeRequest(in.Resources, in.Purpose, in.RetentionWindow)
	if err != nil {
		return "", nil, err
	}
	requester, err := w.lookupOrg(ctx, who.OrgID)
	if err != nil {
		return "", nil, err
	}

	bulkID := uuid.NewString()
	seen := map[uint64]bool{}
	var batch []*model.DataRequest
	for _, id := range in.UserIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		user, err := w.lookupUser(ctx, id)
		if err != nil {
			return "", nil, err
		}
		contract, target, err := w.plan(ctx, who.OrgID, user, resources, purpose)
		if err != nil {
			return "", nil, err
		}
		if target.OrgID != in.TargetOrgID {
			return "", nil, fmt.Errorf("%w: user %d belongs to %s, not %s", ErrInvalidInput, id, target.OrgID, in.TargetOrgID)
		}
		userWindow := window
		if userWindow == "" {
			userWindow = defaultWindow(contract, resources)
		}
		dr := w.newRequest(requester, user, target, contract, resources, purpose, userWindow, in.Message)
		dr.BulkRequestID = bulkID
		batch = append(batch, dr)
	}
	if err := w.requests.InsertMany(ctx, batch); err != nil {
		return "", nil, err
	}
	out := make([]model.DataRequest, len(batch))
	for i, dr := range batch {
		out[i] = *dr
		w.announce(ctx, dr, in.IPAddress)
	}
	metrics.DataRequest("bulk_created")
	return bulkID, out, nil
}

// ApproveBulkRequest approves every still-pending member of a bulk group in
// one all-or-nothing update, mints policies and hands the group to the
// exporter. Members answered earlier are left as they are. If any pending
// member has expired nothing changes.
func (w *RequestWorkflow) ApproveBulkRequest(ctx context.Context, who model.Principal, bulkID, message, ip string) ([]model.DataRequest, error) {
	members, err := w.requests.ListBulk(ctx, bulkID)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, ErrNotFound
	}
	if !who.IsOrganization() || !w.isTargetOrgAdmin(ctx, who, &members[0]) {
		return nil, ErrNotAuthorized
	}
	now := utils.StorageTime(w.now())
	var ids []string
	for i := range members {
		m := &members[i]
		if m.Status != model.RequestPending {
			continue
		}
		if m.Expired(now) {
			return nil, fmt.Errorf("%w: request %s", ErrExpired, m.RequestID)
		}
		ids = append(ids, m.RequestID)
	}
	if len(ids) == 0 {
		return nil, ErrAlreadyResponded
	}
	if err := w.requests.Respond(ctx, ids, model.RequestApproved, who.UserID, message, now); err != nil {
		if errors.Is(err, repository.ErrStale) {
			return nil, ErrAlreadyResponded
		}
		return nil, err
	}

	approved := map[string]bool{}
	for _, id := range ids {
		approved[id] = true
	}
	for i := range members {
		m := &members[i]
		if !approved[m.RequestID] {
			continue
		}
		markResponded(m, model.RequestApproved, who.UserID, message, now)
		w.mint(ctx, m, ip)
	}
	metrics.DataRequest("bulk_approved")

	if w.exporter != nil {
		if err := w.exporter.RequestBulkExport(ctx, bulkID, members[0].RequesterOrgID, ids); err != nil {
			metrics.SideChannelFailure("export")
			logger.From(ctx).Warn("bulk export hand-off failed", zap.String("bulk_request_id", bulkID), logger.Err(err))
		}
	}
	w.audit.Notify(ctx, OrgTarget(members[0].RequesterOrgID), "bulk_request_approved", map[string]any{
		"bulk_request_id": bulkID,
		"approved":        len(ids),
	})
	return members, nil
}

// GetBulk returns a bulk group to the requester or the target organization.
func (w *RequestWorkflow) GetBulk(ctx context.Context, who model.Principal, bulkID string) ([]model.DataRequest, error) {
	members, err := w.requests.ListBulk(ctx, bulkID)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, ErrNotFound
	}
	if who.OrgID != members[0].RequesterOrgID && !w.isTargetOrgAdmin(ctx, who, &members[0]) {
		return nil, ErrNotAuthorized
	}
	return members, nil
}

// ListReceived returns requests addressed to a user.
func (w *RequestWorkflow) ListReceived(ctx context.Context, userID uint64) ([]model.DataRequest, error) {
	return w.requests.ListForUser(ctx, userID)
}

// ListSent returns requests sent by an organization.
func (w *RequestWorkflow) ListSent(ctx context.Context, orgID string) ([]model.DataRequest, error) {
	return w.requests.ListByRequester(ctx, orgID)
}

// plan runs the creation checks for one user and returns the supporting
// contract and the user's organization.
func (w *RequestWorkflow) plan(ctx context.Context, requesterOrg string, user *model.User, resources, purpose []string) (*model.Contract, *model.Organization, error) {
	target, err := w.resolveOrganization(ctx, user)
	if err != nil {
		return nil, nil, err
	}
	active, err := w.contracts.ActiveContractsBetween(ctx, requesterOrg, target.OrgID)
	if err != nil {
		return nil, nil, err
	}
	if len(active) == 0 {
		return nil, nil, ErrNoActiveContract
	}
	contract, err := selectContract(active, resources, purpose)
	if err != nil {
		return nil, nil, err
	}
	var missing []string
	for _, r := range resources {
		if _, err := w.pii.Get(ctx, user.ID, r); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				missing = append(missing, r)
				continue
			}
			return nil, nil, err
		}
	}
	if len(missing) > 0 {
		return nil, nil, &MissingResourcesError{UserID: user.ID, Resources: missing}
	}
	return contract, target, nil
}

// selectContract picks the first contract covering every resource and
// allowing every purpose for them. Without a covering contract the error
// names what the closest contract lacks.
func selectContract(contracts []model.Contract, resources, purpose []string) (*model.Contract, error) {
	var (
		bestMissing   []string
		purposeFailed *UnsupportedPurposesError
	)
	for i := range contracts {
		c := &contracts[i]
		var missing []string
		for _, r := range resources {
			if _, ok := c.ResourcesAllowed.Find(r); !ok {
				missing = append(missing, r)
			}
		}
		if len(missing) > 0 {
			if bestMissing == nil || len(missing) < len(bestMissing) {
				bestMissing = missing
			}
			continue
		}
		var violations []PurposeViolation
		for _, r := range resources {
			grant, _ := c.ResourcesAllowed.Find(r)
			for _, p := range purpose {
				if !grant.AllowsPurpose(p) {
					violations = append(violations, PurposeViolation{Purpose: p, Resource: r})
				}
			}
		}
		if len(violations) == 0 {
			return c, nil
		}
		if purposeFailed == nil {
			purposeFailed = &UnsupportedPurposesError{Violations: violations}
		}
	}
	if purposeFailed != nil {
		return nil, purposeFailed
	}
	return nil, &UnsupportedResourcesError{Resources: sortedCopy(bestMissing)}
}

// mint creates one policy per requested resource. Failures are logged and
// skipped so one bad resource does not void the approval.
func (w *RequestWorkflow) mint(ctx context.Context, dr *model.DataRequest, ip string) []model.Policy {
	log := logger.From(ctx).With(logger.RequestRef(dr.RequestID), logger.UserID(dr.TargetUserID))
	active, err := w.contracts.ActiveContractsBetween(ctx, dr.RequesterOrgID, dr.TargetOrgID)
	if err != nil {
		log.Warn("load contracts for approval failed", logger.Err(err))
		return nil
	}
	var out []model.Policy
	for _, resource := range dr.RequestedResources {
		contract := contractFor(active, dr.ContractID, resource)
		if contract == nil {
			log.Warn("resource no longer covered by an active contract; skipped", logger.Resource(resource))
			continue
		}
		rec, err := w.pii.Get(ctx, dr.TargetUserID, resource)
		if err != nil {
			log.Warn("pii not available; skipped", logger.Resource(resource), logger.Err(err))
			continue
		}
		plain, err := w.cipher.Decrypt(rec.EncryptedOriginal)
		if err != nil {
			log.Warn("pii decrypt failed; skipped", logger.Resource(resource), logger.Err(err))
			continue
		}
		p, err := w.engine.CreatePolicy(ctx, PolicyInput{
			UserID:           dr.TargetUserID,
			ResourceType:     resource,
			RawValue:         plain,
			PurposeOverride:  dr.Purpose,
			Contract:         contract,
			IPAddress:        ip,
			SourceOrgID:      dr.TargetOrgID,
			TargetOrgID:      dr.RequesterOrgID,
			CounterpartyID:   dr.RequesterOrgID,
			CounterpartyName: dr.RequesterOrgName,
			RequestID:        dr.RequestID,
		})
		if err != nil {
			log.Warn("policy creation failed; skipped", logger.Resource(resource), logger.Err(err))
			continue
		}
		out = append(out, *p)
	}
	return out
}

// contractFor prefers the contract the request was created under.
func contractFor(active []model.Contract, preferred, resource string) *model.Contract {
	var fallback *model.Contract
	for i := range active {
		c := &active[i]
		if _, ok := c.ResourcesAllowed.Find(resource); !ok {
			continue
		}
		if c.ContractID == preferred {
			return c
		}
		if fallback == nil {
			fallback = c
		}
	}
	return fallback
}

// resolveOrganization finds the organization a user belongs to: the user's
// own organization_id, else the org named by their most recent policy
// (ids first, then the counterparty name).
func (w *RequestWorkflow) resolveOrganization(ctx context.Context, u *model.User) (*model.Organization, error) {
	if u.OrganizationID != "" {
		return w.lookupOrg(ctx, u.OrganizationID)
	}
	latest, err := w.policies.Latest(ctx, u.ID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrOrganizationUnresolved
		}
		return nil, err
	}
	for _, id := range []string{latest.SourceOrgID, latest.TargetOrgID, latest.CounterpartyID} {
		if id == "" {
			continue
		}
		if org, err := w.dir.GetOrganization(ctx, id); err == nil {
			return org, nil
		}
	}
	if latest.CounterpartyName != "" {
		if org, err := w.dir.FindOrganizationByName(ctx, latest.CounterpartyName); err == nil {
			return org, nil
		}
	}
	return nil, ErrOrganizationUnresolved
}

func (w *RequestWorkflow) mayRespond(ctx context.Context, who model.Principal, dr *model.DataRequest) bool {
	if who.UserID == dr.TargetUserID {
		return true
	}
	return w.isTargetOrgAdmin(ctx, who, dr)
}

// isTargetOrgAdmin matches by org id and falls back to comparing org names
// for requests stored without a target org id.
func (w *RequestWorkflow) isTargetOrgAdmin(ctx context.Context, who model.Principal, dr *model.DataRequest) bool {
	if !who.IsOrganization() {
		return false
	}
	if dr.TargetOrgID != "" {
		return who.OrgID == dr.TargetOrgID
	}
	if dr.TargetOrgName == "" {
		return false
	}
	org, err := w.dir.GetOrganization(ctx, who.OrgID)
	return err == nil && strings.EqualFold(org.OrgName, dr.TargetOrgName)
}

func (w *RequestWorkflow) newRequest(requester *model.Organization, user *model.User, target *model.Organization, contract *model.Contract, resources, purpose []string, window, message string) *model.DataRequest {
	now := utils.StorageTime(w.now())
	return &model.DataRequest{
		RequestID:          uuid.NewString(),
		RequesterOrgID:     requester.OrgID,
		RequesterOrgName:   requester.OrgName,
		TargetUserID:       user.ID,
		TargetUserEmail:    user.Email,
		TargetOrgID:        target.OrgID,
		TargetOrgName:      target.OrgName,
		ContractID:         contract.ContractID,
		RequestedResources: resources,
		Purpose:            purpose,
		RetentionWindow:    window,
		RequestMessage:     message,
		Status:             model.RequestPending,
		CreatedAt:          now,
		ExpiresAt:          now.Add(w.ttl),
	}
}

func (w *RequestWorkflow) announce(ctx context.Context, dr *model.DataRequest, ip string) {
	w.audit.Record(ctx, &model.AuditLog{
		UserID:       dr.TargetUserID,
		Counterparty: dr.RequesterOrgName,
		Resource:     strings.Join(dr.RequestedResources, ","),
		Purpose:      dr.Purpose,
		LogType:      model.LogTypeDataRequest,
		IPAddress:    ip,
		DataSource:   model.DataSourceOrganization,
		ContractID:   dr.ContractID,
		RequestID:    dr.RequestID,
		SourceOrgID:  dr.RequesterOrgID,
		TargetOrgID:  dr.TargetOrgID,
	})
	w.audit.Notify(ctx, UserTarget(dr.TargetUserID), "data_request_received", map[string]any{
		"request_id": dr.RequestID,
		"from":       dr.RequesterOrgName,
		"resources":  strings.Join(dr.RequestedResources, ","),
		"expires_at": dr.ExpiresAt.Format(time.RFC3339),
	})
}

func (w *RequestWorkflow) lookupOrg(ctx context.Context, id string) (*model.Organization, error) {
	org, err := w.dir.GetOrganization(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown organization %q", ErrInvalidInput, id)
		}
		return nil, err
	}
	return org, nil
}

func (w *RequestWorkflow) lookupUser(ctx context.Context, id uint64) (*model.User, error) {
	u, err := w.dir.GetUser(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: user %d not found", ErrInvalidInput, id)
		}
		return nil, err
	}
	if u.UserType != model.UserTypeIndividual {
		return nil, fmt.Errorf("%w: user %d is not an individual", ErrInvalidInput, id)
	}
	return u, nil
}

func normalizeRequest(resources, purpose []string, window string) ([]string, []string, string, error) {
	if len(resources) == 0 {
		return nil, nil, "", fmt.Errorf("%w: requested_resources is required", ErrInvalidInput)
	}
	seen := map[string]bool{}
	var outRes []string
	for _, r := range resources {
		r = tokenizer.NormalizeResource(r)
		if !tokenizer.Supported(r) {
			return nil, nil, "", fmt.Errorf("%w: %q", tokenizer.ErrUnsupportedResource, r)
		}
		if !seen[r] {
			seen[r] = true
			outRes = append(outRes, r)
		}
	}
	outPurpose := cleanPurposes(purpose)
	if len(outPurpose) == 0 {
		return nil, nil, "", fmt.Errorf("%w: purpose is required", ErrInvalidInput)
	}
	if window != "" {
		canonical, err := utils.CanonicalRetentionWindow(window)
		if err != nil {
			return nil, nil, "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		window = canonical
	}
	return outRes, outPurpose, window, nil
}

// defaultWindow is the retention of the first requested grant.
func defaultWindow(c *model.Contract, resources []string) string {
	if grant, ok := c.ResourcesAllowed.Find(resources[0]); ok && grant.RetentionWindow != "" {
		return grant.RetentionWindow
	}
	return c.RetentionWindow
}

func decisionStatus(decision string) (string, error) {
	switch decision {
	case model.DecisionApprove:
		return model.RequestApproved, nil
	case model.DecisionReject:
		return model.RequestRejected, nil
	}
	return "", fmt.Errorf("%w: decision must be approve or reject", ErrInvalidInput)
}

func markResponded(dr *model.DataRequest, status string, by uint64, message string, at time.Time) {
	dr.Status = status
	dr.RespondedBy = by
	dr.ResponseMessage = message
	t := at
	dr.RespondedAt = &t
}
