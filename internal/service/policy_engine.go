package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pedolone/consent-service/internal/logger"
	"github.com/pedolone/consent-service/internal/metrics"
	"github.com/pedolone/consent-service/internal/model"
	"github.com/pedolone/consent-service/internal/repository"
	"github.com/pedolone/consent-service/internal/tokenizer"
	"github.com/pedolone/consent-service/internal/utils"
)

// PolicyEngine owns the PII vault and issues signed consent policies.
type PolicyEngine struct {
	pii       PIIStore
	policies  PolicyStore
	contracts ContractStore
	signer    Signer
	cipher    Cipher
	audit     *Auditor
	now       Clock
}

// PolicyDeps are the collaborators of a PolicyEngine.
type PolicyDeps struct {
	PII       PIIStore
	Policies  PolicyStore
	Contracts ContractStore
	Signer    Signer
	Cipher    Cipher
	Audit     *Auditor
	Now       Clock
}

func NewPolicyEngine(d PolicyDeps) *PolicyEngine {
	return &PolicyEngine{
		pii:       d.PII,
		policies:  d.Policies,
		contracts: d.Contracts,
		signer:    d.Signer,
		cipher:    d.Cipher,
		audit:     d.Audit,
		now:       d.Now,
	}
}

// SubmitPII validates, tokenizes and encrypts raw, then overwrites the
// user's slot for that resource.
func (e *PolicyEngine) SubmitPII(ctx context.Context, userID uint64, resource, raw, ip string) (*model.PIIRecord, error) {
	resource = tokenizer.NormalizeResource(resource)
	normalized, err := tokenizer.Validate(resource, raw)
	if err != nil {
		return nil, err
	}
	token, err := tokenizer.Tokenize(resource, normalized)
	if err != nil {
		return nil, err
	}
	sealed, err := e.cipher.Encrypt(normalized)
	if err != nil {
		return nil, fmt.Errorf("encrypt pii: %w", err)
	}
	now := utils.StorageTime(e.now())
	rec := &model.PIIRecord{
		UserID:            userID,
		ResourceType:      resource,
		EncryptedOriginal: sealed,
		Token:             token,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := e.pii.Upsert(ctx, rec); err != nil {
		return nil, err
	}
	e.audit.Record(ctx, &model.AuditLog{
		UserID:     userID,
		Resource:   resource,
		LogType:    model.LogTypePIISubmission,
		IPAddress:  ip,
		DataSource: model.DataSourceIndividual,
	})
	return rec, nil
}

// ListPII returns the user's stored tokens. Ciphertext never leaves the
// service.
func (e *PolicyEngine) ListPII(ctx context.Context, userID uint64) ([]model.PIIRecord, error) {
	return e.pii.ListByUser(ctx, userID)
}

// PolicyInput describes one consent to mint. Contract is the effective
// contract and is required; callers pass the process default at the
// outermost entry point.
type PolicyInput struct {
	UserID           uint64
	ResourceType     string
	RawValue         string
	PurposeOverride  []string
	Contract         *model.Contract
	IPAddress        string
	SourceOrgID      string
	TargetOrgID      string
	CounterpartyID   string
	CounterpartyName string
	RequestID        string

	// RequireStored binds the policy to the value already in the vault.
	RequireStored bool
}

// CreatePolicy validates the resource against the effective contract,
// tokenizes the value, derives expiry from the retention window, signs and
// stores the policy, then records a consent audit entry.
func (e *PolicyEngine) CreatePolicy(ctx context.Context, in PolicyInput) (*model.Policy, error) {
	resource := tokenizer.NormalizeResource(in.ResourceType)
	if !tokenizer.Supported(resource) {
		return nil, fmt.Errorf("%w: %q", tokenizer.ErrUnsupportedResource, resource)
	}
	if in.Contract == nil {
		return nil, fmt.Errorf("%w: no effective contract", ErrInvalidInput)
	}
	grant, ok := in.Contract.ResourcesAllowed.Find(resource)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrResourceNotAllowed, resource)
	}
	token, err := tokenizer.Tokenize(resource, in.RawValue)
	if err != nil {
		return nil, err
	}
	if in.RequireStored {
		rec, err := e.pii.Get(ctx, in.UserID, resource)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: no stored %s to share", ErrInvalidInput, resource)
		}
		if err != nil {
			return nil, err
		}
		if rec.Token != token {
			return nil, fmt.Errorf("%w: value does not match stored %s", ErrInvalidInput, resource)
		}
	}

	purpose := grant.Purpose
	if len(in.PurposeOverride) > 0 {
		var bad []PurposeViolation
		for _, p := range in.PurposeOverride {
			if !grant.AllowsPurpose(p) {
				bad = append(bad, PurposeViolation{Purpose: p, Resource: resource})
			}
		}
		if len(bad) > 0 {
			return nil, &UnsupportedPurposesError{Violations: bad}
		}
		purpose = in.PurposeOverride
	}

	window := grant.RetentionWindow
	if window == "" {
		window = in.Contract.RetentionWindow
	}
	window, err = utils.CanonicalRetentionWindow(window)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	created := utils.StorageTime(e.now())
	expiry, err := utils.ExpiryFor(created, window)
	if err != nil {
		return nil, err
	}

	cpID, cpName := in.CounterpartyID, in.CounterpartyName
	if cpID == "" && cpName == "" {
		if in.TargetOrgID != "" && in.Contract.Involves(in.TargetOrgID) {
			cpID, cpName = in.TargetOrgID, in.Contract.OrgName(in.TargetOrgID)
		} else {
			cpID, cpName = in.Contract.TargetOrgID, in.Contract.TargetOrgName
		}
	}

	p := &model.Policy{
		ID:               uuid.NewString(),
		TokenID:          token,
		ResourceName:     resource,
		Purpose:          append([]string(nil), purpose...),
		CounterpartyName: cpName,
		CounterpartyID:   cpID,
		ContractID:       in.Contract.ContractID,
		RetentionWindow:  window,
		CreatedAt:        created,
		Expiry:           expiry,
		UserID:           in.UserID,
		SourceOrgID:      in.SourceOrgID,
		TargetOrgID:      in.TargetOrgID,
	}
	sig, err := e.signer.Sign(p.SignablePayload())
	if err != nil {
		return nil, fmt.Errorf("sign policy: %w", err)
	}
	p.Signature = sig
	if err := e.policies.Insert(ctx, p); err != nil {
		return nil, err
	}

	source := model.DataSourceIndividual
	if in.TargetOrgID != "" {
		source = model.DataSourceOrganization
	}
	metrics.PolicyCreated(resource, source)
	e.audit.Record(ctx, &model.AuditLog{
		UserID:       in.UserID,
		Counterparty: cpName,
		Resource:     resource,
		Purpose:      p.Purpose,
		LogType:      model.LogTypeConsent,
		IPAddress:    in.IPAddress,
		DataSource:   source,
		ContractID:   p.ContractID,
		RequestID:    in.RequestID,
		SourceOrgID:  in.SourceOrgID,
		TargetOrgID:  in.TargetOrgID,
	})
	return p, nil
}

// ActivePolicies returns the user's unexpired policies.
func (e *PolicyEngine) ActivePolicies(ctx context.Context, userID uint64) ([]model.Policy, error) {
	return e.policies.ListActive(ctx, userID, e.now())
}

// VerifyPolicy recomputes a policy's signature. The caller must own the
// policy or be one of the organizations it names.
func (e *PolicyEngine) VerifyPolicy(ctx context.Context, who model.Principal, id string) (*model.Policy, bool, error) {
	p, err := e.getPolicy(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if !canSeePolicy(who, p) {
		return nil, false, ErrNotAuthorized
	}
	return p, e.signer.Verify(p.SignablePayload(), p.Signature), nil
}

// RevokePolicy sets is_revoked on a policy owned by userID.
func (e *PolicyEngine) RevokePolicy(ctx context.Context, userID uint64, id, ip string) (*model.Policy, error) {
	p, err := e.getPolicy(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.UserID != userID {
		return nil, ErrNotAuthorized
	}
	if err := e.policies.Revoke(ctx, id, userID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	p.IsRevoked = true
	e.audit.Record(ctx, &model.AuditLog{
		UserID:       userID,
		Counterparty: p.CounterpartyName,
		Resource:     p.ResourceName,
		Purpose:      p.Purpose,
		LogType:      model.LogTypeRevocation,
		IPAddress:    ip,
		DataSource:   model.DataSourceIndividual,
		ContractID:   p.ContractID,
		TargetOrgID:  p.TargetOrgID,
	})
	return p, nil
}

// SharedData is a decrypted value released under a verified policy.
type SharedData struct {
	Policy *model.Policy `json:"policy"`
	Value  string        `json:"value"`
}

// AccessSharedData releases a user's PII to org if an active, unrevoked
// policy grants it, its signature still verifies and the stored value is
// the one the policy was issued for.
func (e *PolicyEngine) AccessSharedData(ctx context.Context, org model.Principal, userID uint64, resource, ip string) (*SharedData, error) {
	resource = tokenizer.NormalizeResource(resource)
	if !org.IsOrganization() {
		return nil, ErrNotAuthorized
	}
	p, err := e.policies.FindActive(ctx, userID, org.OrgID, resource, e.now())
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: no active consent for %s", ErrNotAuthorized, resource)
		}
		return nil, err
	}
	if !e.signer.Verify(p.SignablePayload(), p.Signature) {
		logger.From(ctx).Error("policy signature mismatch",
			zap.String("policy_id", p.ID), logger.UserID(userID), logger.Resource(resource))
		return nil, ErrSignatureMismatch
	}
	rec, err := e.pii.Get(ctx, userID, resource)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if rec.Token != p.TokenID {
		logger.From(ctx).Warn("stored pii no longer matches policy token",
			zap.String("policy_id", p.ID), logger.UserID(userID), logger.Resource(resource))
		return nil, ErrStaleConsent
	}
	plain, err := e.cipher.Decrypt(rec.EncryptedOriginal)
	if err != nil {
		return nil, fmt.Errorf("decrypt pii: %w", err)
	}
	e.audit.Record(ctx, &model.AuditLog{
		UserID:       userID,
		Counterparty: p.CounterpartyName,
		Resource:     resource,
		Purpose:      p.Purpose,
		LogType:      model.LogTypeDataAccess,
		IPAddress:    ip,
		DataSource:   model.DataSourceOrganization,
		ContractID:   p.ContractID,
		SourceOrgID:  p.SourceOrgID,
		TargetOrgID:  org.OrgID,
	})
	return &SharedData{Policy: p, Value: plain}, nil
}

// ContractCompliance aggregates the policies issued under a contract for
// one of its parties.
func (e *PolicyEngine) ContractCompliance(ctx context.Context, orgID, contractID string) (*model.ComplianceReport, error) {
	c, err := e.contracts.Get(ctx, contractID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if !c.Involves(orgID) {
		return nil, ErrNotAuthorized
	}
	policies, err := e.policies.ListByContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	return BuildCompliance(contractID, policies), nil
}

// BuildCompliance counts distinct users overall and per resource.
func BuildCompliance(contractID string, policies []model.Policy) *model.ComplianceReport {
	users := map[uint64]struct{}{}
	perResource := map[string]map[uint64]struct{}{}
	counts := map[string]int{}
	for _, p := range policies {
		users[p.UserID] = struct{}{}
		if perResource[p.ResourceName] == nil {
			perResource[p.ResourceName] = map[uint64]struct{}{}
		}
		perResource[p.ResourceName][p.UserID] = struct{}{}
		counts[p.ResourceName]++
	}
	rep := &model.ComplianceReport{
		ContractID:    contractID,
		TotalPolicies: len(policies),
		DistinctUsers: len(users),
		Resources:     make(map[string]model.ResourceUsage, len(counts)),
	}
	for name, n := range counts {
		u := len(perResource[name])
		pct := 0.0
		if len(users) > 0 {
			pct = float64(u) * 100 / float64(len(users))
		}
		rep.Resources[name] = model.ResourceUsage{Count: n, Users: u, Percentage: pct}
	}
	return rep
}

func (e *PolicyEngine) getPolicy(ctx context.Context, id string) (*model.Policy, error) {
	p, err := e.policies.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

func canSeePolicy(who model.Principal, p *model.Policy) bool {
	if who.UserID == p.UserID {
		return true
	}
	if !who.IsOrganization() {
		return false
	}
	return who.OrgID == p.TargetOrgID || who.OrgID == p.SourceOrgID || who.OrgID == p.CounterpartyID
}
