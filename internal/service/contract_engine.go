package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pedolone/consent-service/internal/logger"
	"github.com/pedolone/consent-service/internal/metrics"
	"github.com/pedolone/consent-service/internal/model"
	"github.com/pedolone/consent-service/internal/repository"
	"github.com/pedolone/consent-service/internal/tokenizer"
	"github.com/pedolone/consent-service/internal/utils"
)

// Contract audit action types.
const (
	ActionCreated           = "created"
	ActionApproved          = "approved"
	ActionRejected          = "rejected"
	ActionUpdateRequested   = "update_requested"
	ActionDeletionRequested = "deletion_requested"
	ActionUpdateApproved    = "update_approved"
	ActionUpdateRejected    = "update_rejected"
	ActionDeletionApproved  = "deletion_approved"
	ActionDeletionRejected  = "deletion_rejected"
	ActionTerminated        = "terminated"
	ActionExpired           = "expired"
)

// ContractEngine drives the contract lifecycle:
//
//	pending  -> active | rejected           (respond, target org only)
//	active   -> active with pending action  (propose update / request deletion)
//	action   -> applied | cleared           (respond to action, other party only)
//	pending|active -> terminated            (either party, no approval)
//
// Every transition is a compare-and-swap on the stored revision and writes
// its audit entry atomically with the state change.
type ContractEngine struct {
	contracts ContractStore
	dir       Directory
	signer    Signer
	audit     *Auditor
	now       Clock
}

// ContractDeps are the collaborators of a ContractEngine.
type ContractDeps struct {
	Contracts ContractStore
	Directory Directory
	Signer    Signer
	Audit     *Auditor
	Now       Clock
}

func NewContractEngine(d ContractDeps) *ContractEngine {
	return &ContractEngine{contracts: d.Contracts, dir: d.Directory, signer: d.Signer, audit: d.Audit, now: d.Now}
}

// ProposeInput is a new contract offered by the caller's organization.
type ProposeInput struct {
	TargetOrgID     string
	ContractName    string
	ContractType    string
	Resources       model.ResourceList
	RetentionWindow string
	EndsAt          *time.Time
}

// Propose creates a pending contract from the caller's org to the target.
func (e *ContractEngine) Propose(ctx context.Context, who model.Principal, in ProposeInput) (*model.Contract, error) {
	if !who.IsOrganization() {
		return nil, ErrNotAuthorized
	}
	name := strings.TrimSpace(in.ContractName)
	if name == "" || in.TargetOrgID == "" || len(in.Resources) == 0 {
		return nil, fmt.Errorf("%w: contract_name, target_org_id and resources_allowed are required", ErrInvalidInput)
	}
	if in.TargetOrgID == who.OrgID {
		return nil, fmt.Errorf("%w: cannot contract with own organization", ErrInvalidInput)
	}
	now := utils.StorageTime(e.now())
	var endsAt *time.Time
	if in.EndsAt != nil {
		t := utils.StorageTime(*in.EndsAt)
		if !t.After(now) {
			return nil, fmt.Errorf("%w: ends_at must be in the future", ErrInvalidInput)
		}
		endsAt = &t
	}
	source, err := e.org(ctx, who.OrgID)
	if err != nil {
		return nil, err
	}
	target, err := e.org(ctx, in.TargetOrgID)
	if err != nil {
		return nil, err
	}
	var window string
	if in.RetentionWindow != "" {
		if window, err = utils.CanonicalRetentionWindow(in.RetentionWindow); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}
	resources, err := e.prepareResources(in.Resources, window, now, endsAt)
	if err != nil {
		return nil, err
	}
	contractType := in.ContractType
	if contractType == "" {
		contractType = "data_sharing"
	}

	c := &model.Contract{
		ContractID:       uuid.NewString(),
		ContractName:     name,
		ContractType:     contractType,
		SourceOrgID:      source.OrgID,
		SourceOrgName:    source.OrgName,
		TargetOrgID:      target.OrgID,
		TargetOrgName:    target.OrgName,
		ResourcesAllowed: resources,
		RetentionWindow:  window,
		Status:           model.ContractPending,
		ApprovalStatus:   model.ApprovalPending,
		CreatedAt:        now,
		EndsAt:           endsAt,
		Version:          model.InitialContractVersion,
	}

	existing, err := e.contracts.ListBetween(ctx, c.SourceOrgID, c.TargetOrgID)
	if err != nil {
		return nil, err
	}
	for i := range existing {
		ex := &existing[i]
		if ex.OpenKey() != c.OpenKey() {
			continue
		}
		if ex.EndsAt == nil || ex.EndsAt.After(now) {
			return nil, ErrDuplicateContract
		}
		// Ended but not swept yet; close it so the name is free again.
		if err := e.expire(ctx, ex, who); err != nil {
			return nil, err
		}
	}

	entry := e.entry(c, who, ActionCreated, map[string]any{
		"contract_name": c.ContractName,
		"target_org_id": c.TargetOrgID,
		"resources":     resources.Names(),
	})
	if err := e.contracts.Insert(ctx, c, entry); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, ErrDuplicateContract
		}
		return nil, err
	}
	metrics.ContractTransition(ActionCreated)
	e.audit.Notify(ctx, OrgTarget(c.TargetOrgID), "contract_proposed", map[string]any{
		"contract_id":   c.ContractID,
		"contract_name": c.ContractName,
		"from":          c.SourceOrgName,
	})
	return c, nil
}

// Respond approves or rejects a pending contract. Only the target
// organization may respond, and only once.
func (e *ContractEngine) Respond(ctx context.Context, who model.Principal, contractID, decision, message string) (*model.Contract, error) {
	c, err := e.load(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if !who.IsOrganization() || who.OrgID != c.TargetOrgID {
		return nil, ErrNotAuthorized
	}
	if c.ApprovalStatus != model.ApprovalPending || c.Status != model.ContractPending {
		return nil, ErrAlreadyResponded
	}
	now := utils.StorageTime(e.now())
	if c.EndsAt != nil && !c.EndsAt.After(now) {
		return nil, ErrExpired
	}

	var action string
	switch decision {
	case model.DecisionApprove:
		c.Status, c.ApprovalStatus = model.ContractActive, model.ApprovalApproved
		c.ApprovedAt, c.ApprovedBy = &now, who.UserID
		action = ActionApproved
	case model.DecisionReject:
		c.Status, c.ApprovalStatus = model.ContractRejected, model.ApprovalRejected
		action = ActionRejected
	default:
		return nil, fmt.Errorf("%w: decision must be approve or reject", ErrInvalidInput)
	}
	if err := e.commit(ctx, c, who, action, map[string]any{"message": message}, ErrAlreadyResponded); err != nil {
		return nil, err
	}
	e.audit.Notify(ctx, OrgTarget(c.SourceOrgID), "contract_"+action, map[string]any{
		"contract_id": c.ContractID,
		"message":     message,
	})
	return c, nil
}

// ProposeUpdate attaches an update to an active contract. An empty
// resource list re-proposes the current grants.
func (e *ContractEngine) ProposeUpdate(ctx context.Context, who model.Principal, contractID string, resources model.ResourceList, reason string) (*model.Contract, error) {
	c, err := e.loadForAction(ctx, who, contractID)
	if err != nil {
		return nil, err
	}
	now := utils.StorageTime(e.now())
	var proposed model.ResourceList
	if len(resources) == 0 {
		proposed = append(model.ResourceList(nil), c.ResourcesAllowed...)
	} else if proposed, err = e.prepareResources(resources, c.RetentionWindow, now, c.EndsAt); err != nil {
		return nil, err
	}
	c.PendingAction = &model.PendingAction{
		Kind:             model.ActionUpdate,
		Reason:           reason,
		Resources:        proposed,
		RequestedByOrgID: who.OrgID,
		RequestedBy:      who.UserID,
		RequestedAt:      now,
	}
	if err := e.commit(ctx, c, who, ActionUpdateRequested, map[string]any{
		"reason":    reason,
		"resources": proposed.Names(),
	}, ErrConflict); err != nil {
		return nil, err
	}
	other, _ := c.Counterparty(who.OrgID)
	e.audit.Notify(ctx, OrgTarget(other), "contract_update_requested", map[string]any{"contract_id": c.ContractID, "reason": reason})
	return c, nil
}

// RequestDeletion attaches a deletion request to an active contract.
func (e *ContractEngine) RequestDeletion(ctx context.Context, who model.Principal, contractID, reason string) (*model.Contract, error) {
	c, err := e.loadForAction(ctx, who, contractID)
	if err != nil {
		return nil, err
	}
	c.PendingAction = &model.PendingAction{
		Kind:             model.ActionDeletion,
		Reason:           reason,
		RequestedByOrgID: who.OrgID,
		RequestedBy:      who.UserID,
		RequestedAt:      utils.StorageTime(e.now()),
	}
	if err := e.commit(ctx, c, who, ActionDeletionRequested, map[string]any{"reason": reason}, ErrConflict); err != nil {
		return nil, err
	}
	other, _ := c.Counterparty(who.OrgID)
	e.audit.Notify(ctx, OrgTarget(other), "contract_deletion_requested", map[string]any{"contract_id": c.ContractID, "reason": reason})
	return c, nil
}

// RespondToAction approves or rejects the pending update or deletion. The
// organization that requested the action can never answer it.
func (e *ContractEngine) RespondToAction(ctx context.Context, who model.Principal, contractID, decision, message string) (*model.Contract, error) {
	c, err := e.load(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if !who.IsOrganization() || !c.Involves(who.OrgID) {
		return nil, ErrNotAuthorized
	}
	pa := c.PendingAction
	if pa == nil {
		return nil, ErrNoPendingAction
	}
	if pa.RequestedByOrgID == who.OrgID {
		return nil, fmt.Errorf("%w: cannot approve own request", ErrNotAuthorized)
	}
	if err := e.requireActive(c); err != nil {
		return nil, err
	}

	var action string
	switch {
	case decision == model.DecisionApprove && pa.Kind == model.ActionUpdate:
		c.ResourcesAllowed = pa.Resources
		c.Version = bumpMinor(c.Version)
		action = ActionUpdateApproved
	case decision == model.DecisionApprove && pa.Kind == model.ActionDeletion:
		c.Status = model.ContractDeleted
		action = ActionDeletionApproved
	case decision == model.DecisionReject && pa.Kind == model.ActionUpdate:
		action = ActionUpdateRejected
	case decision == model.DecisionReject && pa.Kind == model.ActionDeletion:
		action = ActionDeletionRejected
	case decision != model.DecisionApprove && decision != model.DecisionReject:
		return nil, fmt.Errorf("%w: decision must be approve or reject", ErrInvalidInput)
	default:
		return nil, fmt.Errorf("%w: unknown pending action %q", ErrInvalidState, pa.Kind)
	}
	c.PendingAction = nil
	if err := e.commit(ctx, c, who, action, map[string]any{
		"message":             message,
		"requested_by_org_id": pa.RequestedByOrgID,
		"reason":              pa.Reason,
	}, ErrAlreadyResponded); err != nil {
		return nil, err
	}
	e.audit.Notify(ctx, OrgTarget(pa.RequestedByOrgID), "contract_"+action, map[string]any{"contract_id": c.ContractID})
	return c, nil
}

// Terminate ends a pending or active contract immediately. Either party may
// terminate; any pending action is dropped.
func (e *ContractEngine) Terminate(ctx context.Context, who model.Principal, contractID, reason string) (*model.Contract, error) {
	c, err := e.load(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if !who.IsOrganization() || !c.Involves(who.OrgID) {
		return nil, ErrNotAuthorized
	}
	if c.Status != model.ContractActive && c.Status != model.ContractPending {
		return nil, fmt.Errorf("%w: contract is %s", ErrInvalidState, c.Status)
	}
	c.Status = model.ContractTerminated
	c.PendingAction = nil
	if err := e.commit(ctx, c, who, ActionTerminated, map[string]any{"reason": reason}, ErrConflict); err != nil {
		return nil, err
	}
	other, _ := c.Counterparty(who.OrgID)
	e.audit.Notify(ctx, OrgTarget(other), "contract_terminated", map[string]any{"contract_id": c.ContractID, "reason": reason})
	return c, nil
}

// Get returns a contract visible to one of its parties.
func (e *ContractEngine) Get(ctx context.Context, who model.Principal, contractID string) (*model.Contract, error) {
	c, err := e.load(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if !c.Involves(who.OrgID) {
		return nil, ErrNotAuthorized
	}
	return c, nil
}

// ListForOrg returns the org's contracts in both directions.
func (e *ContractEngine) ListForOrg(ctx context.Context, orgID string) ([]model.Contract, error) {
	return e.contracts.ListForOrg(ctx, orgID)
}

// Logs returns the audit trail of a contract to one of its parties.
func (e *ContractEngine) Logs(ctx context.Context, who model.Principal, contractID string) ([]model.ContractAuditLog, error) {
	if _, err := e.Get(ctx, who, contractID); err != nil {
		return nil, err
	}
	return e.contracts.Logs(ctx, contractID)
}

// ActiveContractsBetween returns approved, unexpired contracts linking a
// and b in either direction, newest first.
func (e *ContractEngine) ActiveContractsBetween(ctx context.Context, a, b string) ([]model.Contract, error) {
	all, err := e.contracts.ListBetween(ctx, a, b)
	if err != nil {
		return nil, err
	}
	now := e.now()
	var out []model.Contract
	for _, c := range all {
		if c.IsActive(now) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (e *ContractEngine) load(ctx context.Context, id string) (*model.Contract, error) {
	c, err := e.contracts.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return c, nil
}

func (e *ContractEngine) loadForAction(ctx context.Context, who model.Principal, id string) (*model.Contract, error) {
	c, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !who.IsOrganization() || !c.Involves(who.OrgID) {
		return nil, ErrNotAuthorized
	}
	if err := e.requireActive(c); err != nil {
		return nil, err
	}
	if c.PendingAction != nil {
		return nil, ErrActionPending
	}
	return c, nil
}

func (e *ContractEngine) requireActive(c *model.Contract) error {
	if c.IsActive(e.now()) {
		return nil
	}
	if c.Status == model.ContractActive && c.EndsAt != nil {
		return ErrExpired
	}
	return fmt.Errorf("%w: contract is %s", ErrInvalidState, c.Status)
}

func (e *ContractEngine) org(ctx context.Context, id string) (*model.Organization, error) {
	o, err := e.dir.GetOrganization(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown organization %q", ErrInvalidInput, id)
		}
		return nil, err
	}
	return o, nil
}

// prepareResources normalizes and signs each grant. Entries without their
// own retention window inherit fallback.
func (e *ContractEngine) prepareResources(in model.ResourceList, fallback string, now time.Time, endsAt *time.Time) (model.ResourceList, error) {
	out := make(model.ResourceList, 0, len(in))
	seen := map[string]bool{}
	for _, r := range in {
		name := tokenizer.NormalizeResource(r.ResourceName)
		if !tokenizer.Supported(name) {
			return nil, fmt.Errorf("%w: %q", tokenizer.ErrUnsupportedResource, name)
		}
		if seen[name] {
			return nil, fmt.Errorf("%w: resource %s listed twice", ErrInvalidInput, name)
		}
		seen[name] = true
		window := r.RetentionWindow
		if window == "" {
			window = fallback
		}
		canonical, err := utils.CanonicalRetentionWindow(window)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidInput, name, err)
		}
		grant := model.ContractResource{
			ResourceName:    name,
			Purpose:         cleanPurposes(r.Purpose),
			RetentionWindow: canonical,
			CreatedAt:       now,
			EndsAt:          endsAt,
		}
		if r.EndsAt != nil {
			t := utils.StorageTime(*r.EndsAt)
			grant.EndsAt = &t
		}
		sig, err := e.signer.Sign(grant.SignablePayload())
		if err != nil {
			return nil, err
		}
		grant.Signature = sig
		out = append(out, grant)
	}
	return out, nil
}

// VerifyResources reports the grants whose signature no longer matches.
func (e *ContractEngine) VerifyResources(c *model.Contract) []string {
	var bad []string
	for i := range c.ResourcesAllowed {
		r := &c.ResourcesAllowed[i]
		if r.Signature == "" || !e.signer.Verify(r.SignablePayload(), r.Signature) {
			bad = append(bad, r.ResourceName)
		}
	}
	return bad
}

func (e *ContractEngine) entry(c *model.Contract, who model.Principal, action string, details map[string]any) *model.ContractAuditLog {
	return &model.ContractAuditLog{
		ContractID:    c.ContractID,
		ActionType:    action,
		ActionBy:      who.UserID,
		ActionByOrgID: who.OrgID,
		ActionDetails: details,
		Timestamp:     utils.StorageTime(e.now()),
	}
}

// commit writes c against the revision it was read at. A lost race maps to
// onStale.
func (e *ContractEngine) commit(ctx context.Context, c *model.Contract, who model.Principal, action string, details map[string]any, onStale error) error {
	err := e.contracts.Update(ctx, c, c.Revision, e.entry(c, who, action, details))
	switch {
	case err == nil:
		metrics.ContractTransition(action)
		logger.From(ctx).Info("contract transition",
			logger.ContractID(c.ContractID), logger.OrgID(who.OrgID), logger.Op(action))
		return nil
	case errors.Is(err, repository.ErrStale):
		return onStale
	case errors.Is(err, repository.ErrDuplicate):
		return ErrDuplicateContract
	default:
		return err
	}
}

// expire closes a contract whose ends_at has passed. Losing the race to
// the sweeper or another party is fine.
func (e *ContractEngine) expire(ctx context.Context, c *model.Contract, who model.Principal) error {
	c.Status = model.ContractExpired
	c.PendingAction = nil
	return e.commit(ctx, c, who, ActionExpired, map[string]any{"ends_at": c.EndsAt}, nil)
}

func cleanPurposes(in []string) []string {
	var out []string
	for _, p := range in {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// bumpMinor turns "1.3" into "1.4".
func bumpMinor(v string) string {
	major, minor, ok := strings.Cut(v, ".")
	if !ok {
		major, minor = v, "0"
	}
	if _, err := strconv.Atoi(major); err != nil {
		major = "1"
	}
	n, err := strconv.Atoi(minor)
	if err != nil {
		n = 0
	}
	return major + "." + strconv.Itoa(n+1)
}
