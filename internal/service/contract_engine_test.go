package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pedolone/consent-service/internal/model"
	"github.com/pedolone/consent-service/internal/tokenizer"
)

var panGrant = model.ContractResource{ResourceName: "PAN", Purpose: []string{"KYC"}}

func TestProposeValidatesInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	base := ProposeInput{TargetOrgID: bankID, ContractName: "KYC", Resources: model.ResourceList{panGrant}, RetentionWindow: "30 days"}

	_, err := h.contract.Propose(ctx, alice, base)
	assert.ErrorIs(t, err, ErrNotAuthorized)

	self := base
	self.TargetOrgID = brokerID
	_, err = h.contract.Propose(ctx, brokerAdmin, self)
	assert.ErrorIs(t, err, ErrInvalidInput)

	unknown := base
	unknown.TargetOrgID = "nobody_001"
	_, err = h.contract.Propose(ctx, brokerAdmin, unknown)
	assert.ErrorIs(t, err, ErrInvalidInput)

	bad := base
	bad.Resources = model.ResourceList{{ResourceName: "voterid"}}
	_, err = h.contract.Propose(ctx, brokerAdmin, bad)
	assert.ErrorIs(t, err, tokenizer.ErrUnsupportedResource)

	past := base
	yesterday := h.clock.Now().Add(-24 * time.Hour)
	past.EndsAt = &yesterday
	_, err = h.contract.Propose(ctx, brokerAdmin, past)
	assert.ErrorIs(t, err, ErrInvalidInput)

	noWindow := base
	noWindow.RetentionWindow = ""
	_, err = h.contract.Propose(ctx, brokerAdmin, noWindow)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestProposeSignsEachGrant(t *testing.T) {
	h := newHarness(t)
	c, err := h.contract.Propose(context.Background(), brokerAdmin, ProposeInput{
		TargetOrgID:     bankID,
		ContractName:    "KYC",
		Resources:       model.ResourceList{panGrant, {ResourceName: "aadhaar", RetentionWindow: "7 day"}},
		RetentionWindow: "30 days",
	})
	require.NoError(t, err)
	assert.Equal(t, model.ContractPending, c.Status)
	assert.Equal(t, model.ApprovalPending, c.ApprovalStatus)
	assert.Equal(t, "1.0", c.Version)
	assert.Equal(t, "StockBrokerX", c.SourceOrgName)
	assert.Equal(t, "BankABC", c.TargetOrgName)
	assert.Equal(t, []string{"pan", "aadhaar"}, c.ResourcesAllowed.Names())
	assert.Equal(t, "7 days", c.ResourcesAllowed[1].RetentionWindow)
	assert.Empty(t, h.contract.VerifyResources(c))

	c.ResourcesAllowed[0].Purpose = []string{"Marketing"}
	assert.Equal(t, []string{"pan"}, h.contract.VerifyResources(c))
	assert.Contains(t, h.rec.events, "org:"+bankID+" contract_proposed")
}

func TestDuplicateOpenContractRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	in := ProposeInput{TargetOrgID: bankID, ContractName: "KYC", Resources: model.ResourceList{panGrant}, RetentionWindow: "30 days"}

	first, err := h.contract.Propose(ctx, brokerAdmin, in)
	require.NoError(t, err)
	_, err = h.contract.Propose(ctx, brokerAdmin, in)
	assert.ErrorIs(t, err, ErrDuplicateContract)

	reverse := in
	reverse.TargetOrgID = brokerID
	reverse.ContractName = " kyc "
	_, err = h.contract.Propose(ctx, bankAdmin, reverse)
	assert.ErrorIs(t, err, ErrDuplicateContract)

	other := in
	other.ContractName = "Tax"
	_, err = h.contract.Propose(ctx, brokerAdmin, other)
	assert.NoError(t, err)

	_, err = h.contract.Respond(ctx, bankAdmin, first.ContractID, model.DecisionReject, "no")
	require.NoError(t, err)
	again, err := h.contract.Propose(ctx, brokerAdmin, in)
	require.NoError(t, err)
	assert.NotEqual(t, first.ContractID, again.ContractID)
}

func TestDuplicateWhileActiveFreedByTerminate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	in := ProposeInput{TargetOrgID: bankID, ContractName: "KYC", Resources: model.ResourceList{panGrant}, RetentionWindow: "30 days"}
	active := h.activeContract(t, brokerAdmin, bankAdmin, "KYC", panGrant)

	_, err := h.contract.Propose(ctx, brokerAdmin, in)
	assert.ErrorIs(t, err, ErrDuplicateContract)
	reverse := in
	reverse.TargetOrgID = brokerID
	_, err = h.contract.Propose(ctx, bankAdmin, reverse)
	assert.ErrorIs(t, err, ErrDuplicateContract)

	_, err = h.contract.Terminate(ctx, bankAdmin, active.ContractID, "renegotiate")
	require.NoError(t, err)
	next, err := h.contract.Propose(ctx, brokerAdmin, in)
	require.NoError(t, err)
	assert.NotEqual(t, active.ContractID, next.ContractID)
	assert.Equal(t, model.ContractPending, next.Status)
}

func TestProposeReplacesEndedContractBeforeSweep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ends := h.clock.Now().Add(time.Hour)
	in := ProposeInput{
		TargetOrgID: bankID, ContractName: "Short", Resources: model.ResourceList{panGrant}, RetentionWindow: "30 days", EndsAt: &ends,
	}
	old, err := h.contract.Propose(ctx, brokerAdmin, in)
	require.NoError(t, err)
	_, err = h.contract.Respond(ctx, bankAdmin, old.ContractID, model.DecisionApprove, "")
	require.NoError(t, err)

	h.clock.Advance(2 * time.Hour)
	in.EndsAt = nil
	next, err := h.contract.Propose(ctx, brokerAdmin, in)
	require.NoError(t, err)
	assert.NotEqual(t, old.ContractID, next.ContractID)

	closed, err := h.contract.Get(ctx, bankAdmin, old.ContractID)
	require.NoError(t, err)
	assert.Equal(t, model.ContractExpired, closed.Status)
	logs, err := h.contract.Logs(ctx, bankAdmin, old.ContractID)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Equal(t, ActionExpired, logs[len(logs)-1].ActionType)
}

func TestRespondOnlyByTargetAndOnlyOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c, err := h.contract.Propose(ctx, brokerAdmin, ProposeInput{TargetOrgID: bankID, ContractName: "KYC", Resources: model.ResourceList{panGrant}, RetentionWindow: "30 days"})
	require.NoError(t, err)

	_, err = h.contract.Respond(ctx, brokerAdmin, c.ContractID, model.DecisionApprove, "")
	assert.ErrorIs(t, err, ErrNotAuthorized)
	_, err = h.contract.Respond(ctx, bankAdmin, c.ContractID, "maybe", "")
	assert.ErrorIs(t, err, ErrInvalidInput)

	approved, err := h.contract.Respond(ctx, bankAdmin, c.ContractID, model.DecisionApprove, "welcome")
	require.NoError(t, err)
	assert.Equal(t, model.ContractActive, approved.Status)
	assert.Equal(t, bankAdmin.UserID, approved.ApprovedBy)
	require.NotNil(t, approved.ApprovedAt)

	_, err = h.contract.Respond(ctx, bankAdmin2, c.ContractID, model.DecisionReject, "")
	assert.ErrorIs(t, err, ErrAlreadyResponded)

	_, err = h.contract.Respond(ctx, bankAdmin, "missing", model.DecisionApprove, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRespondAfterEndsAtIsExpired(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ends := h.clock.Now().Add(time.Hour)
	c, err := h.contract.Propose(ctx, brokerAdmin, ProposeInput{
		TargetOrgID: bankID, ContractName: "Short", Resources: model.ResourceList{panGrant}, RetentionWindow: "30 days", EndsAt: &ends,
	})
	require.NoError(t, err)

	h.clock.Advance(2 * time.Hour)
	_, err = h.contract.Respond(ctx, bankAdmin, c.ContractID, model.DecisionApprove, "")
	assert.ErrorIs(t, err, ErrExpired)
}

func TestConcurrentRespondersOneWins(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c, err := h.contract.Propose(ctx, brokerAdmin, ProposeInput{TargetOrgID: bankID, ContractName: "KYC", Resources: model.ResourceList{panGrant}, RetentionWindow: "30 days"})
	require.NoError(t, err)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			decision := model.DecisionApprove
			if i%2 == 1 {
				decision = model.DecisionReject
			}
			_, errs[i] = h.contract.Respond(ctx, bankAdmin, c.ContractID, decision, "")
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, ErrAlreadyResponded)
	}
	assert.Equal(t, 1, wins)

	logs, err := h.contract.Logs(ctx, brokerAdmin, c.ContractID)
	require.NoError(t, err)
	assert.Len(t, logs, 2)
}

func TestUpdateRequiresOtherParty(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.activeContract(t, brokerAdmin, bankAdmin, "KYC", panGrant)

	_, err := h.contract.RespondToAction(ctx, bankAdmin, c.ContractID, model.DecisionApprove, "")
	assert.ErrorIs(t, err, ErrNoPendingAction)

	updated, err := h.contract.ProposeUpdate(ctx, brokerAdmin, c.ContractID,
		model.ResourceList{panGrant, {ResourceName: "aadhaar"}}, "add aadhaar")
	require.NoError(t, err)
	require.NotNil(t, updated.PendingAction)
	assert.Equal(t, model.ActionUpdate, updated.PendingAction.Kind)
	assert.Equal(t, []string{"pan"}, updated.ResourcesAllowed.Names())

	_, err = h.contract.RequestDeletion(ctx, bankAdmin, c.ContractID, "")
	assert.ErrorIs(t, err, ErrActionPending)

	_, err = h.contract.RespondToAction(ctx, brokerAdmin, c.ContractID, model.DecisionApprove, "")
	assert.ErrorIs(t, err, ErrNotAuthorized)
	_, err = h.contract.RespondToAction(ctx, insuranceAdmin, c.ContractID, model.DecisionApprove, "")
	assert.ErrorIs(t, err, ErrNotAuthorized)

	applied, err := h.contract.RespondToAction(ctx, bankAdmin, c.ContractID, model.DecisionApprove, "fine")
	require.NoError(t, err)
	assert.Nil(t, applied.PendingAction)
	assert.Equal(t, []string{"pan", "aadhaar"}, applied.ResourcesAllowed.Names())
	assert.Equal(t, "1.1", applied.Version)
	assert.Empty(t, h.contract.VerifyResources(applied))

	_, err = h.contract.RespondToAction(ctx, bankAdmin, c.ContractID, model.DecisionApprove, "")
	assert.ErrorIs(t, err, ErrNoPendingAction)

	logs, err := h.contract.Logs(ctx, bankAdmin, c.ContractID)
	require.NoError(t, err)
	var actions []string
	for _, l := range logs {
		actions = append(actions, l.ActionType)
	}
	assert.Equal(t, []string{ActionCreated, ActionApproved, ActionUpdateRequested, ActionUpdateApproved}, actions)
}

func TestDeletionFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.activeContract(t, brokerAdmin, bankAdmin, "KYC", panGrant)

	_, err := h.contract.RequestDeletion(ctx, bankAdmin, c.ContractID, "winding down")
	require.NoError(t, err)
	kept, err := h.contract.RespondToAction(ctx, brokerAdmin, c.ContractID, model.DecisionReject, "not yet")
	require.NoError(t, err)
	assert.Equal(t, model.ContractActive, kept.Status)
	assert.Nil(t, kept.PendingAction)

	_, err = h.contract.RequestDeletion(ctx, bankAdmin, c.ContractID, "really")
	require.NoError(t, err)
	gone, err := h.contract.RespondToAction(ctx, brokerAdmin, c.ContractID, model.DecisionApprove, "")
	require.NoError(t, err)
	assert.Equal(t, model.ContractDeleted, gone.Status)

	active, err := h.contract.ActiveContractsBetween(ctx, bankID, brokerID)
	require.NoError(t, err)
	assert.Empty(t, active)

	_, err = h.contract.ProposeUpdate(ctx, brokerAdmin, c.ContractID, nil, "")
	assert.ErrorIs(t, err, ErrInvalidState)

	// The name is free again once the contract is closed.
	h.activeContract(t, brokerAdmin, bankAdmin, "KYC", panGrant)
}

func TestTerminate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.activeContract(t, brokerAdmin, bankAdmin, "KYC", panGrant)

	_, err := h.contract.Terminate(ctx, insuranceAdmin, c.ContractID, "")
	assert.ErrorIs(t, err, ErrNotAuthorized)

	done, err := h.contract.Terminate(ctx, bankAdmin, c.ContractID, "breach")
	require.NoError(t, err)
	assert.Equal(t, model.ContractTerminated, done.Status)

	_, err = h.contract.Terminate(ctx, brokerAdmin, c.ContractID, "")
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Contains(t, h.rec.events, "org:"+brokerID+" contract_terminated")
}

func TestActiveContractsBetweenHonoursEndsAt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ends := h.clock.Now().Add(48 * time.Hour)
	c, err := h.contract.Propose(ctx, brokerAdmin, ProposeInput{
		TargetOrgID: bankID, ContractName: "Short", Resources: model.ResourceList{panGrant}, RetentionWindow: "30 days", EndsAt: &ends,
	})
	require.NoError(t, err)
	_, err = h.contract.Respond(ctx, bankAdmin, c.ContractID, model.DecisionApprove, "")
	require.NoError(t, err)

	active, err := h.contract.ActiveContractsBetween(ctx, bankID, brokerID)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	h.clock.Advance(72 * time.Hour)
	active, err = h.contract.ActiveContractsBetween(ctx, brokerID, bankID)
	require.NoError(t, err)
	assert.Empty(t, active)

	_, err = h.contract.ProposeUpdate(ctx, brokerAdmin, c.ContractID, nil, "")
	assert.True(t, errors.Is(err, ErrExpired))
}

func TestContractVisibility(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.activeContract(t, brokerAdmin, bankAdmin, "KYC", panGrant)

	_, err := h.contract.Get(ctx, insuranceAdmin, c.ContractID)
	assert.ErrorIs(t, err, ErrNotAuthorized)
	got, err := h.contract.Get(ctx, bankAdmin, c.ContractID)
	require.NoError(t, err)
	assert.Equal(t, c.ContractID, got.ContractID)

	list, err := h.contract.ListForOrg(ctx, bankID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
	list, err = h.contract.ListForOrg(ctx, insuranceID)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestBumpMinor(t *testing.T) {
	assert.Equal(t, "1.1", bumpMinor("1.0"))
	assert.Equal(t, "2.10", bumpMinor("2.9"))
	assert.Equal(t, "3.1", bumpMinor("3"))
	assert.Equal(t, "1.1", bumpMinor("x.y"))
}
