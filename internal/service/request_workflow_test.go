package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pedolone/consent-service/internal/model"
)

// brokerBank sets up an active StockBrokerX -> BankABC contract and gives
// alice a PAN and an Aadhaar on file.
func brokerBank(t *testing.T) (*harness, *model.Contract) {
	t.Helper()
	h := newHarness(t)
	c := h.activeContract(t, brokerAdmin, bankAdmin, "KYC",
		model.ContractResource{ResourceName: "pan", Purpose: []string{"KYC"}},
		model.ContractResource{ResourceName: "aadhaar"},
		model.ContractResource{ResourceName: "ifsc", Purpose: []string{"KYC"}},
	)
	h.submit(t, aliceID, "pan", "ABCDE1234F")
	h.submit(t, aliceID, "aadhaar", "123456789012")
	return h, c
}

func panRequest(userID uint64) RequestInput {
	return RequestInput{TargetUserID: userID, Resources: []string{"pan"}, Purpose: []string{"KYC"}, Message: "onboarding"}
}

func TestCreateRequest(t *testing.T) {
	h, c := brokerBank(t)
	ctx := context.Background()

	dr, err := h.workflow.CreateRequest(ctx, brokerAdmin, panRequest(aliceID))
	require.NoError(t, err)
	assert.Equal(t, model.RequestPending, dr.Status)
	assert.Equal(t, brokerID, dr.RequesterOrgID)
	assert.Equal(t, "StockBrokerX", dr.RequesterOrgName)
	assert.Equal(t, bankID, dr.TargetOrgID)
	assert.Equal(t, c.ContractID, dr.ContractID)
	assert.Equal(t, "30 days", dr.RetentionWindow)
	assert.Equal(t, h.clock.Now().Add(7*24*time.Hour), dr.ExpiresAt)
	assert.Contains(t, h.rec.events, "user:1 data_request_received")
	assert.Contains(t, h.rec.logTypes(), model.LogTypeDataRequest)

	received, err := h.workflow.ListReceived(ctx, aliceID)
	require.NoError(t, err)
	assert.Len(t, received, 1)
	sent, err := h.workflow.ListSent(ctx, brokerID)
	require.NoError(t, err)
	assert.Len(t, sent, 1)
}

func TestCreateRequestRejections(t *testing.T) {
	h, _ := brokerBank(t)
	ctx := context.Background()

	_, err := h.workflow.CreateRequest(ctx, alice, panRequest(aliceID))
	assert.ErrorIs(t, err, ErrNotAuthorized)

	in := panRequest(aliceID)
	in.Resources = []string{"pan", "account"}
	_, err = h.workflow.CreateRequest(ctx, brokerAdmin, in)
	var uerr *UnsupportedResourcesError
	require.True(t, errors.As(err, &uerr), "got %v", err)
	assert.Equal(t, []string{"account"}, uerr.Resources)

	in = panRequest(aliceID)
	in.Purpose = []string{"Marketing"}
	_, err = h.workflow.CreateRequest(ctx, brokerAdmin, in)
	var perr *UnsupportedPurposesError
	require.True(t, errors.As(err, &perr), "got %v", err)
	assert.Equal(t, []PurposeViolation{{Purpose: "Marketing", Resource: "pan"}}, perr.Violations)

	in = panRequest(aliceID)
	in.Resources = []string{"pan", "ifsc"}
	_, err = h.workflow.CreateRequest(ctx, brokerAdmin, in)
	var merr *MissingResourcesError
	require.True(t, errors.As(err, &merr), "got %v", err)
	assert.Equal(t, []string{"ifsc"}, merr.Resources)

	_, err = h.workflow.CreateRequest(ctx, insuranceAdmin, panRequest(aliceID))
	assert.ErrorIs(t, err, ErrNoActiveContract)

	_, err = h.workflow.CreateRequest(ctx, brokerAdmin, panRequest(bobID))
	assert.ErrorIs(t, err, ErrOrganizationUnresolved)

	_, err = h.workflow.CreateRequest(ctx, brokerAdmin, panRequest(99))
	assert.ErrorIs(t, err, ErrInvalidInput)

	in = panRequest(aliceID)
	in.Purpose = []string{"  "}
	_, err = h.workflow.CreateRequest(ctx, brokerAdmin, in)
	assert.ErrorIs(t, err, ErrInvalidInput)

	in = panRequest(aliceID)
	in.Resources = nil
	_, err = h.workflow.CreateRequest(ctx, brokerAdmin, in)
	assert.ErrorIs(t, err, ErrInvalidInput)

	assert.Empty(t, h.requests.rows)
}

func TestOrganizationResolvedFromLatestPolicy(t *testing.T) {
	h, _ := brokerBank(t)
	ctx := context.Background()
	h.submit(t, bobID, "pan", "ZYXWV9876A")

	// bob has no organization on file; his consent to BankABC names it.
	_, err := h.policy.CreatePolicy(ctx, PolicyInput{UserID: bobID, ResourceType: "pan", RawValue: "ZYXWV9876A", Contract: defaultContract()})
	require.NoError(t, err)

	dr, err := h.workflow.CreateRequest(ctx, brokerAdmin, panRequest(bobID))
	require.NoError(t, err)
	assert.Equal(t, bankID, dr.TargetOrgID)
}

func TestApproveMintsPolicies(t *testing.T) {
	h, c := brokerBank(t)
	ctx := context.Background()

	in := panRequest(aliceID)
	in.Resources = []string{"pan", "aadhaar"}
	dr, err := h.workflow.CreateRequest(ctx, brokerAdmin, in)
	require.NoError(t, err)

	for _, who := range []model.Principal{bob, brokerAdmin, insuranceAdmin} {
		_, _, err = h.workflow.RespondToRequest(ctx, who, dr.RequestID, model.DecisionApprove, "", "")
		assert.ErrorIs(t, err, ErrNotAuthorized)
	}

	got, minted, err := h.workflow.RespondToRequest(ctx, alice, dr.RequestID, model.DecisionApprove, "sure", "127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, model.RequestApproved, got.Status)
	assert.Equal(t, aliceID, got.RespondedBy)
	require.Len(t, minted, 2)
	for _, p := range minted {
		assert.Equal(t, c.ContractID, p.ContractID)
		assert.Equal(t, brokerID, p.TargetOrgID)
		assert.Equal(t, bankID, p.SourceOrgID)
		assert.Equal(t, "StockBrokerX", p.CounterpartyName)
		assert.Equal(t, []string{"KYC"}, p.Purpose)
	}

	shared, err := h.workflow.engine.AccessSharedData(ctx, brokerAdmin, aliceID, "pan", "")
	require.NoError(t, err)
	assert.Equal(t, "ABCDE1234F", shared.Value)

	_, _, err = h.workflow.RespondToRequest(ctx, alice, dr.RequestID, model.DecisionReject, "", "")
	assert.ErrorIs(t, err, ErrAlreadyResponded)
	assert.Contains(t, h.rec.events, "org:"+brokerID+" data_request_approved")
}

func TestOrgAdminMayRespondForUser(t *testing.T) {
	h, _ := brokerBank(t)
	ctx := context.Background()
	dr, err := h.workflow.CreateRequest(ctx, brokerAdmin, panRequest(aliceID))
	require.NoError(t, err)

	got, minted, err := h.workflow.RespondToRequest(ctx, bankAdmin, dr.RequestID, model.DecisionReject, "no", "")
	require.NoError(t, err)
	assert.Equal(t, model.RequestRejected, got.Status)
	assert.Empty(t, minted)
	assert.Empty(t, h.policies.rows)
}

func TestRespondValidation(t *testing.T) {
	h, _ := brokerBank(t)
	ctx := context.Background()
	dr, err := h.workflow.CreateRequest(ctx, brokerAdmin, panRequest(aliceID))
	require.NoError(t, err)

	_, _, err = h.workflow.RespondToRequest(ctx, alice, "missing", model.DecisionApprove, "", "")
	assert.ErrorIs(t, err, ErrNotFound)
	_, _, err = h.workflow.RespondToRequest(ctx, alice, dr.RequestID, "perhaps", "", "")
	assert.ErrorIs(t, err, ErrInvalidInput)

	h.clock.Advance(8 * 24 * time.Hour)
	_, _, err = h.workflow.RespondToRequest(ctx, alice, dr.RequestID, model.DecisionApprove, "", "")
	assert.ErrorIs(t, err, ErrExpired)
	stored, err := h.requests.Get(ctx, dr.RequestID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestPending, stored.Status)
}

func TestApprovalSkipsResourcesNoLongerCovered(t *testing.T) {
	h, c := brokerBank(t)
	ctx := context.Background()
	in := panRequest(aliceID)
	in.Resources = []string{"pan", "aadhaar"}
	dr, err := h.workflow.CreateRequest(ctx, brokerAdmin, in)
	require.NoError(t, err)

	_, err = h.contract.ProposeUpdate(ctx, brokerAdmin, c.ContractID,
		model.ResourceList{{ResourceName: "pan", Purpose: []string{"KYC"}}}, "narrow")
	require.NoError(t, err)
	_, err = h.contract.RespondToAction(ctx, bankAdmin, c.ContractID, model.DecisionApprove, "")
	require.NoError(t, err)

	_, minted, err := h.workflow.RespondToRequest(ctx, alice, dr.RequestID, model.DecisionApprove, "", "")
	require.NoError(t, err)
	require.Len(t, minted, 1)
	assert.Equal(t, "pan", minted[0].ResourceName)
}

func bulkFixture(t *testing.T) *harness {
	t.Helper()
	h, _ := brokerBank(t)
	h.submit(t, carolID, "pan", "PQRST4321K")
	h.submit(t, daveID, "pan", "LMNOP1111Z")
	return h
}

func bulkInput(users ...uint64) BulkInput {
	return BulkInput{TargetOrgID: bankID, UserIDs: users, Resources: []string{"pan"}, Purpose: []string{"KYC"}}
}

func TestBulkRequestApproval(t *testing.T) {
	h := bulkFixture(t)
	ctx := context.Background()

	bulkID, members, err := h.workflow.CreateBulkRequest(ctx, brokerAdmin, bulkInput(aliceID, carolID, daveID, carolID))
	require.NoError(t, err)
	require.Len(t, members, 3)
	for _, m := range members {
		assert.Equal(t, bulkID, m.BulkRequestID)
		assert.Equal(t, model.RequestPending, m.Status)
	}

	_, err = h.workflow.GetBulk(ctx, insuranceAdmin, bulkID)
	assert.ErrorIs(t, err, ErrNotAuthorized)
	listed, err := h.workflow.GetBulk(ctx, brokerAdmin, bulkID)
	require.NoError(t, err)
	assert.Len(t, listed, 3)

	_, err = h.workflow.ApproveBulkRequest(ctx, brokerAdmin, bulkID, "", "")
	assert.ErrorIs(t, err, ErrNotAuthorized)

	approved, err := h.workflow.ApproveBulkRequest(ctx, bankAdmin, bulkID, "all good", "")
	require.NoError(t, err)
	for _, m := range approved {
		assert.Equal(t, model.RequestApproved, m.Status)
	}
	assert.Len(t, h.policies.rows, 3)
	require.Len(t, h.rec.exports, 1)
	assert.Len(t, h.rec.exports[0], 3)

	_, err = h.workflow.ApproveBulkRequest(ctx, bankAdmin, bulkID, "", "")
	assert.ErrorIs(t, err, ErrAlreadyResponded)
	_, err = h.workflow.ApproveBulkRequest(ctx, bankAdmin, "missing", "", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBulkApprovalLeavesAnsweredMembers(t *testing.T) {
	h := bulkFixture(t)
	ctx := context.Background()
	bulkID, members, err := h.workflow.CreateBulkRequest(ctx, brokerAdmin, bulkInput(aliceID, carolID, daveID))
	require.NoError(t, err)

	_, _, err = h.workflow.RespondToRequest(ctx, alice, members[0].RequestID, model.DecisionReject, "", "")
	require.NoError(t, err)

	out, err := h.workflow.ApproveBulkRequest(ctx, bankAdmin, bulkID, "", "")
	require.NoError(t, err)
	assert.Equal(t, model.RequestRejected, out[0].Status)
	assert.Equal(t, model.RequestApproved, out[1].Status)
	assert.Equal(t, model.RequestApproved, out[2].Status)
	assert.Len(t, h.policies.rows, 2)
	require.Len(t, h.rec.exports, 1)
	assert.Len(t, h.rec.exports[0], 2)
}

func TestBulkRequestIsAllOrNothing(t *testing.T) {
	h := bulkFixture(t)
	ctx := context.Background()

	_, _, err := h.workflow.CreateBulkRequest(ctx, brokerAdmin, bulkInput(aliceID, bobID))
	assert.ErrorIs(t, err, ErrOrganizationUnresolved)

	wrongOrg := bulkInput(aliceID)
	wrongOrg.TargetOrgID = insuranceID
	_, _, err = h.workflow.CreateBulkRequest(ctx, brokerAdmin, wrongOrg)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, _, err = h.workflow.CreateBulkRequest(ctx, brokerAdmin, BulkInput{TargetOrgID: bankID, Resources: []string{"pan"}, Purpose: []string{"KYC"}})
	assert.ErrorIs(t, err, ErrInvalidInput)

	assert.Empty(t, h.requests.rows)
}

func TestBulkApprovalRefusesExpiredMembers(t *testing.T) {
	h := bulkFixture(t)
	ctx := context.Background()
	bulkID, _, err := h.workflow.CreateBulkRequest(ctx, brokerAdmin, bulkInput(aliceID, carolID))
	require.NoError(t, err)

	h.clock.Advance(8 * 24 * time.Hour)
	_, err = h.workflow.ApproveBulkRequest(ctx, bankAdmin, bulkID, "", "")
	assert.ErrorIs(t, err, ErrExpired)

	members, err := h.workflow.GetBulk(ctx, bankAdmin, bulkID)
	require.NoError(t, err)
	for _, m := range members {
		assert.Equal(t, model.RequestPending, m.Status)
	}
	assert.Empty(t, h.policies.rows)
	assert.Empty(t, h.rec.exports)
}

func TestSelectContractPrefersFullCoverage(t *testing.T) {
	narrow := model.Contract{ContractID: "narrow", ResourcesAllowed: model.ResourceList{{ResourceName: "pan"}}}
	wide := model.Contract{ContractID: "wide", ResourcesAllowed: model.ResourceList{{ResourceName: "pan"}, {ResourceName: "aadhaar"}}}

	c, err := selectContract([]model.Contract{narrow, wide}, []string{"pan", "aadhaar"}, []string{"KYC"})
	require.NoError(t, err)
	assert.Equal(t, "wide", c.ContractID)

	_, err = selectContract([]model.Contract{narrow}, []string{"upi", "pan", "gst"}, []string{"KYC"})
	var uerr *UnsupportedResourcesError
	require.True(t, errors.As(err, &uerr))
	assert.Equal(t, []string{"gst", "upi"}, uerr.Resources)
}
