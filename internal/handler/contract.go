package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/pedolone/consent-service/internal/model"
	"github.com/pedolone/consent-service/internal/service"
)

// ContractHandler serves inter-organization contracts.
type ContractHandler struct {
	Contracts *service.ContractEngine
	Policies  *service.PolicyEngine
}

func NewContractHandler(c *service.ContractEngine, p *service.PolicyEngine) *ContractHandler {
	return &ContractHandler{Contracts: c, Policies: p}
}

type proposeReq struct {
	TargetOrgID      string             `json:"target_org_id"`
	ContractName     string             `json:"contract_name"`
	ContractType     string             `json:"contract_type"`
	ResourcesAllowed model.ResourceList `json:"resources_allowed"`
	RetentionWindow  string             `json:"retention_window"`
	EndsAt           *time.Time         `json:"ends_at"`
}

type decisionReq struct {
	Decision string `json:"decision"`
	Message  string `json:"message"`
}

type updateReq struct {
	ResourcesAllowed model.ResourceList `json:"resources_allowed"`
	Reason           string             `json:"reason"`
}

type reasonReq struct {
	Reason string `json:"reason"`
}

// Propose offers a new contract to another organization.
func (h *ContractHandler) Propose(c echo.Context) error {
	p, err := caller(c)
	if err != nil {
		return err
	}
	var req proposeReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	ct, err := h.Contracts.Propose(c.Request().Context(), p, service.ProposeInput{
		TargetOrgID:     req.TargetOrgID,
		ContractName:    req.ContractName,
		ContractType:    req.ContractType,
		Resources:       req.ResourcesAllowed,
		RetentionWindow: req.RetentionWindow,
		EndsAt:          req.EndsAt,
	})
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, ct)
}

// List returns the caller organization's contracts in both directions.
func (h *ContractHandler) List(c echo.Context) error {
	p, err := caller(c)
	if err != nil {
		return err
	}
	list, err := h.Contracts.ListForOrg(c.Request().Context(), p.OrgID)
	if err != nil {
		return fail(c, err)
	}
	if list == nil {
		list = []model.Contract{}
	}
	return c.JSON(http.StatusOK, echo.Map{"contracts": list})
}

// Get returns one contract with the names of grants failing verification.
func (h *ContractHandler) Get(c echo.Context) error {
	p, err := caller(c)
	if err != nil {
		return err
	}
	ct, err := h.Contracts.Get(c.Request().Context(), p, c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	bad := h.Contracts.VerifyResources(ct)
	if bad == nil {
		bad = []string{}
	}
	return c.JSON(http.StatusOK, echo.Map{
		"contract":           ct,
		"signatures_valid":   len(bad) == 0,
		"invalid_signatures": bad,
	})
}

// Logs returns a contract's audit trail.
func (h *ContractHandler) Logs(c echo.Context) error {
	p, err := caller(c)
	if err != nil {
		return err
	}
	logs, err := h.Contracts.Logs(c.Request().Context(), p, c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	if logs == nil {
		logs = []model.ContractAuditLog{}
	}
	return c.JSON(http.StatusOK, echo.Map{"logs": logs})
}

// Compliance summarizes the policies issued under a contract.
func (h *ContractHandler) Compliance(c echo.Context) error {
	p, err := caller(c)
	if err != nil {
		return err
	}
	rep, err := h.Policies.ContractCompliance(c.Request().Context(), p.OrgID, c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, rep)
}

// Respond approves or rejects a pending contract.
func (h *ContractHandler) Respond(c echo.Context) error {
	p, err := caller(c)
	if err != nil {
		return err
	}
	var req decisionReq
	if err := c.Bind(&req); err != nil || req.Decision == "" {
		return badRequest(c, "decision required")
	}
	ct, err := h.Contracts.Respond(c.Request().Context(), p, c.Param("id"), req.Decision, req.Message)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, ct)
}

// ProposeUpdate attaches an update for the other party to approve.
func (h *ContractHandler) ProposeUpdate(c echo.Context) error {
	p, err := caller(c)
	if err != nil {
		return err
	}
	var req updateReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	ct, err := h.Contracts.ProposeUpdate(c.Request().Context(), p, c.Param("id"), req.ResourcesAllowed, req.Reason)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusAccepted, ct)
}

// RequestDeletion asks the other party to approve deleting the contract.
func (h *ContractHandler) RequestDeletion(c echo.Context) error {
	p, err := caller(c)
	if err != nil {
		return err
	}
	var req reasonReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	ct, err := h.Contracts.RequestDeletion(c.Request().Context(), p, c.Param("id"), req.Reason)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusAccepted, ct)
}

// RespondToAction approves or rejects the pending update or deletion.
func (h *ContractHandler) RespondToAction(c echo.Context) error {
	p, err := caller(c)
	if err != nil {
		return err
	}
	var req decisionReq
	if err := c.Bind(&req); err != nil || req.Decision == "" {
		return badRequest(c, "decision required")
	}
	ct, err := h.Contracts.RespondToAction(c.Request().Context(), p, c.Param("id"), req.Decision, req.Message)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, ct)
}

// Terminate ends a contract immediately.
func (h *ContractHandler) Terminate(c echo.Context) error {
	p, err := caller(c)
	if err != nil {
		return err
	}
	var req reasonReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	ct, err := h.Contracts.Terminate(c.Request().Context(), p, c.Param("id"), req.Reason)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, ct)
}
