package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/pedolone/consent-service/internal/model"
	"github.com/pedolone/consent-service/internal/service"
)

// AuditReader lists a user's audit trail, newest first.
type AuditReader interface {
	ListByUser(ctx context.Context, userID uint64, limit int) ([]model.AuditLog, error)
}

// ConsentHandler serves the individual's PII vault and policies.
type ConsentHandler struct {
	Engine *service.PolicyEngine
	// Default is the process-wide contract governing direct shares.
	Default *model.Contract
	Logs    AuditReader
}

func NewConsentHandler(e *service.PolicyEngine, def *model.Contract, logs AuditReader) *ConsentHandler {
	return &ConsentHandler{Engine: e, Default: def, Logs: logs}
}

type submitPIIReq struct {
	ResourceType string `json:"resource_type"`
	Value        string `json:"value"`
}

// SubmitPII stores or replaces one PII value of the caller.
func (h *ConsentHandler) SubmitPII(c echo.Context) error {
	p, err := caller(c)
	if err != nil {
		return err
	}
	var req submitPIIReq
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.ResourceType) == "" || req.Value == "" {
		return badRequest(c, "resource_type/value required")
	}
	rec, err := h.Engine.SubmitPII(c.Request().Context(), p.UserID, req.ResourceType, req.Value, c.RealIP())
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, rec)
}

// ListPII returns the caller's tokens.
func (h *ConsentHandler) ListPII(c echo.Context) error {
	p, err := caller(c)
	if err != nil {
		return err
	}
	recs, err := h.Engine.ListPII(c.Request().Context(), p.UserID)
	if err != nil {
		return fail(c, err)
	}
	if recs == nil {
		recs = []model.PIIRecord{}
	}
	return c.JSON(http.StatusOK, echo.Map{"pii": recs})
}

type sharePolicyReq struct {
	ResourceType string   `json:"resource_type"`
	Value        string   `json:"value"`
	Purpose      []string `json:"purpose"`
}

// CreatePolicy shares a value directly under the default contract.
func (h *ConsentHandler) CreatePolicy(c echo.Context) error {
	p, err := caller(c)
	if err != nil {
		return err
	}
	if h.Default == nil {
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "no default contract configured"})
	}
	var req sharePolicyReq
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.ResourceType) == "" || req.Value == "" {
		return badRequest(c, "resource_type/value required")
	}
	pol, err := h.Engine.CreatePolicy(c.Request().Context(), service.PolicyInput{
		UserID:          p.UserID,
		ResourceType:    req.ResourceType,
		RawValue:        req.Value,
		PurposeOverride: req.Purpose,
		Contract:        h.Default,
		IPAddress:       c.RealIP(),
		RequireStored:   true,
	})
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, pol)
}

// ListPolicies returns the caller's unexpired policies.
func (h *ConsentHandler) ListPolicies(c echo.Context) error {
	p, err := caller(c)
	if err != nil {
		return err
	}
	pols, err := h.Engine.ActivePolicies(c.Request().Context(), p.UserID)
	if err != nil {
		return fail(c, err)
	}
	if pols == nil {
		pols = []model.Policy{}
	}
	return c.JSON(http.StatusOK, echo.Map{"policies": pols})
}

// VerifyPolicy reports whether a policy's signature still matches.
func (h *ConsentHandler) VerifyPolicy(c echo.Context) error {
	p, err := caller(c)
	if err != nil {
		return err
	}
	pol, ok, err := h.Engine.VerifyPolicy(c.Request().Context(), p, c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"policy_id": pol.ID, "valid": ok})
}

// RevokePolicy withdraws a policy owned by the caller.
func (h *ConsentHandler) RevokePolicy(c echo.Context) error {
	p, err := caller(c)
	if err != nil {
		return err
	}
	pol, err := h.Engine.RevokePolicy(c.Request().Context(), p.UserID, c.Param("id"), c.RealIP())
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, pol)
}

// AccessClientData releases a client's PII to the calling organization.
func (h *ConsentHandler) AccessClientData(c echo.Context) error {
	p, err := caller(c)
	if err != nil {
		return err
	}
	userID, err := strconv.ParseUint(c.Param("user_id"), 10, 64)
	if err != nil || userID == 0 {
		return badRequest(c, "invalid user_id")
	}
	data, err := h.Engine.AccessSharedData(c.Request().Context(), p, userID, c.Param("resource"), c.RealIP())
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, data)
}

// AuditLogs returns the caller's recent audit entries. ?limit caps the
// page at 200.
func (h *ConsentHandler) AuditLogs(c echo.Context) error {
	p, err := caller(c)
	if err != nil {
		return err
	}
	limit := 50
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return badRequest(c, "invalid limit")
		}
		limit = n
	}
	if limit > 200 {
		limit = 200
	}
	logs, err := h.Logs.ListByUser(c.Request().Context(), p.UserID, limit)
	if err != nil {
		return fail(c, err)
	}
	if logs == nil {
		logs = []model.AuditLog{}
	}
	return c.JSON(http.StatusOK, echo.Map{"logs": logs})
}
