package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/pedolone/consent-service/internal/model"
	"github.com/pedolone/consent-service/internal/service"
)

// RequestHandler serves single and bulk data-access requests.
type RequestHandler struct {
	Workflow *service.RequestWorkflow
}

func NewRequestHandler(w *service.RequestWorkflow) *RequestHandler {
	return &RequestHandler{Workflow: w}
}

type createRequestReq struct {
	TargetUserID    uint64   `json:"target_user_id"`
	Resources       []string `json:"requested_resources"`
	Purpose         []string `json:"purpose"`
	RetentionWindow string   `json:"retention_window"`
	Message         string   `json:"request_message"`
}

type createBulkReq struct {
	TargetOrgID     string   `json:"target_org_id"`
	UserIDs         []uint64 `json:"user_ids"`
	Resources       []string `json:"requested_resources"`
	Purpose         []string `json:"purpose"`
	RetentionWindow string   `json:"retention_window"`
	Message         string   `json:"request_message"`
}

type approveBulkReq struct {
	Message string `json:"message"`
}

// Create asks one user for data on behalf of the caller's organization.
func (h *RequestHandler) Create(c echo.Context) error {
	p, err := caller(c)
	if err != nil {
		return err
	}
	var req createRequestReq
	if err := c.Bind(&req); err != nil || req.TargetUserID == 0 {
		return badRequest(c, "target_user_id required")
	}
	dr, err := h.Workflow.CreateRequest(c.Request().Context(), p, service.RequestInput{
		TargetUserID:    req.TargetUserID,
		Resources:       req.Resources,
		Purpose:         req.Purpose,
		RetentionWindow: req.RetentionWindow,
		Message:         req.Message,
		IPAddress:       c.RealIP(),
	})
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, dr)
}

// Received lists requests addressed to the caller.
func (h *RequestHandler) Received(c echo.Context) error {
	p, err := caller(c)
	if err != nil {
		return err
	}
	list, err := h.Workflow.ListReceived(c.Request().Context(), p.UserID)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"requests": nonNilRequests(list)})
}

// Sent lists requests issued by the caller's organization.
func (h *RequestHandler) Sent(c echo.Context) error {
	p, err := caller(c)
	if err != nil {
		return err
	}
	list, err := h.Workflow.ListSent(c.Request().Context(), p.OrgID)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"requests": nonNilRequests(list)})
}

// Respond approves or rejects a request. Approval mints the policies.
func (h *RequestHandler) Respond(c echo.Context) error {
	p, err := caller(c)
	if err != nil {
		return err
	}
	var req decisionReq
	if err := c.Bind(&req); err != nil || req.Decision == "" {
		return badRequest(c, "decision required")
	}
	dr, pols, err := h.Workflow.RespondToRequest(c.Request().Context(), p, c.Param("id"), req.Decision, req.Message, c.RealIP())
	if err != nil {
		return fail(c, err)
	}
	if pols == nil {
		pols = []model.Policy{}
	}
	return c.JSON(http.StatusOK, echo.Map{"request": dr, "policies": pols})
}

// CreateBulk asks every listed user of one organization at once.
func (h *RequestHandler) CreateBulk(c echo.Context) error {
	p, err := caller(c)
	if err != nil {
		return err
	}
	var req createBulkReq
	if err := c.Bind(&req); err != nil || req.TargetOrgID == "" || len(req.UserIDs) == 0 {
		return badRequest(c, "target_org_id/user_ids required")
	}
	bulkID, members, err := h.Workflow.CreateBulkRequest(c.Request().Context(), p, service.BulkInput{
		TargetOrgID:     req.TargetOrgID,
		UserIDs:         req.UserIDs,
		Resources:       req.Resources,
		Purpose:         req.Purpose,
		RetentionWindow: req.RetentionWindow,
		Message:         req.Message,
		IPAddress:       c.RealIP(),
	})
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, echo.Map{"bulk_request_id": bulkID, "requests": nonNilRequests(members)})
}

// GetBulk returns the members of a bulk group.
func (h *RequestHandler) GetBulk(c echo.Context) error {
	p, err := caller(c)
	if err != nil {
		return err
	}
	members, err := h.Workflow.GetBulk(c.Request().Context(), p, c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"bulk_request_id": c.Param("id"), "requests": members})
}

// ApproveBulk approves every pending member of a bulk group.
func (h *RequestHandler) ApproveBulk(c echo.Context) error {
	p, err := caller(c)
	if err != nil {
		return err
	}
	var req approveBulkReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	members, err := h.Workflow.ApproveBulkRequest(c.Request().Context(), p, c.Param("id"), req.Message, c.RealIP())
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"bulk_request_id": c.Param("id"), "requests": nonNilRequests(members)})
}

func nonNilRequests(in []model.DataRequest) []model.DataRequest {
	if in == nil {
		return []model.DataRequest{}
	}
	return in
}
