package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/pedolone/consent-service/internal/tokenizer"
)

// PublicHandler serves unauthenticated reference data.
type PublicHandler struct {
	Orgs OrgStore
}

func NewPublicHandler(o OrgStore) *PublicHandler { return &PublicHandler{Orgs: o} }

// ListOrganizations returns the seeded organizations.
func (h *PublicHandler) ListOrganizations(c echo.Context) error {
	orgs, err := h.Orgs.List(c.Request().Context())
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"organizations": orgs})
}

// ListResources returns the tokenizable resource types.
func (h *PublicHandler) ListResources(c echo.Context) error {
	out := make([]echo.Map, 0)
	for _, r := range tokenizer.Resources() {
		scheme, _ := tokenizer.SchemeFor(r)
		out = append(out, echo.Map{"resource": r, "scheme": scheme})
	}
	return c.JSON(http.StatusOK, echo.Map{"resources": out})
}

type tokenizeReq struct {
	Value string `json:"value"`
}

// Tokenize returns the token of a value without storing anything.
func (h *PublicHandler) Tokenize(c echo.Context) error {
	var req tokenizeReq
	if err := c.Bind(&req); err != nil || req.Value == "" {
		return badRequest(c, "value required")
	}
	resource := tokenizer.NormalizeResource(c.Param("resource"))
	token, err := tokenizer.Tokenize(resource, req.Value)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"resource": resource, "token": token})
}
