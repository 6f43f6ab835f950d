package router

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pedolone/consent-service/internal/handler"
	"github.com/pedolone/consent-service/internal/model"
	"github.com/pedolone/consent-service/internal/utils"
)

const secret = "router-secret"

func testServer() http.Handler {
	return New(Deps{
		JWTSecret: secret,
		Auth:      &handler.AuthHandler{},
		Public:    &handler.PublicHandler{},
		Consent:   &handler.ConsentHandler{},
		Contracts: &handler.ContractHandler{},
		Requests:  &handler.RequestHandler{},
	})
}

func token(t *testing.T, cl utils.Claims) string {
	t.Helper()
	tok, err := utils.NewAccessToken(secret, cl, 5)
	require.NoError(t, err)
	return tok.Token
}

func do(h http.Handler, method, path, tok string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestOperationalRoutes(t *testing.T) {
	srv := testServer()

	rec := do(srv, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	rec = do(srv, http.MethodGet, "/v1/tokenize/resources", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(srv, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "http_requests_total"))
}

func TestRoleGates(t *testing.T) {
	srv := testServer()
	individual := token(t, utils.Claims{UserID: 1, UserType: model.UserTypeIndividual})
	org := token(t, utils.Claims{UserID: 2, UserType: model.UserTypeOrganization, OrgID: "bankabc_001"})

	cases := []struct {
		method, path, tok string
		want              int
	}{
		{http.MethodGet, "/v1/pii", "", http.StatusUnauthorized},
		{http.MethodGet, "/v1/pii", org, http.StatusForbidden},
		{http.MethodPost, "/v1/policies", org, http.StatusForbidden},
		{http.MethodGet, "/v1/data-requests/received", org, http.StatusForbidden},
		{http.MethodGet, "/v1/contracts", "", http.StatusUnauthorized},
		{http.MethodGet, "/v1/contracts", individual, http.StatusForbidden},
		{http.MethodPost, "/v1/contracts/c1/respond", individual, http.StatusForbidden},
		{http.MethodPost, "/v1/data-requests", individual, http.StatusForbidden},
		{http.MethodPost, "/v1/bulk-requests/b1/approve", individual, http.StatusForbidden},
		{http.MethodGet, "/v1/clients/1/pii/pan", individual, http.StatusForbidden},
		{http.MethodGet, "/v1/me", "", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		rec := do(srv, tc.method, tc.path, tc.tok)
		assert.Equal(t, tc.want, rec.Code, "%s %s", tc.method, tc.path)
	}
}
