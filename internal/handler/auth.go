package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/pedolone/consent-service/internal/config"
	"github.com/pedolone/consent-service/internal/model"
	"github.com/pedolone/consent-service/internal/repository"
	"github.com/pedolone/consent-service/internal/service"
	"github.com/pedolone/consent-service/internal/utils"
)

// UserStore is the account storage the auth endpoints need.
type UserStore interface {
	Create(ctx context.Context, u *model.User) (uint64, error)
	GetByEmail(ctx context.Context, email string) (*model.User, error)
	GetByID(ctx context.Context, id uint64) (*model.User, error)
	MarkVerified(ctx context.Context, email, codeHash string) error
}

// TokenStore keeps hashed refresh tokens.
type TokenStore interface {
	StoreRefresh(ctx context.Context, userID uint64, tokenHash string, exp time.Time) error
	ValidateRefresh(ctx context.Context, tokenHash string, now time.Time) (uint64, error)
	// RevokeByHash fails with repository.ErrNotFound unless it revoked a
	// live token.
	RevokeByHash(ctx context.Context, tokenHash string) error
	RevokeAllForUser(ctx context.Context, userID uint64) error
}

// OrgStore reads the organizations reference table.
type OrgStore interface {
	GetByID(ctx context.Context, orgID string) (*model.Organization, error)
	List(ctx context.Context) ([]model.Organization, error)
}

// AuthHandler bundles dependencies for auth endpoints.
type AuthHandler struct {
	Cfg    config.Config
	Users  UserStore
	Tokens TokenStore
	Orgs   OrgStore
	Audit  *service.Auditor
}

func NewAuthHandler(cfg config.Config, u UserStore, t TokenStore, o OrgStore, a *service.Auditor) *AuthHandler {
	return &AuthHandler{Cfg: cfg, Users: u, Tokens: t, Orgs: o, Audit: a}
}

// ----- DTOs -----

type registerReq struct {
	Email          string `json:"email"`
	Password       string `json:"password"`
	UserType       string `json:"user_type"` // individual | organization
	OrganizationID string `json:"organization_id"`
}
type verifyReq struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}
type loginReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
type refreshReq struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenPart struct {
	Token   string    `json:"token"`
	Expires time.Time `json:"expires"`
}
type userPart struct {
	ID             uint64 `json:"id"`
	Email          string `json:"email"`
	UserType       string `json:"user_type"`
	OrganizationID string `json:"organization_id,omitempty"`
	EmailVerified  bool   `json:"email_verified"`
}
type authResp struct {
	User    userPart  `json:"user"`
	Access  tokenPart `json:"access"`
	Refresh tokenPart `json:"refresh"`
}

func toUserPart(u *model.User) userPart {
	return userPart{ID: u.ID, Email: u.Email, UserType: u.UserType, OrganizationID: u.OrganizationID, EmailVerified: u.EmailVerified}
}

// Register creates an unverified account and publishes a verification
// code for out-of-band delivery.
func (h *AuthHandler) Register(c echo.Context) error {
	var req registerReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" || !strings.Contains(req.Email, "@") || req.Password == "" {
		return badRequest(c, "email/password required")
	}
	userType := strings.ToLower(strings.TrimSpace(req.UserType))
	if userType == "" {
		userType = model.UserTypeIndividual
	}
	if userType != model.UserTypeIndividual && userType != model.UserTypeOrganization {
		return badRequest(c, "user_type must be individual or organization")
	}
	orgID := strings.TrimSpace(req.OrganizationID)
	if userType == model.UserTypeOrganization && orgID == "" {
		return badRequest(c, "organization_id required for organization accounts")
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if orgID != "" {
		if _, err := h.Orgs.GetByID(ctx, orgID); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return badRequest(c, "unknown organization_id")
			}
			return fail(c, err)
		}
	}

	hash, err := utils.HashPassword(req.Password, h.Cfg.BcryptCost)
	if err != nil {
		return fail(c, err)
	}
	code, err := utils.NewVerificationCode()
	if err != nil {
		return fail(c, err)
	}
	u := &model.User{
		Email:            req.Email,
		PasswordHash:     hash,
		UserType:         userType,
		OrganizationID:   orgID,
		VerificationHash: utils.HashSecret(code),
	}
	if _, err := h.Users.Create(ctx, u); err != nil {
		if errors.Is(err, repository.ErrEmailExists) {
			return c.JSON(http.StatusConflict, echo.Map{"error": "email already exists"})
		}
		return fail(c, err)
	}

	h.Audit.Notify(ctx, service.UserTarget(u.ID), "email_verification", map[string]any{
		"email": u.Email,
		"code":  code,
	})
	return c.JSON(http.StatusCreated, echo.Map{
		"user":    toUserPart(u),
		"message": "verification code sent",
	})
}

// Verify confirms the emailed code.
func (h *AuthHandler) Verify(c echo.Context) error {
	var req verifyReq
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.Email) == "" || strings.TrimSpace(req.Code) == "" {
		return badRequest(c, "email/code required")
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if err := h.Users.MarkVerified(ctx, req.Email, utils.HashSecret(strings.TrimSpace(req.Code))); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return badRequest(c, "invalid verification code")
		}
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"verified": true})
}

// Login verifies credentials and returns a new token pair.
func (h *AuthHandler) Login(c echo.Context) error {
	var req loginReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" || req.Password == "" {
		return badRequest(c, "email/password required")
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	u, err := h.Users.GetByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid credentials"})
		}
		return fail(c, err)
	}
	if !utils.VerifyPassword(u.PasswordHash, req.Password) {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid credentials"})
	}
	if !u.EmailVerified {
		return c.JSON(http.StatusForbidden, echo.Map{"error": "email not verified"})
	}

	resp, err := h.issue(ctx, u)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// Refresh validates a refresh token by hash, revokes it and issues a new
// pair. Only the caller whose revoke lands gets the new pair.
func (h *AuthHandler) Refresh(c echo.Context) error {
	var req refreshReq
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.RefreshToken) == "" {
		return badRequest(c, "refresh_token required")
	}
	hash := utils.HashSecret(strings.TrimSpace(req.RefreshToken))

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	userID, err := h.Tokens.ValidateRefresh(ctx, hash, time.Now().UTC())
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid refresh"})
	}
	if err := h.Tokens.RevokeByHash(ctx, hash); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid refresh"})
		}
		return fail(c, err)
	}

	u, err := h.Users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid refresh"})
		}
		return fail(c, err)
	}
	resp, err := h.issue(ctx, u)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// Logout revokes one refresh token when given in the body, otherwise every
// refresh token of the bearer.
func (h *AuthHandler) Logout(c echo.Context) error {
	var uid uint64
	if auth := c.Request().Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		if cl, err := utils.ParseAccessToken(h.Cfg.JWTSecret, strings.TrimPrefix(auth, "Bearer ")); err == nil {
			uid = cl.UserID
		}
	}
	var req refreshReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	refreshToken := strings.TrimSpace(req.RefreshToken)

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	switch {
	case refreshToken != "":
		hash := utils.HashSecret(refreshToken)
		if _, err := h.Tokens.ValidateRefresh(ctx, hash, time.Now().UTC()); err != nil {
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid refresh token"})
		}
		if err := h.Tokens.RevokeByHash(ctx, hash); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid refresh token"})
			}
			return fail(c, err)
		}
	case uid != 0:
		if err := h.Tokens.RevokeAllForUser(ctx, uid); err != nil {
			return fail(c, err)
		}
	default:
		return badRequest(c, "provide Authorization header or refresh_token")
	}
	return c.NoContent(http.StatusNoContent)
}

// Me returns the caller's account.
func (h *AuthHandler) Me(c echo.Context) error {
	p, err := caller(c)
	if err != nil {
		return err
	}
	u, err := h.Users.GetByID(c.Request().Context(), p.UserID)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"user": toUserPart(u)})
}

func (h *AuthHandler) issue(ctx context.Context, u *model.User) (authResp, error) {
	access, err := utils.NewAccessToken(h.Cfg.JWTSecret, utils.Claims{
		UserID:   u.ID,
		UserType: u.UserType,
		OrgID:    u.OrganizationID,
	}, h.Cfg.AccessTTLMin)
	if err != nil {
		return authResp{}, err
	}
	refresh, err := utils.NewRefreshToken(h.Cfg.RefreshTTLDays)
	if err != nil {
		return authResp{}, err
	}
	if err := h.Tokens.StoreRefresh(ctx, u.ID, utils.HashSecret(refresh.Raw), refresh.Exp); err != nil {
		return authResp{}, err
	}
	return authResp{
		User:    toUserPart(u),
		Access:  tokenPart{Token: access.Token, Expires: access.Exp},
		Refresh: tokenPart{Token: refresh.Raw, Expires: refresh.Exp},
	}, nil
}
