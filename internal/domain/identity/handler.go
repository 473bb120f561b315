package identity

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/radpipe/internal/platform/auth"
	"github.com/ehr/radpipe/internal/platform/hipaa"
)

const loginFailedMessage = "Incorrect username or password"

type Handler struct {
	svc    *Service
	issuer *auth.TokenIssuer
	audit  auth.Auditor
	ttl    time.Duration
}

func NewHandler(svc *Service, issuer *auth.TokenIssuer, audit auth.Auditor, ttl time.Duration) *Handler {
	if ttl <= 0 {
		ttl = auth.DefaultTokenTTL
	}
	return &Handler{svc: svc, issuer: issuer, audit: audit, ttl: ttl}
}

// RegisterRoutes mounts POST /token and POST /users. Extra middleware (rate
// limiting) is applied to /token only.
func (h *Handler) RegisterRoutes(e *echo.Echo, mw ...echo.MiddlewareFunc) {
	e.POST("/token", h.Login, mw...)
	e.POST("/users", h.CreateUser, auth.RequireAction(auth.ActionManageUsers, h.audit))
}

// Login exchanges form credentials for a bearer token.
func (h *Handler) Login(c echo.Context) error {
	ctx := c.Request().Context()
	username := c.FormValue("username")
	password := c.FormValue("password")

	u, err := h.svc.Authenticate(ctx, username, password)
	if err != nil {
		h.audit.Record(ctx, "unknown", hipaa.ActionLoginAttempt, "none", hipaa.StatusFailed)
		if errors.Is(err, auth.ErrUnauthenticated) {
			return echo.NewHTTPError(http.StatusBadRequest, loginFailedMessage)
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "authentication unavailable").SetInternal(err)
	}

	token, err := h.issuer.Issue(u.Username, u.Role, h.ttl)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "could not issue token").SetInternal(err)
	}

	h.audit.Record(ctx, u.Username, hipaa.ActionLogin, "none", hipaa.StatusSuccess)
	return c.JSON(http.StatusOK, TokenResponse{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresIn:   int(h.ttl.Seconds()),
	})
}

// CreateUser adds an account from form fields username, password and role.
func (h *Handler) CreateUser(c echo.Context) error {
	ctx := c.Request().Context()
	actor := auth.UserIDFromContext(ctx)

	role, err := auth.ParseRole(c.FormValue("role"))
	if err != nil {
		h.audit.Record(ctx, actor, hipaa.ActionCreateUser, "none", hipaa.StatusFailed)
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	u, err := h.svc.CreateUser(ctx, c.FormValue("username"), c.FormValue("password"), role)
	if err != nil {
		status := hipaa.StatusFailed
		if errors.Is(err, auth.ErrForbidden) {
			status = hipaa.StatusDenied
		}
		h.audit.Record(ctx, actor, hipaa.ActionCreateUser, "none", status)
		switch {
		case errors.Is(err, ErrInvalidUser):
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		case errors.Is(err, ErrUsernameTaken):
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		case errors.Is(err, auth.ErrForbidden):
			return echo.NewHTTPError(http.StatusForbidden, "not authorized to perform this action").SetInternal(err)
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "could not create user").SetInternal(err)
	}

	h.audit.Record(ctx, actor, hipaa.ActionCreateUser, u.ID.String(), hipaa.StatusSuccess)
	return c.JSON(http.StatusCreated, u)
}
