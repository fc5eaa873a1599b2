package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/cadence/internal/alerts"
	"github.com/mbd888/cadence/internal/audit"
	"github.com/mbd888/cadence/internal/identity"
	"github.com/mbd888/cadence/internal/metrics"
	"github.com/mbd888/cadence/internal/validation"
)

// Directory is the account service used by the login handlers.
type Directory interface {
	Register(ctx context.Context, username, email, password string, role identity.Role) (*identity.User, error)
	Authenticate(ctx context.Context, username, password string) (*identity.User, error)
	IsBlocked(ctx context.Context, username string) (bool, error)
}

// AuditLog records security events.
type AuditLog interface {
	Log(ctx context.Context, actor string, kind audit.Kind, reason, sessionID string, risk *float64)
}

// Alerter raises outbound security alerts.
type Alerter interface {
	Dispatch(a alerts.Alert)
}

// Handler provides the registration and login endpoints.
type Handler struct {
	manager  *Manager
	accounts Directory
	audit    AuditLog
	alerts   Alerter
	highRisk float64
	logger   *slog.Logger
}

// NewHandler creates the auth handler. Logins whose client-reported risk
// exceeds highRisk are refused.
func NewHandler(m *Manager, accounts Directory, auditLog AuditLog, alerter Alerter, highRisk float64, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		manager:  m,
		accounts: accounts,
		audit:    auditLog,
		alerts:   alerter,
		highRisk: highRisk,
		logger:   logger,
	}
}

// RegisterRequest is the request body for POST /register.
type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginRequest is the request body for POST /login. RiskScore is the
// client-side behavioral score collected on the login form.
type LoginRequest struct {
	Username  string  `json:"username"`
	Password  string  `json:"password"`
	RiskScore float64 `json:"riskScore"`
}

// Register creates a user account.
func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid JSON body"})
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)

	if errs := validation.Validate(
		validation.Required("username", req.Username),
		validation.ValidUsername("username", req.Username),
		validation.ValidEmail("email", req.Email),
		validation.MinLength("password", req.Password, validation.MinPasswordLength),
		validation.MaxLength("password", req.Password, 72),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": errs.Error(), "details": errs})
		return
	}

	u, err := h.accounts.Register(c.Request.Context(), req.Username, req.Email, req.Password, identity.RoleUser)
	if errors.Is(err, identity.ErrUserExists) {
		c.JSON(http.StatusConflict, gin.H{"error": "user_exists", "message": "Username already registered"})
		return
	}
	if err != nil {
		h.logger.Error("registration failed", "user", req.Username, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Registration failed"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success":  true,
		"message":  "User registered successfully",
		"userId":   u.ID,
		"username": u.Username,
		"role":     u.Role,
	})
}

// Login verifies a password and the client-reported behavioral risk, then
// issues an access token.
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid JSON body"})
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if errs := validation.Validate(
		validation.Required("username", req.Username),
		validation.Required("password", req.Password),
		validation.UnitInterval("riskScore", req.RiskScore),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": errs.Error(), "details": errs})
		return
	}

	ctx := c.Request.Context()
	blocked, err := h.accounts.IsBlocked(ctx, req.Username)
	if err != nil {
		h.logger.Error("blocked check failed at login", "user", req.Username, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "Unable to verify account status"})
		return
	}
	if blocked {
		metrics.LoginAttemptsTotal.WithLabelValues("blocked").Inc()
		c.JSON(http.StatusForbidden, gin.H{"error": "account_blocked", "message": "Account is blocked"})
		return
	}

	u, err := h.accounts.Authenticate(ctx, req.Username, req.Password)
	if errors.Is(err, identity.ErrInvalidCredentials) {
		metrics.LoginAttemptsTotal.WithLabelValues("failed").Inc()
		h.audit.Log(ctx, req.Username, audit.KindLoginFailed, "Invalid credentials", "", audit.Score(req.RiskScore))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_credentials", "message": "Invalid credentials"})
		return
	}
	if err != nil {
		h.logger.Error("authentication failed", "user", req.Username, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Login failed"})
		return
	}

	if req.RiskScore > h.highRisk {
		metrics.LoginAttemptsTotal.WithLabelValues("high_risk").Inc()
		reason := "Risk score exceeded high risk threshold"
		h.audit.Log(ctx, u.Username, audit.KindHighRiskLogin, reason, "", audit.Score(req.RiskScore))
		h.alerts.Dispatch(alerts.Alert{
			Type:      alerts.EventHighRiskLogin,
			UserID:    u.Username,
			RiskScore: req.RiskScore,
			Reason:    reason,
		})
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "high_risk",
			"message": "High behavioral risk detected. Additional authentication required.",
		})
		return
	}

	token, expires, err := h.manager.Issue(u)
	if err != nil {
		h.logger.Error("token issue failed", "user", u.Username, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Login failed"})
		return
	}
	metrics.LoginAttemptsTotal.WithLabelValues("success").Inc()
	h.audit.Log(ctx, u.Username, audit.KindLoginSuccess, "Login successful", "", audit.Score(req.RiskScore))

	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"message":     "Login successful",
		"userId":      u.ID,
		"username":    u.Username,
		"role":        u.Role,
		"riskScore":   req.RiskScore,
		"accessToken": token,
		"tokenType":   "bearer",
		"expiresAt":   expires.UTC().Format(time.RFC3339),
	})
}

// Me returns the authenticated account.
func (h *Handler) Me(c *gin.Context) {
	u, ok := GetUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": u})
}
