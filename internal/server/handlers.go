package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/cadence/internal/audit"
	"github.com/mbd888/cadence/internal/auth"
	"github.com/mbd888/cadence/internal/features"
	"github.com/mbd888/cadence/internal/health"
	"github.com/mbd888/cadence/internal/identity"
	"github.com/mbd888/cadence/internal/logging"
	"github.com/mbd888/cadence/internal/pagination"
	"github.com/mbd888/cadence/internal/risk"
	"github.com/mbd888/cadence/internal/validation"
)

// trainingSampleLimit bounds how much stored history one training run reads.
const trainingSampleLimit = 5000

// defaultHistoryLimit applies when the history request sets no limit.
const defaultHistoryLimit = 20

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   s.version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Review endpoints
// -----------------------------------------------------------------------------

func (s *Server) listSecurityEvents(c *gin.Context) {
	after, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "cursor is malformed",
		})
		return
	}
	limit := validation.QueryLimit(c, audit.DefaultListLimit, audit.MaxListLimit-1)
	q := audit.Query{
		Actor: c.Query("username"),
		Kind:  audit.Kind(c.Query("eventType")),
		Limit: limit + 1,
		After: after,
	}
	events, err := s.auditLog.List(c.Request.Context(), q)
	if err != nil {
		logging.L(c.Request.Context()).Error("list security events failed", "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load security events",
		})
		return
	}
	events, next, more := pagination.ComputePage(events, limit, func(e *audit.Event) (time.Time, int64) {
		return e.CreatedAt, e.ID
	})
	c.JSON(http.StatusOK, gin.H{
		"events":     events,
		"count":      len(events),
		"nextCursor": next,
		"hasMore":    more,
	})
}

func (s *Server) realtimeMonitor(c *gin.Context) {
	c.JSON(http.StatusOK, s.monitor.Snapshot())
}

func (s *Server) behavioralHistory(c *gin.Context) {
	ctx := c.Request.Context()
	username := c.Param("username")

	u, err := s.accounts.GetUser(ctx, username)
	if errors.Is(err, identity.ErrNotFound) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "User not found",
		})
		return
	}
	if err != nil {
		logging.L(ctx).Error("user lookup failed", "user", username, "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load user",
		})
		return
	}

	limit := validation.QueryLimit(c, min(defaultHistoryLimit, s.cfg.MaxBehaviorHistoryLimit), s.cfg.MaxBehaviorHistoryLimit)
	samples, err := s.samples.GetHistory(ctx, u.ID, limit)
	if err != nil {
		logging.L(ctx).Error("behavioral history failed", "user", username, "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load behavioral history",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"username": u.Username, "samples": samples, "count": len(samples)})
}

// -----------------------------------------------------------------------------
// Admin endpoints
// -----------------------------------------------------------------------------

// SetRoleRequest is the body of the role change endpoint.
type SetRoleRequest struct {
	Role identity.Role `json:"role" binding:"required"`
}

func (s *Server) setRole(c *gin.Context) {
	ctx := c.Request.Context()
	username := c.Param("username")

	var req SetRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "role is required",
		})
		return
	}

	err := s.accounts.SetRole(ctx, username, req.Role)
	switch {
	case errors.Is(err, identity.ErrInvalidRole):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_role",
			"message": "role must be user, analyst or admin",
		})
		return
	case errors.Is(err, identity.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "User not found",
		})
		return
	case err != nil:
		logging.L(ctx).Error("set role failed", "user", username, "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to update role",
		})
		return
	}

	s.auditLog.Log(ctx, username, audit.KindRoleChanged, "Role set to "+string(req.Role)+" by "+actor(c), "", nil)
	c.JSON(http.StatusOK, gin.H{"username": username, "role": req.Role})
}

func (s *Server) unblockUser(c *gin.Context) {
	ctx := c.Request.Context()
	username := c.Param("username")

	err := s.enforcer.Unblock(ctx, username, actor(c))
	if errors.Is(err, identity.ErrNotFound) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "User not found",
		})
		return
	}
	if err != nil {
		logging.L(ctx).Error("unblock failed", "user", username, "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to unblock user",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"username": username, "blocked": false})
}

// trainModel rebuilds the population model from stored behavioral history,
// labelling each sample with its owner.
func (s *Server) trainModel(c *gin.Context) {
	ctx := c.Request.Context()
	logger := logging.L(ctx)

	stored, err := s.samples.ListSamples(ctx, trainingSampleLimit)
	if err != nil {
		logger.Error("list training samples failed", "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load behavioral history",
		})
		return
	}

	owners := make(map[int64]string)
	labelled := make([]risk.LabeledSample, 0, len(stored))
	skipped := 0
	for _, sample := range stored {
		owner, ok := owners[sample.UserID]
		if !ok {
			u, err := s.accounts.GetUserByID(ctx, sample.UserID)
			if err != nil {
				logger.Warn("training sample owner lookup failed", "user_id", sample.UserID, "error", err)
			} else {
				owner = u.Username
			}
			owners[sample.UserID] = owner
		}
		if owner == "" {
			skipped++
			continue
		}

		keys, kerr := features.Decode(sample.KeystrokeData)
		mouse, merr := features.Decode(sample.MouseData)
		if kerr != nil || merr != nil {
			skipped++
			continue
		}
		v := features.ExtractSample(keys, mouse)
		if v.Empty() {
			skipped++
			continue
		}
		labelled = append(labelled, risk.LabeledSample{UserID: owner, Vector: v})
	}

	if err := s.analyzer.FitGlobal(ctx, labelled); err != nil {
		if errors.Is(err, risk.ErrInsufficientSamples) {
			c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{
				"error":   "insufficient_samples",
				"message": "Not enough labelled behavioral history to train the model",
				"samples": len(labelled),
			})
			return
		}
		logger.Error("global model training failed", "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to train model",
		})
		return
	}

	users := make(map[string]struct{})
	for _, l := range labelled {
		users[l.UserID] = struct{}{}
	}
	logger.Info("global model trained", "samples", len(labelled), "users", len(users), "skipped", skipped, "by", actor(c))
	c.JSON(http.StatusOK, gin.H{
		"trained": true,
		"samples": len(labelled),
		"users":   len(users),
		"skipped": skipped,
	})
}

// actor is the authenticated operator's username.
func actor(c *gin.Context) string {
	if claims, ok := auth.GetClaims(c); ok {
		return claims.Username()
	}
	return "unknown"
}
