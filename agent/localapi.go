package main

import (
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/sponsa/sentinel/pkg/audit"
	"github.com/sponsa/sentinel/pkg/engine"
	"github.com/sponsa/sentinel/pkg/lock"
	"github.com/sponsa/sentinel/pkg/protection"
	"github.com/sponsa/sentinel/pkg/store"
)

// rateRecord tracks per-key usage within a fixed window.
type rateRecord struct {
	count  int
	reset  time.Time
	window time.Duration
}

// RateLimiter throttles the local unlock endpoint so a hostile app on the
// device cannot burn through the PIN attempt budget by brute force faster
// than the lock manager's own bound.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string]rateRecord
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{entries: make(map[string]rateRecord)}
}

// Allow returns true if the caller may proceed under the provided limit and window.
func (rl *RateLimiter) Allow(key string, limit int, window time.Duration) bool {
	if limit <= 0 {
		return true
	}
	now := time.Now()
	rl.mu.Lock()
	rec := rl.entries[key]
	if rec.window == 0 || now.After(rec.reset) {
		rec.count = 0
		rec.window = window
		rec.reset = now.Add(window)
	}
	if rec.count >= limit {
		rl.mu.Unlock()
		return false
	}
	rec.count++
	rl.entries[key] = rec
	rl.mu.Unlock()
	return true
}

// LocalAPI is the loopback surface for the on-device UI and sentinelctl.
type LocalAPI struct {
	engine  *engine.Engine
	audit   *audit.Log
	limiter *RateLimiter
	logger  zerolog.Logger
	version string
}

func NewLocalAPI(eng *engine.Engine, auditLog *audit.Log, logger zerolog.Logger, version string) *LocalAPI {
	return &LocalAPI{
		engine:  eng,
		audit:   auditLog,
		limiter: NewRateLimiter(),
		logger:  logger.With().Str("component", "localapi").Logger(),
		version: version,
	}
}

func (a *LocalAPI) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/v1/health", a.handleHealth)
	r.GET("/v1/status", a.handleStatus)
	r.GET("/v1/lock", a.handleLock)
	r.GET("/v1/protection", a.handleProtection)
	r.GET("/v1/audit", a.handleAudit)
	r.POST("/v1/lock/unlock", a.handleUnlock)
	r.POST("/v1/triggers/:kind", a.handleTrigger)
	r.POST("/v1/connectivity", a.handleConnectivity)

	return r
}

func (a *LocalAPI) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "version": a.version})
}

func (a *LocalAPI) handleStatus(c *gin.Context) {
	status, err := a.engine.CurrentStatus()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, status)
}

func (a *LocalAPI) handleLock(c *gin.Context) {
	status, err := a.engine.CurrentStatus()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if status.Lock == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "device not locked"})
		return
	}
	c.JSON(http.StatusOK, lockView{
		LockRecord:    status.Lock,
		DisplayReason: lock.DisplayReason(status.Lock),
	})
}

// lockView decorates the lock record with the reason reporting surfaces show,
// which prefers payment state over a concurrent security demand.
type lockView struct {
	*store.LockRecord
	DisplayReason string `json:"display_reason"`
}

func (a *LocalAPI) handleProtection(c *gin.Context) {
	c.JSON(http.StatusOK, a.engine.ProtectionState(c.Request.Context()))
}

func (a *LocalAPI) handleAudit(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}
	status, err := a.engine.CurrentStatus()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	entries, err := a.audit.Recent(status.DeviceID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (a *LocalAPI) handleUnlock(c *gin.Context) {
	if !a.limiter.Allow("pin_unlock", 5, time.Minute) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many unlock attempts"})
		return
	}

	var req struct {
		PIN string `json:"pin" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := a.engine.UnlockWithPIN(c.Request.Context(), req.PIN)
	switch {
	case errors.Is(err, lock.ErrNoLock):
		c.JSON(http.StatusNotFound, gin.H{"error": "device not locked"})
	case errors.Is(err, lock.ErrPINExhausted):
		c.JSON(http.StatusForbidden, gin.H{"error": "pin attempts exhausted; contact support"})
	case errors.Is(err, lock.ErrPINNotAllowed):
		c.JSON(http.StatusForbidden, gin.H{"error": "this lock cannot be released with a pin"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, result)
	}
}

func (a *LocalAPI) handleTrigger(c *gin.Context) {
	kind := c.Param("kind")
	if !protection.KnownTrigger(kind) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown trigger kind"})
		return
	}
	if err := a.engine.HandleTrigger(c.Request.Context(), protection.TriggerKind(kind)); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "registered"})
}

func (a *LocalAPI) handleConnectivity(c *gin.Context) {
	delivered, err := a.engine.ConnectivityRestored(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"delivered": delivered})
}
