package handler

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"auth-guard/internal/domain"
	"auth-guard/internal/logger"
	"auth-guard/internal/middleware"
	"auth-guard/internal/service"
)

// HealthChecker is any backend that can report its health
type HealthChecker interface {
	Health(ctx context.Context) error
}

// statsReporter is implemented by backends that expose their own counters
type statsReporter interface {
	GetStats() map[string]interface{}
}

// CookieConfig describes the web credential cookie
type CookieConfig struct {
	Name     string
	Domain   string
	Path     string
	Secure   bool
	SameSite http.SameSite
}

// Services groups what the handlers call into
type Services struct {
	Accounts  *service.AccountService
	Authority *service.TokenAuthority
	Tracker   *service.AbuseTracker
	Breaker   *service.FaultClassifier
	Mirrors   *service.MirrorLinker
	Auth      *middleware.Authenticator
	Checks    map[string]HealthChecker
	Cookie    CookieConfig
	Logger    domain.Logger
}

// Handlers holds the HTTP surface of the service
type Handlers struct {
	Services
	startTime time.Time
}

// NewHandlers creates the handlers
func NewHandlers(services Services) *Handlers {
	return &Handlers{
		Services:  services,
		startTime: time.Now(),
	}
}

// EnableEndpointKey is the breaker key of the route that re-enables endpoints
const EnableEndpointKey = http.MethodPost + " /api/admin/endpoints/enable"

// SetupRoutes mounts every route. Health and metrics stay outside the guard.
func (h *Handlers) SetupRoutes(router *gin.Engine) {
	router.GET("/health", h.HealthHandler)
	router.GET("/metrics", h.MetricsHandler)

	guarded := router.Group("/api")
	// re-enabling must stay reachable however many faults the breaker has seen
	guarded.Use(middleware.NewDispatchGuard(h.Tracker, h.Breaker, h.Logger,
		middleware.WithBreakerExempt(EnableEndpointKey)))
	{
		guarded.POST("/auth/login", h.LoginHandler)
		guarded.POST("/auth/logout", h.Auth.Require(domain.AnyUser, domain.KindWeb), h.LogoutHandler)
		guarded.POST("/auth/logout-all", h.Auth.Require(domain.AnyUser, domain.KindWeb, domain.KindAPI), h.LogoutAllHandler)
		guarded.GET("/auth/me", h.Auth.Require(domain.AnyUser, domain.KindWeb, domain.KindAPI), h.MeHandler)

		guarded.GET("/tokens", h.Auth.Require(domain.AnyUser, domain.KindWeb, domain.KindAPI), h.ListTokensHandler)
		guarded.POST("/tokens", h.Auth.Require(domain.AnyUser, domain.KindWeb), h.IssueAPITokenHandler)
		guarded.DELETE("/tokens", h.Auth.Require(domain.AnyUser, domain.KindAPI), h.RevokeAPITokenHandler)

		guarded.DELETE("/account", h.Auth.Require(domain.AnyUser, domain.KindWeb), h.DeleteAccountHandler)

		guarded.POST("/mirror/challenge", h.MirrorChallengeHandler)
		guarded.POST("/mirror/link", h.Auth.Require(domain.AdminOnly, domain.KindWeb, domain.KindAPI), h.MirrorLinkHandler)

		admin := guarded.Group("/admin")
		admin.Use(h.Auth.Require(domain.AdminOnly, domain.KindWeb, domain.KindAPI))
		{
			admin.GET("/bans/:identity", h.BanStatusHandler)
			admin.POST("/bans/:identity", h.BanHandler)
			admin.DELETE("/bans/:identity", h.UnbanHandler)
			admin.GET("/endpoints", h.EndpointsHandler)
			admin.POST("/endpoints/enable", h.EnableEndpointHandler)
		}
	}
}

// HealthHandler reports the process and backend health
func (h *Handlers) HealthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := "healthy"
	code := http.StatusOK
	backends := gin.H{}
	for name, check := range h.Checks {
		if err := check.Health(ctx); err != nil {
			if h.Logger != nil {
				h.Logger.Error("Backend health check failed", err, map[string]interface{}{
					"backend": name,
				})
			}
			backends[name] = "unhealthy"
			status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		backends[name] = "healthy"
	}

	c.JSON(code, gin.H{
		"status":    status,
		"service":   "Auth Guard",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   "1.0.0",
		"backends":  backends,
	})
}

// MetricsHandler exposes runtime figures and breaker counters
func (h *Handlers) MetricsHandler(c *gin.Context) {
	uptime := time.Since(h.startTime)

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	response := gin.H{
		"service":        "Auth Guard",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime":         uptime.String(),
		"uptime_seconds": int64(uptime.Seconds()),
		"system": gin.H{
			"go_version":   runtime.Version(),
			"goroutines":   runtime.NumGoroutine(),
			"memory_alloc": formatBytes(m.Alloc),
			"memory_total": formatBytes(m.TotalAlloc),
			"memory_sys":   formatBytes(m.Sys),
			"gc_runs":      m.NumGC,
		},
	}

	if h.Tracker != nil {
		policy := h.Tracker.Policy()
		response["abuse_policy"] = gin.H{
			"threshold": policy.Threshold,
			"window":    policy.Window.String(),
			"ban_tiers": len(policy.BanTiers),
		}
	}

	storageStats := gin.H{}
	for name, check := range h.Checks {
		if reporter, ok := check.(statsReporter); ok {
			storageStats[name] = reporter.GetStats()
		}
	}
	if len(storageStats) > 0 {
		response["storage"] = storageStats
	}

	if h.Breaker != nil {
		snapshot := h.Breaker.Snapshot()
		disabled, faults := 0, 0
		for _, endpoint := range snapshot {
			faults += endpoint.Faults
			if !endpoint.Enabled {
				disabled++
			}
		}
		response["endpoints"] = gin.H{
			"tracked":  len(snapshot),
			"disabled": disabled,
			"faults":   faults,
		}
	}

	c.JSON(http.StatusOK, response)
}

// LoginRequest is the body of POST /api/auth/login
type LoginRequest struct {
	Login    string `json:"login" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginHandler checks a password and hands out a web credential
func (h *Handlers) LoginHandler(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(domain.E(domain.KindInvalid, "Login", err))
		return
	}

	token, user, err := h.Accounts.Login(c.Request.Context(), req.Login, req.Password)
	if err != nil {
		_ = c.Error(err)
		return
	}

	h.setCookie(c, token, h.Authority.WebTokenTTL())
	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_in": int64(h.Authority.WebTokenTTL().Seconds()),
		"user":       user,
	})
}

// LogoutHandler revokes the presented web credential
func (h *Handlers) LogoutHandler(c *gin.Context) {
	token := h.Auth.Credential(c, domain.KindWeb)
	revoked, err := h.Authority.RevokeToken(c.Request.Context(), token, domain.KindWeb)
	if err != nil {
		_ = c.Error(err)
		return
	}

	h.Logger.WithContext(c.Request.Context()).Info("Web session closed", map[string]interface{}{
		"token":   logger.MaskToken(token),
		"revoked": revoked,
	})
	h.clearCookie(c)
	c.JSON(http.StatusOK, gin.H{"revoked": revoked})
}

// LogoutAllHandler revokes every credential of the caller
func (h *Handlers) LogoutAllHandler(c *gin.Context) {
	identity, _ := middleware.CurrentIdentity(c)

	count, err := h.Authority.RevokeAll(c.Request.Context(), identity.UserID)
	if err != nil {
		_ = c.Error(err)
		return
	}

	h.clearCookie(c)
	c.JSON(http.StatusOK, gin.H{"revoked": count})
}

// MeHandler returns the authenticated identity
func (h *Handlers) MeHandler(c *gin.Context) {
	identity, _ := middleware.CurrentIdentity(c)
	c.JSON(http.StatusOK, identity)
}

// ListTokensHandler lists the live credentials of the caller
func (h *Handlers) ListTokensHandler(c *gin.Context) {
	identity, _ := middleware.CurrentIdentity(c)

	records, err := h.Authority.ListTokens(c.Request.Context(), identity.UserID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if records == nil {
		records = []domain.TokenRecord{}
	}

	c.JSON(http.StatusOK, gin.H{"tokens": records})
}

// IssueAPITokenHandler issues an api credential to a web session
func (h *Handlers) IssueAPITokenHandler(c *gin.Context) {
	identity, _ := middleware.CurrentIdentity(c)

	token, err := h.Authority.IssueAPIToken(c.Request.Context(), identity.UserID)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"token": token})
}

// RevokeAPITokenHandler revokes the api credential used for the request
func (h *Handlers) RevokeAPITokenHandler(c *gin.Context) {
	token := h.Auth.Credential(c, domain.KindAPI)
	revoked, err := h.Authority.RevokeToken(c.Request.Context(), token, domain.KindAPI)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"revoked": revoked})
}

// DeleteAccountHandler revokes every credential and schedules the account deletion
func (h *Handlers) DeleteAccountHandler(c *gin.Context) {
	identity, _ := middleware.CurrentIdentity(c)

	revoked, err := h.Accounts.DeleteAccount(c.Request.Context(), identity.UserID)
	if err != nil {
		_ = c.Error(err)
		return
	}

	h.clearCookie(c)
	c.JSON(http.StatusAccepted, gin.H{"revoked": revoked, "status": "deletion_scheduled"})
}

// MirrorChallengeHandler answers a handshake sent by an instance linking to us
func (h *Handlers) MirrorChallengeHandler(c *gin.Context) {
	var challenge service.MirrorChallenge
	if err := c.ShouldBindJSON(&challenge); err != nil {
		_ = c.Error(domain.E(domain.KindInvalid, "MirrorChallenge", err))
		return
	}

	answer, err := service.AnswerChallenge(challenge)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, answer)
}

// MirrorLinkRequest is the body of POST /api/mirror/link
type MirrorLinkRequest struct {
	RemoteURL string `json:"remoteUrl" binding:"required"`
}

// MirrorLinkHandler negotiates a mirror link with a remote instance
func (h *Handlers) MirrorLinkHandler(c *gin.Context) {
	var req MirrorLinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(domain.E(domain.KindInvalid, "MirrorLink", err))
		return
	}

	identity, _ := middleware.CurrentIdentity(c)
	link, err := h.Mirrors.Link(c.Request.Context(), identity.UserID, req.RemoteURL)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, link)
}

// BanStatusHandler shows the abuse record of an identity
func (h *Handlers) BanStatusHandler(c *gin.Context) {
	identity := strings.TrimSpace(c.Param("identity"))

	status, err := h.Tracker.Status(c.Request.Context(), identity)
	if err != nil {
		_ = c.Error(err)
		return
	}

	tier, err := h.Tracker.HistoryTier(c.Request.Context(), identity)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": status,
		"tier":   tier,
	})
}

// BanHandler bans an identity at its next tier
func (h *Handlers) BanHandler(c *gin.Context) {
	identity := strings.TrimSpace(c.Param("identity"))

	admission, err := h.Tracker.RecordBan(c.Request.Context(), identity)
	if err != nil {
		_ = c.Error(err)
		return
	}

	h.Logger.WithContext(c.Request.Context()).Info("Identity banned by administrator", map[string]interface{}{
		"target": identity,
		"tier":   admission.Tier,
	})
	c.JSON(http.StatusOK, gin.H{
		"identity":     identity,
		"tier":         admission.Tier,
		"ban_duration": h.Tracker.Policy().TierDuration(admission.Tier - 1).String(),
		"banned_until": time.Now().Add(admission.RetryAfter).UTC().Format(time.RFC3339),
	})
}

// UnbanHandler clears the ban and history of an identity
func (h *Handlers) UnbanHandler(c *gin.Context) {
	identity := strings.TrimSpace(c.Param("identity"))

	if err := h.Tracker.ClearBan(c.Request.Context(), identity); err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "success",
		"identity": identity,
	})
}

// EndpointsHandler lists the breaker state of every faulted endpoint
func (h *Handlers) EndpointsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"endpoints": h.Breaker.Snapshot()})
}

// EnableEndpointRequest is the body of POST /api/admin/endpoints/enable
type EnableEndpointRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
}

// EnableEndpointHandler puts a disabled endpoint back in service
func (h *Handlers) EnableEndpointHandler(c *gin.Context) {
	var req EnableEndpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(domain.E(domain.KindInvalid, "EnableEndpoint", err))
		return
	}

	if !h.Breaker.Enable(req.Endpoint) {
		_ = c.Error(domain.E(domain.KindNotFound, "EnableEndpoint", errors.New("endpoint has no breaker state")))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "success",
		"endpoint": req.Endpoint,
	})
}

func (h *Handlers) setCookie(c *gin.Context, token string, ttl time.Duration) {
	c.SetSameSite(h.Cookie.SameSite)
	c.SetCookie(h.Cookie.Name, token, int(ttl.Seconds()), h.Cookie.Path, h.Cookie.Domain, h.Cookie.Secure, true)
}

func (h *Handlers) clearCookie(c *gin.Context) {
	c.SetSameSite(h.Cookie.SameSite)
	c.SetCookie(h.Cookie.Name, "", -1, h.Cookie.Path, h.Cookie.Domain, h.Cookie.Secure, true)
}

// formatBytes renders a byte count with a binary unit
func formatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return strconv.FormatUint(bytes, 10) + " B"
	}

	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	return strconv.FormatFloat(float64(bytes)/float64(div), 'f', 1, 64) + " " + "KMGTPE"[exp:exp+1] + "iB"
}
