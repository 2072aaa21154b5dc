package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"auth-guard/internal/domain"
	"auth-guard/internal/logger"
)

// unmatchedEndpoint is the breaker key for requests no route matched
const unmatchedEndpoint = "unmatched"

// securityLogger is implemented by the structured logger
type securityLogger interface {
	LogSecurityEvent(eventType, identity string, allowed bool, fields map[string]interface{})
}

// DispatchGuard wraps every guarded route: it refuses disabled endpoints,
// admits the caller through the abuse tracker, runs the handler and
// classifies whatever the handler reported.
type DispatchGuard struct {
	tracker domain.Admitter
	breaker domain.EndpointBreaker
	logger  domain.Logger
	exempt  map[string]bool
}

// GuardOption customises a DispatchGuard
type GuardOption func(*DispatchGuard)

// WithBreakerExempt keeps the listed endpoint keys out of the breaker: they
// are never refused as disabled and their faults are logged but not counted.
// Abuse admission still applies.
func WithBreakerExempt(endpoints ...string) GuardOption {
	return func(g *DispatchGuard) {
		for _, endpoint := range endpoints {
			g.exempt[endpoint] = true
		}
	}
}

// NewDispatchGuard creates the guard middleware
func NewDispatchGuard(
	tracker domain.Admitter,
	breaker domain.EndpointBreaker,
	logger domain.Logger,
	opts ...GuardOption,
) gin.HandlerFunc {
	guard := &DispatchGuard{
		tracker: tracker,
		breaker: breaker,
		logger:  logger,
		exempt:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(guard)
	}

	return guard.Handle
}

// Handle is the gin handler of the guard
func (g *DispatchGuard) Handle(c *gin.Context) {
	requestID := getRequestID(c)
	clientIP := ClientIP(c)
	endpoint := EndpointKey(c)

	ctx := logger.ContextWithRequestInfo(c.Request.Context(), requestID, clientIP, endpoint)
	c.Request = c.Request.WithContext(ctx)
	log := g.logger.WithContext(ctx)

	exempt := g.exempt[endpoint]

	if !exempt && !g.breaker.IsEnabled(endpoint) {
		log.Debug("Request refused by disabled endpoint", nil)
		c.AbortWithStatusJSON(http.StatusLocked, errorBody(domain.KindLocked))
		return
	}

	admission, err := g.tracker.Admit(ctx, clientIP)
	if err != nil {
		_, disabled := g.recordFault(endpoint, exempt, err)
		log.Error("Abuse tracker failure", err, map[string]interface{}{
			"endpoint_disabled": disabled,
		})
		c.AbortWithStatusJSON(http.StatusInternalServerError, internalBody(requestID))
		return
	}

	if !admission.Allowed {
		g.securityEvent(log, "abuse_ban", clientIP, false, map[string]interface{}{
			"retry_after": admission.RetryAfter.String(),
			"tier":        admission.Tier,
		})
		c.AbortWithStatusJSON(http.StatusForbidden, errorBody(domain.KindRateLimited))
		return
	}

	failure := g.next(c)
	if failure == nil {
		if last := c.Errors.Last(); last != nil {
			failure = last.Err
		}
	}
	if failure == nil {
		return
	}

	severity, disabled := g.recordFault(endpoint, exempt, failure)
	if severity == domain.SeverityExpected {
		kind := domain.KindOf(failure)
		switch kind {
		case domain.KindUnauthenticated, domain.KindForbidden:
			g.securityEvent(log, kind.String(), clientIP, false, map[string]interface{}{
				"reason": failure.Error(),
			})
		default:
			log.Debug("Request rejected", map[string]interface{}{
				"kind":   kind.String(),
				"reason": failure.Error(),
			})
		}
		if !c.Writer.Written() {
			c.AbortWithStatusJSON(kind.HTTPStatus(), errorBody(kind))
		}
		return
	}

	fields := map[string]interface{}{
		"severity":          severity.String(),
		"endpoint_disabled": disabled,
	}
	if panicErr, ok := failure.(*domain.PanicError); ok {
		fields["stack"] = string(panicErr.Stack)
	}
	log.Error("Handler fault", failure, fields)

	if !c.Writer.Written() {
		c.AbortWithStatusJSON(http.StatusInternalServerError, internalBody(requestID))
	}
}

// recordFault counts err against endpoint, or only classifies it when the endpoint is exempt
func (g *DispatchGuard) recordFault(endpoint string, exempt bool, err error) (domain.Severity, bool) {
	if exempt {
		return g.breaker.Classify(err), false
	}
	return g.breaker.RecordFault(endpoint, err)
}

// next runs the rest of the chain and turns a panic into a *domain.PanicError
func (g *DispatchGuard) next(c *gin.Context) (failure error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			if recovered == http.ErrAbortHandler {
				panic(recovered)
			}
			c.Abort()
			failure = &domain.PanicError{Value: recovered, Stack: debug.Stack()}
		}
	}()

	c.Next()
	return nil
}

func (g *DispatchGuard) securityEvent(log domain.Logger, eventType, identity string, allowed bool, fields map[string]interface{}) {
	if sl, ok := log.(securityLogger); ok {
		sl.LogSecurityEvent(eventType, identity, allowed, fields)
		return
	}
	log.Warn("Security check rejected", fields)
}

func errorBody(kind domain.ErrorKind) gin.H {
	return gin.H{
		"error":   kind.String(),
		"message": kind.PublicMessage(),
	}
}

func internalBody(requestID string) gin.H {
	return gin.H{
		"error":      domain.KindInternal.String(),
		"message":    domain.KindInternal.PublicMessage(),
		"request_id": requestID,
	}
}

// EndpointKey names the matched route for the fault classifier
func EndpointKey(c *gin.Context) string {
	path := c.FullPath()
	if path == "" {
		return unmatchedEndpoint
	}
	return c.Request.Method + " " + path
}

// ClientIPConfig decides which peers may report the client address on their behalf
type ClientIPConfig struct {
	// TrustedProxies lists the proxy IPs or CIDRs whose forwarding headers are believed
	TrustedProxies []string
	// TrustedPlatform names a header set by the hosting platform, such as CF-Connecting-IP
	TrustedPlatform string
}

// ConfigureClientIP applies cfg to router. With no trusted proxies the
// forwarding headers are ignored and the peer address is the identity.
func ConfigureClientIP(router *gin.Engine, cfg ClientIPConfig) error {
	router.ForwardedByClientIP = true
	router.RemoteIPHeaders = []string{"X-Forwarded-For", "X-Real-IP"}
	router.TrustedPlatform = cfg.TrustedPlatform
	if err := router.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return fmt.Errorf("invalid trusted proxies: %w", err)
	}
	return nil
}

// ClientIP resolves the caller address through gin, which only honours
// X-Forwarded-For and X-Real-IP when the peer is a trusted proxy
func ClientIP(c *gin.Context) string {
	if ip := c.ClientIP(); ip != "" {
		return ip
	}
	if remote := strings.TrimSpace(c.Request.RemoteAddr); remote != "" {
		return remote
	}
	return "unknown"
}

// getRequestID reuses X-Request-ID or generates one and echoes it back
func getRequestID(c *gin.Context) string {
	if requestID := c.GetHeader("X-Request-ID"); requestID != "" {
		c.Header("X-Request-ID", requestID)
		return requestID
	}

	requestID := uuid.New().String()
	c.Header("X-Request-ID", requestID)
	return requestID
}
