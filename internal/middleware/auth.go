package middleware

import (
	"context"
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	"auth-guard/internal/domain"
	"auth-guard/internal/logger"
)

const identityKey = "auth_guard.identity"

var errNoCredential = errors.New("no credential presented")

// IdentityAuthorizer applies an access level to a verified identity
type IdentityAuthorizer interface {
	Authorize(ctx context.Context, identity *domain.Identity, level domain.AccessLevel, ownerID string) error
}

// Authenticator resolves the credential presented with a request
type Authenticator struct {
	tokens     domain.TokenAuthenticator
	authorizer IdentityAuthorizer
	cookieName string
}

// NewAuthenticator creates an authenticator reading web credentials from cookieName
func NewAuthenticator(tokens domain.TokenAuthenticator, authorizer IdentityAuthorizer, cookieName string) *Authenticator {
	return &Authenticator{
		tokens:     tokens,
		authorizer: authorizer,
		cookieName: cookieName,
	}
}

// Authenticate verifies the credential of the given kind and applies level.
// On success the identity is stored on the context for CurrentIdentity.
func (a *Authenticator) Authenticate(c *gin.Context, kind domain.TokenKind, level domain.AccessLevel, ownerID string) (*domain.Identity, error) {
	return a.AuthenticateAny(c, []domain.TokenKind{kind}, level, ownerID)
}

// AuthenticateAny accepts the first of kinds whose credential verifies
func (a *Authenticator) AuthenticateAny(c *gin.Context, kinds []domain.TokenKind, level domain.AccessLevel, ownerID string) (*domain.Identity, error) {
	ctx := c.Request.Context()

	var (
		identity *domain.Identity
		lastErr  error = domain.E(domain.KindUnauthenticated, "Authenticate", errNoCredential)
	)
	for _, kind := range kinds {
		token := a.Credential(c, kind)
		if token == "" {
			continue
		}

		userID, err := a.tokens.VerifyToken(ctx, token, kind)
		if err != nil {
			lastErr = err
			continue
		}
		identity = &domain.Identity{UserID: userID, Kind: kind}
		break
	}
	if identity == nil {
		return nil, lastErr
	}

	if err := a.authorizer.Authorize(ctx, identity, level, ownerID); err != nil {
		return nil, err
	}

	c.Set(identityKey, identity)
	c.Request = c.Request.WithContext(logger.ContextWithUser(ctx, identity.UserID))
	return identity, nil
}

// Require is the middleware form of AuthenticateAny for routes without an owner.
// Failures are reported through c.Error for the dispatch guard to answer.
func (a *Authenticator) Require(level domain.AccessLevel, kinds ...domain.TokenKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, err := a.AuthenticateAny(c, kinds, level, ""); err != nil {
			_ = c.Error(err)
			c.Abort()
			return
		}
		c.Next()
	}
}

// Credential extracts the raw token for kind from the request
func (a *Authenticator) Credential(c *gin.Context, kind domain.TokenKind) string {
	switch kind {
	case domain.KindWeb:
		if cookie, err := c.Cookie(a.cookieName); err == nil && cookie != "" {
			return cookie
		}
		return BearerToken(c)
	case domain.KindAPI:
		if token := BearerToken(c); token != "" {
			return token
		}
		if token := c.GetHeader("API_KEY"); token != "" {
			return strings.TrimSpace(token)
		}
		return strings.TrimSpace(c.GetHeader("X-Api-Token"))
	default:
		return BearerToken(c)
	}
}

// BearerToken returns the token of an "Authorization: Bearer" header
func BearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

// CurrentIdentity returns the identity stored by a successful authentication
func CurrentIdentity(c *gin.Context) (*domain.Identity, bool) {
	value, ok := c.Get(identityKey)
	if !ok {
		return nil, false
	}
	identity, ok := value.(*domain.Identity)
	return identity, ok
}
