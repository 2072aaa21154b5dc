package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"auth-guard/internal/domain"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// MaxTokenSize bounds the credential length accepted for parsing
const MaxTokenSize = 4096

// kindMirrorHandshake tags handshake assertions; they are never persisted
const kindMirrorHandshake domain.TokenKind = "mirror_handshake"

var (
	errTokenTooLarge  = errors.New("token exceeds maximum size")
	errTokenMalformed = errors.New("token is malformed")
	errWrongKind      = errors.New("token kind mismatch")
	errTokenRevoked   = errors.New("token is not live")
	errMissingExpiry  = errors.New("token has no expiry")
)

type tokenClaims struct {
	Kind domain.TokenKind `json:"kind"`
	jwt.RegisteredClaims
}

type mirrorClaims struct {
	Kind   domain.TokenKind `json:"kind"`
	Local  string           `json:"local"`
	Remote string           `json:"remote"`
	jwt.RegisteredClaims
}

// TokenAuthorityConfig holds the issuing parameters
type TokenAuthorityConfig struct {
	Issuer    string
	WebTTL    time.Duration
	MirrorTTL time.Duration
}

// TokenAuthority issues, verifies and revokes api, web and mirror credentials.
// A credential is valid only when its signature checks out and its jti is
// still present in the credential store.
type TokenAuthority struct {
	store  domain.CredentialStore
	keys   *SigningKeys
	config TokenAuthorityConfig
	parser *jwt.Parser
	logger domain.Logger
	now    func() time.Time
}

// NewTokenAuthority creates a token authority over store
func NewTokenAuthority(store domain.CredentialStore, keys *SigningKeys, config TokenAuthorityConfig, logger domain.Logger) *TokenAuthority {
	a := &TokenAuthority{
		store:  store,
		keys:   keys,
		config: config,
		logger: logger,
		now:    time.Now,
	}
	a.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{keys.Method.Alg()}),
		jwt.WithIssuer(config.Issuer),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(func() time.Time { return a.now() }),
	)
	return a
}

// IssueAPIToken issues a non-expiring api credential for userID
func (a *TokenAuthority) IssueAPIToken(ctx context.Context, userID string) (string, error) {
	return a.issue(ctx, "IssueAPIToken", userID, domain.KindAPI, 0)
}

// IssueWebToken issues a web credential that expires after the configured TTL
func (a *TokenAuthority) IssueWebToken(ctx context.Context, userID string) (string, error) {
	return a.issue(ctx, "IssueWebToken", userID, domain.KindWeb, a.config.WebTTL)
}

// IssueMirrorToken issues the persisted credential handed to a linked mirror
func (a *TokenAuthority) IssueMirrorToken(ctx context.Context, userID string) (string, error) {
	return a.issue(ctx, "IssueMirrorToken", userID, domain.KindMirror, 0)
}

// WebTokenTTL is the lifetime of web credentials
func (a *TokenAuthority) WebTokenTTL() time.Duration {
	return a.config.WebTTL
}

func (a *TokenAuthority) issue(ctx context.Context, op, userID string, kind domain.TokenKind, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", domain.E(domain.KindInvalid, op, errors.New("user id is required"))
	}

	now := a.now()
	jti := uuid.NewString()
	claims := tokenClaims{
		Kind: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   a.config.Issuer,
			Subject:  userID,
			ID:       jti,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	signed, err := jwt.NewWithClaims(a.keys.Method, claims).SignedString(a.keys.Private)
	if err != nil {
		return "", fmt.Errorf("failed to sign %s token: %w", kind, err)
	}

	if err := a.store.PutToken(ctx, jti, userID, kind, ttl); err != nil {
		return "", fmt.Errorf("failed to record %s token: %w", kind, err)
	}

	a.logger.Info("Token issued", map[string]interface{}{
		"user_id": userID,
		"kind":    kind,
		"jti":     jti,
	})
	return signed, nil
}

// parse checks size, signature, algorithm, issuer, expiry and the kind claim.
// It never touches the store.
func (a *TokenAuthority) parse(op, token string, kind domain.TokenKind) (*tokenClaims, error) {
	if len(token) > MaxTokenSize {
		return nil, domain.E(domain.KindUnauthenticated, op, errTokenTooLarge)
	}
	if token == "" {
		return nil, domain.E(domain.KindUnauthenticated, op, errTokenMalformed)
	}

	claims := &tokenClaims{}
	if _, err := a.parser.ParseWithClaims(token, claims, a.keyFunc); err != nil {
		return nil, domain.E(domain.KindUnauthenticated, op, err)
	}
	if claims.Kind != kind {
		return nil, domain.E(domain.KindUnauthenticated, op, errWrongKind)
	}
	if claims.Subject == "" || claims.ID == "" {
		return nil, domain.E(domain.KindUnauthenticated, op, errTokenMalformed)
	}
	if kind == domain.KindWeb && claims.ExpiresAt == nil {
		return nil, domain.E(domain.KindUnauthenticated, op, errMissingExpiry)
	}
	return claims, nil
}

// TokenInfo is the decoded content of a credential
type TokenInfo struct {
	Kind      domain.TokenKind `json:"kind"`
	Subject   string           `json:"sub"`
	ID        string           `json:"jti"`
	Issuer    string           `json:"iss"`
	IssuedAt  time.Time        `json:"iat"`
	ExpiresAt *time.Time       `json:"exp,omitempty"`
}

// Inspect decodes a token of any kind after checking its signature, issuer and expiry.
// Liveness in the credential store is not consulted.
func (a *TokenAuthority) Inspect(token string) (*TokenInfo, error) {
	if len(token) > MaxTokenSize {
		return nil, domain.E(domain.KindUnauthenticated, "Inspect", errTokenTooLarge)
	}

	claims := &tokenClaims{}
	if _, err := a.parser.ParseWithClaims(token, claims, a.keyFunc); err != nil {
		return nil, domain.E(domain.KindUnauthenticated, "Inspect", err)
	}

	info := &TokenInfo{
		Kind:    claims.Kind,
		Subject: claims.Subject,
		ID:      claims.ID,
		Issuer:  claims.Issuer,
	}
	if claims.IssuedAt != nil {
		info.IssuedAt = claims.IssuedAt.Time.UTC()
	}
	if claims.ExpiresAt != nil {
		expiresAt := claims.ExpiresAt.Time.UTC()
		info.ExpiresAt = &expiresAt
	}
	return info, nil
}

func (a *TokenAuthority) keyFunc(*jwt.Token) (interface{}, error) {
	return a.keys.Public, nil
}

// VerifyToken returns the holder of token when it is well signed and still live
func (a *TokenAuthority) VerifyToken(ctx context.Context, token string, kind domain.TokenKind) (string, error) {
	if !kind.Valid() {
		return "", domain.E(domain.KindUnauthenticated, "VerifyToken", errWrongKind)
	}

	claims, err := a.parse("VerifyToken", token, kind)
	if err != nil {
		return "", err
	}

	live, err := a.store.TokenExists(ctx, claims.ID, claims.Subject, kind)
	if err != nil {
		return "", fmt.Errorf("failed to check token %s: %w", claims.ID, err)
	}
	if !live {
		return "", domain.E(domain.KindUnauthenticated, "VerifyToken", errTokenRevoked)
	}
	return claims.Subject, nil
}

// RevokeToken deletes the store record behind token. It reports whether a
// record was actually removed; revoking twice yields true then false.
func (a *TokenAuthority) RevokeToken(ctx context.Context, token string, kind domain.TokenKind) (bool, error) {
	if !kind.Valid() {
		return false, domain.E(domain.KindUnauthenticated, "RevokeToken", errWrongKind)
	}

	claims, err := a.parse("RevokeToken", token, kind)
	if err != nil {
		return false, err
	}

	deleted, err := a.store.DeleteToken(ctx, claims.ID, claims.Subject, kind)
	if err != nil {
		return false, fmt.Errorf("failed to revoke token %s: %w", claims.ID, err)
	}

	a.logger.Info("Token revoked", map[string]interface{}{
		"user_id": claims.Subject,
		"kind":    kind,
		"jti":     claims.ID,
		"deleted": deleted,
	})
	return deleted, nil
}

// RevokeAll deletes every credential of userID regardless of kind
func (a *TokenAuthority) RevokeAll(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, domain.E(domain.KindInvalid, "RevokeAll", errors.New("user id is required"))
	}

	count, err := a.store.DeleteAllTokens(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke tokens of %s: %w", userID, err)
	}

	a.logger.Info("All tokens revoked", map[string]interface{}{
		"user_id": userID,
		"count":   count,
	})
	return count, nil
}

// ListTokens returns the live credentials of userID, oldest first
func (a *TokenAuthority) ListTokens(ctx context.Context, userID string) ([]domain.TokenRecord, error) {
	if userID == "" {
		return nil, domain.E(domain.KindInvalid, "ListTokens", errors.New("user id is required"))
	}

	records, err := a.store.ListTokens(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens of %s: %w", userID, err)
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

// IssueMirrorHandshake signs a short lived assertion binding localURL and
// remoteURL to a fresh id. Nothing is persisted.
func (a *TokenAuthority) IssueMirrorHandshake(localURL, remoteURL string) (*domain.MirrorHandshake, error) {
	if localURL == "" || remoteURL == "" {
		return nil, domain.E(domain.KindInvalid, "IssueMirrorHandshake", errors.New("both urls are required"))
	}

	now := a.now()
	id := uuid.NewString()
	expiresAt := now.Add(a.config.MirrorTTL)

	claims := mirrorClaims{
		Kind:   kindMirrorHandshake,
		Local:  localURL,
		Remote: remoteURL,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.config.Issuer,
			ID:        id,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(a.keys.Method, claims).SignedString(a.keys.Private)
	if err != nil {
		return nil, fmt.Errorf("failed to sign mirror handshake: %w", err)
	}

	return &domain.MirrorHandshake{Token: signed, ID: id, ExpiresAt: expiresAt}, nil
}

// VerifyMirrorHandshake checks a remote answer against the handshake issued
// for id. Every field must match exactly.
func (a *TokenAuthority) VerifyMirrorHandshake(response domain.MirrorResponse, id, localURL, remoteURL string) bool {
	if response.Confirmation != domain.MirrorConfirmation {
		return false
	}
	if len(response.Token) > MaxTokenSize || response.Token == "" {
		return false
	}

	claims := &mirrorClaims{}
	if _, err := a.parser.ParseWithClaims(response.Token, claims, a.keyFunc); err != nil {
		a.logger.Debug("Mirror handshake rejected", map[string]interface{}{
			"id":    id,
			"error": err.Error(),
		})
		return false
	}

	return claims.Kind == kindMirrorHandshake &&
		claims.ExpiresAt != nil &&
		claims.ID == id &&
		claims.Local == localURL &&
		claims.Remote == remoteURL
}
