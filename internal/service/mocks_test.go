package service

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"auth-guard/internal/domain"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockCredentialStore is a testify mock of domain.CredentialStore
type MockCredentialStore struct {
	mock.Mock
}

func (m *MockCredentialStore) PutToken(ctx context.Context, jti, userID string, kind domain.TokenKind, ttl time.Duration) error {
	args := m.Called(ctx, jti, userID, kind, ttl)
	return args.Error(0)
}

func (m *MockCredentialStore) TokenExists(ctx context.Context, jti, userID string, kind domain.TokenKind) (bool, error) {
	args := m.Called(ctx, jti, userID, kind)
	return args.Bool(0), args.Error(1)
}

func (m *MockCredentialStore) DeleteToken(ctx context.Context, jti, userID string, kind domain.TokenKind) (bool, error) {
	args := m.Called(ctx, jti, userID, kind)
	return args.Bool(0), args.Error(1)
}

func (m *MockCredentialStore) DeleteAllTokens(ctx context.Context, userID string) (int, error) {
	args := m.Called(ctx, userID)
	return args.Int(0), args.Error(1)
}

func (m *MockCredentialStore) ListTokens(ctx context.Context, userID string) ([]domain.TokenRecord, error) {
	args := m.Called(ctx, userID)
	records, _ := args.Get(0).([]domain.TokenRecord)
	return records, args.Error(1)
}

func (m *MockCredentialStore) Health(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockCredentialStore) Close() error {
	args := m.Called()
	return args.Error(0)
}

// MockAbuseStorage is a testify mock of domain.AbuseStorage
type MockAbuseStorage struct {
	mock.Mock
}

func (m *MockAbuseStorage) Hit(ctx context.Context, key string, policy domain.AbusePolicy, now time.Time) (*domain.HitResult, error) {
	args := m.Called(ctx, key, policy, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.HitResult), args.Error(1)
}

func (m *MockAbuseStorage) Get(ctx context.Context, key string, now time.Time) (*domain.AbuseStatus, error) {
	args := m.Called(ctx, key, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.AbuseStatus), args.Error(1)
}

func (m *MockAbuseStorage) Ban(ctx context.Context, key string, policy domain.AbusePolicy, now time.Time) (*domain.HitResult, error) {
	args := m.Called(ctx, key, policy, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.HitResult), args.Error(1)
}

func (m *MockAbuseStorage) Reset(ctx context.Context, key string) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

func (m *MockAbuseStorage) Health(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockAbuseStorage) Close() error {
	args := m.Called()
	return args.Error(0)
}

// MockDeletionTrigger is a testify mock of domain.DeletionTrigger
type MockDeletionTrigger struct {
	mock.Mock
}

func (m *MockDeletionTrigger) Trigger(ctx context.Context, userID string) error {
	args := m.Called(ctx, userID)
	return args.Error(0)
}

// MockLogger is a testify mock of domain.Logger
type MockLogger struct {
	mock.Mock
}

func (m *MockLogger) Debug(msg string, fields map[string]interface{}) {
	m.Called(msg, fields)
}

func (m *MockLogger) Info(msg string, fields map[string]interface{}) {
	m.Called(msg, fields)
}

func (m *MockLogger) Warn(msg string, fields map[string]interface{}) {
	m.Called(msg, fields)
}

func (m *MockLogger) Error(msg string, err error, fields map[string]interface{}) {
	m.Called(msg, err, fields)
}

func (m *MockLogger) WithContext(ctx context.Context) domain.Logger {
	args := m.Called(ctx)
	return args.Get(0).(domain.Logger)
}

// permissiveLogger accepts any log call
func permissiveLogger() *MockLogger {
	l := new(MockLogger)
	l.On("Debug", mock.Anything, mock.Anything).Maybe()
	l.On("Info", mock.Anything, mock.Anything).Maybe()
	l.On("Warn", mock.Anything, mock.Anything).Maybe()
	l.On("Error", mock.Anything, mock.Anything, mock.Anything).Maybe()
	return l
}

func newEd25519Keys(t *testing.T) *SigningKeys {
	t.Helper()
	privatePEM, publicPEM, err := GenerateEd25519PEM()
	require.NoError(t, err)
	keys, err := ParseSigningKeys("EdDSA", privatePEM, publicPEM)
	require.NoError(t, err)
	return keys
}

func rsaPEM(t *testing.T) ([]byte, []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	publicDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}),
		pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicDER})
}

func ecdsaPEM(t *testing.T) ([]byte, []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	privateDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	publicDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privateDER}),
		pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicDER})
}

// fakeClock is a settable time source
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}
