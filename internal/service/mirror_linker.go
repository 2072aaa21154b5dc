package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"auth-guard/internal/domain"
	"auth-guard/internal/logger"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
)

// MirrorChallengePath is where an instance answers mirror handshakes
const MirrorChallengePath = "/api/mirror/challenge"

const maxChallengeResponse = 16 * 1024

var errHandshakeRejected = errors.New("mirror handshake verification failed")

// MirrorChallenge is the body posted to the remote instance
type MirrorChallenge struct {
	Token  string `json:"token"`
	ID     string `json:"id"`
	Local  string `json:"local"`
	Remote string `json:"remote"`
}

// MirrorLink is the outcome of a successful link negotiation
type MirrorLink struct {
	RemoteURL string    `json:"remoteUrl"`
	Token     string    `json:"token"`
	LinkedAt  time.Time `json:"linkedAt"`
}

// MirrorLinker negotiates a mirror link with a remote instance: it sends a
// signed handshake, checks the echoed answer and issues a mirror credential.
type MirrorLinker struct {
	authority *TokenAuthority
	localURL  string
	client    *retryablehttp.Client
	logger    domain.Logger
}

// NewMirrorLinker creates a linker announcing itself as localURL
func NewMirrorLinker(authority *TokenAuthority, localURL string, logger domain.Logger) *MirrorLinker {
	httpClient := cleanhttp.DefaultPooledClient()
	httpClient.Timeout = 10 * time.Second

	return &MirrorLinker{
		authority: authority,
		localURL:  strings.TrimRight(localURL, "/"),
		client: &retryablehttp.Client{
			HTTPClient:   httpClient,
			RetryWaitMin: 200 * time.Millisecond,
			RetryWaitMax: 2 * time.Second,
			RetryMax:     2,
			Backoff:      retryablehttp.RateLimitLinearJitterBackoff,
			CheckRetry:   retryablehttp.DefaultRetryPolicy,
			ErrorHandler: retryablehttp.PassthroughErrorHandler,
			Logger:       leveledLogger{logger: logger},
		},
		logger: logger,
	}
}

// Link performs the handshake with remoteURL on behalf of userID
func (m *MirrorLinker) Link(ctx context.Context, userID, remoteURL string) (*MirrorLink, error) {
	remoteURL = strings.TrimRight(remoteURL, "/")
	parsed, err := url.Parse(remoteURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, domain.E(domain.KindInvalid, "Link", fmt.Errorf("invalid remote url %q", remoteURL))
	}
	if remoteURL == m.localURL {
		return nil, domain.E(domain.KindInvalid, "Link", errors.New("cannot link an instance to itself"))
	}

	handshake, err := m.authority.IssueMirrorHandshake(m.localURL, remoteURL)
	if err != nil {
		return nil, err
	}

	response, err := m.challenge(ctx, remoteURL, MirrorChallenge{
		Token:  handshake.Token,
		ID:     handshake.ID,
		Local:  m.localURL,
		Remote: remoteURL,
	})
	if err != nil {
		return nil, err
	}

	if !m.authority.VerifyMirrorHandshake(*response, handshake.ID, m.localURL, remoteURL) {
		m.logger.Warn("Mirror handshake rejected", map[string]interface{}{
			"remote_url": remoteURL,
			"id":         handshake.ID,
		})
		return nil, domain.E(domain.KindForbidden, "Link", errHandshakeRejected)
	}

	token, err := m.authority.IssueMirrorToken(ctx, userID)
	if err != nil {
		return nil, err
	}

	m.logger.Info("Mirror linked", map[string]interface{}{
		"remote_url": remoteURL,
		"user_id":    userID,
	})
	return &MirrorLink{RemoteURL: remoteURL, Token: token, LinkedAt: time.Now().UTC()}, nil
}

func (m *MirrorLinker) challenge(ctx context.Context, remoteURL string, body MirrorChallenge) (*domain.MirrorResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode mirror challenge: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, remoteURL+MirrorChallengePath, bytes.NewReader(payload))
	if err != nil {
		return nil, domain.E(domain.KindInvalid, "Link", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if requestID := logger.GetRequestID(ctx); requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, domain.E(domain.KindInvalid, "Link", fmt.Errorf("remote instance unreachable: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, domain.E(domain.KindInvalid, "Link", fmt.Errorf("remote instance answered %d", resp.StatusCode))
	}

	var answer domain.MirrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxChallengeResponse)).Decode(&answer); err != nil {
		return nil, domain.E(domain.KindInvalid, "Link", fmt.Errorf("malformed mirror answer: %w", err))
	}
	return &answer, nil
}

// AnswerChallenge is the remote side of a handshake: it echoes the assertion
// with the fixed confirmation string
func AnswerChallenge(challenge MirrorChallenge) (*domain.MirrorResponse, error) {
	if challenge.Token == "" || len(challenge.Token) > MaxTokenSize {
		return nil, domain.E(domain.KindInvalid, "AnswerChallenge", errTokenMalformed)
	}
	return &domain.MirrorResponse{
		Token:        challenge.Token,
		Confirmation: domain.MirrorConfirmation,
	}, nil
}

// leveledLogger adapts domain.Logger to retryablehttp.LeveledLogger
type leveledLogger struct {
	logger domain.Logger
}

func keyValues(kv []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return fields
}

func (l leveledLogger) Error(msg string, kv ...interface{}) {
	l.logger.Error(msg, nil, keyValues(kv))
}

func (l leveledLogger) Info(msg string, kv ...interface{}) {
	l.logger.Info(msg, keyValues(kv))
}

func (l leveledLogger) Debug(msg string, kv ...interface{}) {
	l.logger.Debug(msg, keyValues(kv))
}

func (l leveledLogger) Warn(msg string, kv ...interface{}) {
	l.logger.Warn(msg, keyValues(kv))
}
