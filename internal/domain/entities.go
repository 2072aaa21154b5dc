package domain

import "time"

// TokenKind identifies the trust domain a credential belongs to
type TokenKind string

const (
	KindAPI    TokenKind = "api"
	KindWeb    TokenKind = "web"
	KindMirror TokenKind = "mirror"
)

// Valid reports whether the kind is one of the persisted credential kinds
func (k TokenKind) Valid() bool {
	switch k {
	case KindAPI, KindWeb, KindMirror:
		return true
	}
	return false
}

// TokenRecord is what the credential store keeps for an issued token.
// The signed value itself is never stored.
type TokenRecord struct {
	JTI       string     `json:"jti"`
	UserID    string     `json:"userId"`
	Kind      TokenKind  `json:"kind"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// MirrorHandshake is the short lived assertion handed to a remote instance
type MirrorHandshake struct {
	Token     string    `json:"token"`
	ID        string    `json:"id"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// MirrorResponse is what the remote instance echoes back to prove control
type MirrorResponse struct {
	Token        string `json:"token"`
	Confirmation string `json:"confirmation"`
}

// MirrorConfirmation is the fixed string a remote instance must answer with
const MirrorConfirmation = "mirror-handshake-confirmed"

// Identity is the authenticated caller attached to a request
type Identity struct {
	UserID  string    `json:"userId"`
	Kind    TokenKind `json:"kind"`
	IsAdmin bool      `json:"isAdmin"`
}

// AccessLevel is the closed set of authorization requirements a handler can ask for
type AccessLevel int

const (
	AnyUser AccessLevel = iota
	AdminOnly
	OwnerOnly
)

func (l AccessLevel) String() string {
	switch l {
	case AnyUser:
		return "any_user"
	case AdminOnly:
		return "admin_only"
	case OwnerOnly:
		return "owner_only"
	default:
		return "unknown"
	}
}

// User is the slice of the account document this core needs
type User struct {
	ID           string    `json:"id"`
	LoginID      string    `json:"loginId"`
	PasswordHash string    `json:"-"`
	IsAdmin      bool      `json:"isAdmin"`
	CreatedAt    time.Time `json:"createdAt"`
}

// AbuseStatus is the per-identity record kept by the abuse tracker
type AbuseStatus struct {
	Identity    string     `json:"identity"`
	Count       int        `json:"count"`
	WindowEnds  *time.Time `json:"windowEnds,omitempty"`
	BannedUntil *time.Time `json:"bannedUntil,omitempty"`
	BanHistory  int        `json:"banHistory"`
	IsBanned    bool       `json:"isBanned"`
}

// AbusePolicy is the static admission policy handed to the storage on every hit
type AbusePolicy struct {
	Threshold int
	Window    time.Duration
	BanTiers  []time.Duration
}

// TierDuration returns the ban duration for an identity banned history times before
func (p AbusePolicy) TierDuration(history int) time.Duration {
	if len(p.BanTiers) == 0 {
		return 0
	}
	if history < 0 {
		history = 0
	}
	if history >= len(p.BanTiers) {
		history = len(p.BanTiers) - 1
	}
	return p.BanTiers[history]
}

// HitResult is the outcome of one atomic increment-then-compare on the storage
type HitResult struct {
	Count       int
	Banned      bool
	NewlyBanned bool
	BannedUntil time.Time
	BanDuration time.Duration
	History     int
}

// Admission is the answer to Admit
type Admission struct {
	Allowed    bool          `json:"allowed"`
	RetryAfter time.Duration `json:"-"`
	Tier       int           `json:"-"`
}

// Severity is how the fault classifier rates a handler failure
type Severity int

const (
	SeverityExpected Severity = iota
	SeverityInternal
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityExpected:
		return "expected"
	case SeverityInternal:
		return "internal"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// EndpointHealth is a snapshot of one endpoint's breaker state
type EndpointHealth struct {
	Endpoint  string     `json:"endpoint"`
	Faults    int        `json:"faults"`
	Enabled   bool       `json:"enabled"`
	LastFault *time.Time `json:"lastFault,omitempty"`
}

// GuardConfig groups the policy knobs loaded at startup
type GuardConfig struct {
	Abuse          AbusePolicy
	FaultThreshold int
}
