package server

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Issuer is set on every viewer token this agent signs
const Issuer = "schedules-runner"

var (
	// ErrNoCredentials means the request carried no bearer token
	ErrNoCredentials = errors.New("missing authentication token")
	// ErrBadCredentials means the token is neither the agent token nor a valid viewer token
	ErrBadCredentials = errors.New("invalid authentication token")
)

// Role is what a principal may do on the status API
type Role string

const (
	// RoleAgent holds the agent token and may mint viewer tokens
	RoleAgent Role = "agent"
	// RoleViewer holds a short-lived token and may only read
	RoleViewer Role = "viewer"
)

// Principal is the caller behind an authenticated request
type Principal struct {
	Role Role
	// ID is "agent" for the agent token, the token id for viewers
	ID        string
	ExpiresAt time.Time
}

// Key identifies the principal for rate limiting
func (p Principal) Key() string {
	return string(p.Role) + ":" + p.ID
}

// ViewerClaims are carried by tokens minted through POST /api/token
type ViewerClaims struct {
	jwt.RegisteredClaims
	Role Role `json:"role"`
}

// Authenticator checks status API credentials. The agent token doubles as
// the HMAC key for viewer tokens, so rotating it revokes them all.
type Authenticator struct {
	agentToken []byte
	now        func() time.Time
}

// NewAuthenticator creates an authenticator for agentToken
func NewAuthenticator(agentToken string) *Authenticator {
	return &Authenticator{
		agentToken: []byte(agentToken),
		now:        time.Now,
	}
}

// IsAgentToken reports whether token is the agent's own token
func (a *Authenticator) IsAgentToken(token string) bool {
	if token == "" || len(a.agentToken) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), a.agentToken) == 1
}

// IssueViewerToken signs a read-only token valid for ttl
func (a *Authenticator) IssueViewerToken(ttl time.Duration) (string, time.Time, error) {
	now := a.now()
	expires := now.Add(ttl)
	claims := ViewerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		Role: RoleViewer,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.agentToken)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign viewer token: %w", err)
	}
	return signed, expires, nil
}

// Authenticate resolves token to a principal
func (a *Authenticator) Authenticate(token string) (Principal, error) {
	if token == "" {
		return Principal{}, ErrNoCredentials
	}
	if a.IsAgentToken(token) {
		return Principal{Role: RoleAgent, ID: "agent"}, nil
	}

	claims := &ViewerClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.agentToken, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %w", ErrBadCredentials, err)
	}
	if claims.Role != RoleViewer || claims.ID == "" {
		return Principal{}, ErrBadCredentials
	}
	return Principal{Role: RoleViewer, ID: claims.ID, ExpiresAt: claims.ExpiresAt.Time}, nil
}

// bearerToken reads "Authorization: Bearer <token>". allowQuery also accepts
// ?token= for event streams, which browsers open without custom headers.
func bearerToken(r *http.Request, allowQuery bool) string {
	if header := r.Header.Get("Authorization"); header != "" {
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			return ""
		}
		return strings.TrimSpace(token)
	}
	if allowQuery {
		return r.URL.Query().Get("token")
	}
	return ""
}
