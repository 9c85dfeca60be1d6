// Package auth provides the session capability consumed by the upload
// schedulers: who the user is, whether the session is usable, and what to do
// when the remote side rejects the credentials.
//
// Tokens are parsed without signature verification. The remote store is the
// party that verifies them; the client only needs the subject and expiry.
package auth

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/daysync/daysync/internal/clock"
	"github.com/daysync/daysync/internal/transport"
)

// ErrNoSubject is returned for tokens without a "sub" claim.
var ErrNoSubject = errors.New("token has no subject")

// Token is a bearer-token session. It satisfies transport.TokenSource and the
// scheduler's Auth interface.
type Token struct {
	clock  clock.Clock
	logger *log.Logger

	mu      sync.Mutex
	raw     string
	userID  string
	expires time.Time
	invalid bool
	nextID  uint64
	hooks   map[uint64]func()
}

// NewToken creates a signed-out session.
func NewToken(c clock.Clock, logger *log.Logger) *Token {
	if c == nil {
		c = clock.Real()
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[auth] ", log.LstdFlags)
	}
	return &Token{
		clock:  c,
		logger: logger,
		hooks:  make(map[uint64]func()),
	}
}

// ParseClaims extracts the subject and expiry of a JWT without verifying
// its signature. A zero expiry means the token does not expire.
func ParseClaims(raw string) (subject string, expires time.Time, err error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return "", time.Time{}, fmt.Errorf("failed to parse token: %w", err)
	}
	if claims.Subject == "" {
		return "", time.Time{}, ErrNoSubject
	}
	if claims.ExpiresAt != nil {
		expires = claims.ExpiresAt.Time
	}
	return claims.Subject, expires, nil
}

// SetToken installs a new token. If the previous session had failed or was
// signed out, the re-authentication hooks run after the swap.
func (t *Token) SetToken(raw string) error {
	sub, exp, err := ParseClaims(raw)
	if err != nil {
		return err
	}

	t.mu.Lock()
	wasUsable := t.usableLocked()
	t.raw = raw
	t.userID = sub
	t.expires = exp
	t.invalid = false
	hooks := make([]func(), 0, len(t.hooks))
	for _, fn := range t.hooks {
		hooks = append(hooks, fn)
	}
	t.mu.Unlock()

	if !wasUsable {
		t.logger.Printf("Session restored for %s", sub)
		for _, fn := range hooks {
			t.runHook(fn)
		}
	}
	return nil
}

// Clear signs out.
func (t *Token) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.raw = ""
	t.userID = ""
	t.expires = time.Time{}
	t.invalid = false
}

// Token returns the raw bearer token, or "" when the session is unusable.
func (t *Token) Token() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.usableLocked() {
		return ""
	}
	return t.raw
}

// IsAuthenticated reports whether a non-expired, non-rejected token is set.
func (t *Token) IsAuthenticated() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usableLocked()
}

// UserID returns the token subject, or "" when signed out.
func (t *Token) UserID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.userID
}

// ExpiresAt returns the token expiry; zero when unknown or signed out.
func (t *Token) ExpiresAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expires
}

// IsAuthError reports whether err is an authentication failure.
func (t *Token) IsAuthError(err error) bool {
	return transport.IsAuthError(err)
}

// HandleAuthFailure marks the token rejected until the next SetToken.
func (t *Token) HandleAuthFailure(err error) {
	t.mu.Lock()
	already := t.invalid
	t.invalid = true
	user := t.userID
	t.mu.Unlock()

	if !already {
		t.logger.Printf("Session for %s rejected by remote, re-authentication required: %v", user, err)
	}
}

// OnReauthenticated registers fn to run after a token replaces an unusable
// session. The returned function unregisters it.
func (t *Token) OnReauthenticated(fn func()) (unsubscribe func()) {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.hooks[id] = fn
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.hooks, id)
			t.mu.Unlock()
		})
	}
}

func (t *Token) usableLocked() bool {
	if t.raw == "" || t.invalid {
		return false
	}
	return t.expires.IsZero() || t.clock.Now().Before(t.expires)
}

func (t *Token) runHook(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Printf("Re-authentication hook panicked: %v", r)
		}
	}()
	fn()
}

// Static is a session that is always signed in as a fixed user. It serves
// deployments where the transport carries its own credentials, such as a
// direct database connection.
type Static struct {
	User string
}

// IsAuthenticated always reports true.
func (Static) IsAuthenticated() bool { return true }

// UserID returns the fixed user.
func (s Static) UserID() string { return s.User }

// IsAuthError reports whether err is an authentication failure.
func (Static) IsAuthError(err error) bool { return transport.IsAuthError(err) }

// HandleAuthFailure is a no-op; a static session cannot be refreshed.
func (Static) HandleAuthFailure(error) {}

// OnReauthenticated never fires for a static session.
func (Static) OnReauthenticated(func()) func() { return func() {} }
