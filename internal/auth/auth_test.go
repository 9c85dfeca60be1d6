package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/daysync/daysync/internal/clock"
	"github.com/daysync/daysync/internal/transport"
)

var epoch = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

func signed(t *testing.T, sub string, exp time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{Subject: sub}
	if !exp.IsZero() {
		claims.ExpiresAt = jwt.NewNumericDate(exp)
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("SignedString failed: %v", err)
	}
	return raw
}

func TestParseClaims(t *testing.T) {
	exp := epoch.Add(time.Hour)
	tests := []struct {
		name    string
		token   string
		wantSub string
		wantErr bool
	}{
		{"valid", signed(t, "user-1", exp), "user-1", false},
		{"no expiry", signed(t, "user-2", time.Time{}), "user-2", false},
		{"no subject", signed(t, "", exp), "", true},
		{"garbage", "not.a.token", "", true},
		{"empty", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub, _, err := ParseClaims(tt.token)
			if tt.wantErr {
				if err == nil {
					t.Error("ParseClaims() expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseClaims() error = %v", err)
			}
			if sub != tt.wantSub {
				t.Errorf("subject = %q, want %q", sub, tt.wantSub)
			}
		})
	}
}

func TestParseClaims_IgnoresSignature(t *testing.T) {
	// Expired and signed with an unknown key: still parsed.
	raw := signed(t, "user-1", epoch.Add(-time.Hour))
	sub, exp, err := ParseClaims(raw)
	if err != nil {
		t.Fatalf("ParseClaims() error = %v", err)
	}
	if sub != "user-1" || !exp.Equal(epoch.Add(-time.Hour)) {
		t.Errorf("got %q %v", sub, exp)
	}
	if !errors.Is(func() error { _, _, err := ParseClaims("x"); return err }(), jwt.ErrTokenMalformed) {
		t.Error("malformed token error does not wrap jwt.ErrTokenMalformed")
	}
}

func TestToken_Lifecycle(t *testing.T) {
	clk := clock.NewFake(epoch)
	tok := NewToken(clk, nil)

	if tok.IsAuthenticated() || tok.UserID() != "" || tok.Token() != "" {
		t.Fatal("new token is not signed out")
	}

	raw := signed(t, "user-1", epoch.Add(time.Hour))
	if err := tok.SetToken(raw); err != nil {
		t.Fatalf("SetToken failed: %v", err)
	}
	if !tok.IsAuthenticated() || tok.UserID() != "user-1" || tok.Token() != raw {
		t.Fatal("token not usable after SetToken")
	}

	clk.Advance(time.Hour)
	if tok.IsAuthenticated() {
		t.Error("token still usable after expiry")
	}
	if tok.UserID() != "user-1" {
		t.Error("expiry cleared the user id")
	}

	tok.Clear()
	if tok.UserID() != "" || tok.IsAuthenticated() {
		t.Error("Clear did not sign out")
	}
}

func TestToken_AuthFailureAndReauth(t *testing.T) {
	clk := clock.NewFake(epoch)
	tok := NewToken(clk, nil)

	calls := 0
	unsubscribe := tok.OnReauthenticated(func() { calls++ })

	if err := tok.SetToken(signed(t, "user-1", time.Time{})); err != nil {
		t.Fatalf("SetToken failed: %v", err)
	}
	if calls != 1 {
		t.Fatalf("hook ran %d times after first sign-in, want 1", calls)
	}

	// Refreshing a healthy session is not a re-authentication.
	if err := tok.SetToken(signed(t, "user-1", time.Time{})); err != nil {
		t.Fatalf("SetToken failed: %v", err)
	}
	if calls != 1 {
		t.Fatalf("hook ran on a healthy refresh")
	}

	err := &transport.HTTPError{StatusCode: 401, Message: "JWT expired"}
	if !tok.IsAuthError(err) {
		t.Fatal("IsAuthError(401) = false")
	}
	tok.HandleAuthFailure(err)
	if tok.IsAuthenticated() {
		t.Fatal("token usable after HandleAuthFailure")
	}

	if err := tok.SetToken(signed(t, "user-1", time.Time{})); err != nil {
		t.Fatalf("SetToken failed: %v", err)
	}
	if calls != 2 || !tok.IsAuthenticated() {
		t.Errorf("after re-auth: hook calls %d, authenticated %v", calls, tok.IsAuthenticated())
	}

	unsubscribe()
	unsubscribe()
	tok.HandleAuthFailure(err)
	_ = tok.SetToken(signed(t, "user-1", time.Time{}))
	if calls != 2 {
		t.Errorf("hook ran after unsubscribe")
	}
}

func TestToken_HookPanicRecovered(t *testing.T) {
	tok := NewToken(clock.NewFake(epoch), nil)
	tok.OnReauthenticated(func() { panic("boom") })
	ran := false
	tok.OnReauthenticated(func() { ran = true })

	if err := tok.SetToken(signed(t, "user-1", time.Time{})); err != nil {
		t.Fatalf("SetToken failed: %v", err)
	}
	if !ran {
		t.Error("panicking hook stopped the others")
	}
}

func TestToken_SetTokenRejectsInvalid(t *testing.T) {
	tok := NewToken(clock.NewFake(epoch), nil)
	if err := tok.SetToken("garbage"); err == nil {
		t.Error("SetToken(garbage) succeeded")
	}
	if tok.IsAuthenticated() {
		t.Error("invalid token made the session usable")
	}
}

func TestStatic(t *testing.T) {
	s := Static{User: "local"}
	if !s.IsAuthenticated() || s.UserID() != "local" {
		t.Errorf("Static = %+v", s)
	}
	if !s.IsAuthError(transport.Auth(errors.New("denied"))) {
		t.Error("Static.IsAuthError missed a classified error")
	}
}
