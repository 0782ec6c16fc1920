package plugin

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/relayhq/relay/internal/config"
)

type authClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *authClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *authClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTokenServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at-123","refresh_token":"rt-456","token_type":"Bearer","expires_in":3600}`))
	}))
}

func newFlow(t *testing.T, clock *authClock, tokenURL string) *AuthFlow {
	t.Helper()
	return NewAuthFlow("calendar", &config.PluginOAuthConfig{
		ClientID:    "client-1",
		AuthURL:     "https://auth.example.com/authorize",
		TokenURL:    tokenURL,
		RedirectURL: "http://127.0.0.1/callback",
		Scopes:      []string{"calendar.read"},
	}, WithAuthNow(clock.Now))
}

func TestBeginProducesAuthorizationURL(t *testing.T) {
	clock := &authClock{now: time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)}
	flow := newFlow(t, clock, "https://auth.example.com/token")

	url, err := flow.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if flow.Phase() != AuthAuthorizationPending {
		t.Errorf("phase = %s, want authorization_pending", flow.Phase())
	}
	for _, want := range []string{"code_challenge=", "code_challenge_method=S256", "state=", "client_id=client-1"} {
		if !strings.Contains(url, want) {
			t.Errorf("auth url %q missing %q", url, want)
		}
	}
}

func TestExchangeInsideWindowSucceeds(t *testing.T) {
	clock := &authClock{now: time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)}
	srv := newTokenServer(t, http.StatusOK)
	defer srv.Close()

	flow := newFlow(t, clock, srv.URL)
	if _, err := flow.Begin(context.Background()); err != nil {
		t.Fatalf("begin: %v", err)
	}

	clock.Advance(29 * time.Minute)
	if err := flow.Exchange(context.Background(), "auth-code"); err != nil {
		t.Fatalf("exchange at minute 29: %v", err)
	}
	if flow.Phase() != AuthAuthorized {
		t.Errorf("phase = %s, want authorized", flow.Phase())
	}

	token, err := flow.Token(context.Background())
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if token != "at-123" {
		t.Errorf("token = %q", token)
	}
	flow.Reset()
}

func TestExchangeAfterWindowExpiresAndResets(t *testing.T) {
	clock := &authClock{now: time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)}
	srv := newTokenServer(t, http.StatusOK)
	defer srv.Close()

	flow := newFlow(t, clock, srv.URL)
	if _, err := flow.Begin(context.Background()); err != nil {
		t.Fatalf("begin: %v", err)
	}

	clock.Advance(31 * time.Minute)
	err := flow.Exchange(context.Background(), "auth-code")
	if !errors.Is(err, ErrOAuthExpired) {
		t.Fatalf("err = %v, want ErrOAuthExpired", err)
	}
	if flow.Phase() != AuthDiscover {
		t.Errorf("phase = %s, want reset to discover", flow.Phase())
	}

	// The flow can begin again from scratch.
	if _, err := flow.Begin(context.Background()); err != nil {
		t.Fatalf("begin after reset: %v", err)
	}
}

func TestExchangeFailureStaysPending(t *testing.T) {
	clock := &authClock{now: time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)}
	srv := newTokenServer(t, http.StatusBadRequest)
	defer srv.Close()

	flow := newFlow(t, clock, srv.URL)
	if _, err := flow.Begin(context.Background()); err != nil {
		t.Fatalf("begin: %v", err)
	}

	err := flow.Exchange(context.Background(), "bad-code")
	if !errors.Is(err, ErrOAuthExchange) {
		t.Fatalf("err = %v, want ErrOAuthExchange", err)
	}
	if flow.Phase() != AuthAuthorizationPending {
		t.Errorf("phase = %s, want authorization_pending for retry", flow.Phase())
	}
}

func TestExchangeRequiresPendingPhase(t *testing.T) {
	clock := &authClock{now: time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)}
	flow := newFlow(t, clock, "https://auth.example.com/token")

	if err := flow.Exchange(context.Background(), "code"); err == nil {
		t.Fatal("exchange before begin should fail")
	}
}

func TestDiscoveryFillsEndpoints(t *testing.T) {
	clock := &authClock{now: time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)}
	meta := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"authorization_endpoint":"https://idp.example.com/auth","token_endpoint":"https://idp.example.com/token"}`))
	}))
	defer meta.Close()

	flow := NewAuthFlow("calendar", &config.PluginOAuthConfig{
		ClientID:     "client-1",
		DiscoveryURL: meta.URL,
		RedirectURL:  "http://127.0.0.1/callback",
	}, WithAuthNow(clock.Now))

	url, err := flow.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if !strings.HasPrefix(url, "https://idp.example.com/auth") {
		t.Errorf("auth url = %q, want discovered endpoint", url)
	}
}
