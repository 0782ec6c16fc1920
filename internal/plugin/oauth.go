package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/relayhq/relay/internal/config"
)

// AuthPhase is a plugin server's position in its authorization flow.
type AuthPhase string

const (
	AuthDiscover             AuthPhase = "discover"
	AuthRegister             AuthPhase = "register"
	AuthAuthorizationPending AuthPhase = "authorization_pending"
	AuthExchanging           AuthPhase = "exchanging"
	AuthAuthorized           AuthPhase = "authorized"
)

// exchangeWindow is how long an authorization stays exchangeable after
// the operator is handed the URL.
const exchangeWindow = 30 * time.Minute

// refreshLead is how far before token expiry the refresher runs.
const refreshLead = 5 * time.Minute

// AuthFlow drives one server's OAuth authorization: endpoint discovery,
// client setup, the operator-driven authorize/exchange round trip with a
// PKCE verifier, and background token refresh once authorized.
type AuthFlow struct {
	server     string
	cfg        *config.PluginOAuthConfig
	logger     *slog.Logger
	nowFunc    func() time.Time
	httpClient *http.Client
	onFailure  func()

	mu          sync.Mutex
	phase       AuthPhase
	oauthCfg    *oauth2.Config
	verifier    string
	state       string
	windowStart time.Time
	token       *oauth2.Token
	stopRefresh context.CancelFunc
}

// AuthOption configures an AuthFlow.
type AuthOption func(*AuthFlow)

// WithAuthNow overrides the clock for tests.
func WithAuthNow(now func() time.Time) AuthOption {
	return func(f *AuthFlow) {
		if now != nil {
			f.nowFunc = now
		}
	}
}

// WithAuthLogger sets the logger.
func WithAuthLogger(logger *slog.Logger) AuthOption {
	return func(f *AuthFlow) {
		if logger != nil {
			f.logger = logger.With("component", "plugin_auth")
		}
	}
}

// WithAuthHTTPClient sets the HTTP client used for discovery and token
// requests.
func WithAuthHTTPClient(client *http.Client) AuthOption {
	return func(f *AuthFlow) {
		if client != nil {
			f.httpClient = client
		}
	}
}

// WithRefreshFailure sets the callback fired when token refresh fails.
func WithRefreshFailure(fn func()) AuthOption {
	return func(f *AuthFlow) {
		f.onFailure = fn
	}
}

// NewAuthFlow creates a flow in the Discover phase.
func NewAuthFlow(server string, cfg *config.PluginOAuthConfig, opts ...AuthOption) *AuthFlow {
	f := &AuthFlow{
		server:     server,
		cfg:        cfg,
		logger:     slog.Default().With("component", "plugin_auth", "server", server),
		nowFunc:    time.Now,
		httpClient: http.DefaultClient,
		phase:      AuthDiscover,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Phase returns the current phase.
func (f *AuthFlow) Phase() AuthPhase {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.phase
}

// Begin runs discovery and client setup, then arms the exchange window
// and returns the authorization URL for the operator. Valid from Discover
// or from AuthorizationPending (restarting hands out a fresh URL and
// window).
func (f *AuthFlow) Begin(ctx context.Context) (string, error) {
	f.mu.Lock()
	phase := f.phase
	f.mu.Unlock()

	switch phase {
	case AuthDiscover, AuthAuthorizationPending:
	default:
		return "", fmt.Errorf("server %s: cannot begin authorization in phase %s", f.server, phase)
	}

	authURL, tokenURL := f.cfg.AuthURL, f.cfg.TokenURL
	if (authURL == "" || tokenURL == "") && f.cfg.DiscoveryURL != "" {
		var err error
		authURL, tokenURL, err = f.discover(ctx)
		if err != nil {
			return "", fmt.Errorf("discover endpoints: %w", err)
		}
	}
	if authURL == "" || tokenURL == "" {
		return "", fmt.Errorf("server %s: no authorization endpoints configured or discovered", f.server)
	}

	f.mu.Lock()
	f.phase = AuthRegister
	f.oauthCfg = &oauth2.Config{
		ClientID:     f.cfg.ClientID,
		ClientSecret: f.cfg.ClientSecret,
		RedirectURL:  f.cfg.RedirectURL,
		Scopes:       f.cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  authURL,
			TokenURL: tokenURL,
		},
	}
	f.verifier = oauth2.GenerateVerifier()
	f.state = uuid.New().String()
	f.windowStart = f.nowFunc()
	f.phase = AuthAuthorizationPending
	url := f.oauthCfg.AuthCodeURL(f.state,
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(f.verifier))
	f.mu.Unlock()

	f.logger.Info("authorization pending", "server", f.server)
	return url, nil
}

// Exchange trades the callback code for tokens. Outside the window the
// flow resets to Discover and ErrOAuthExpired is returned; a failed
// exchange inside the window stays pending so it can be retried.
func (f *AuthFlow) Exchange(ctx context.Context, code string) error {
	f.mu.Lock()
	if f.phase != AuthAuthorizationPending {
		phase := f.phase
		f.mu.Unlock()
		return fmt.Errorf("server %s: cannot exchange in phase %s", f.server, phase)
	}
	if f.nowFunc().Sub(f.windowStart) > exchangeWindow {
		f.reset()
		f.mu.Unlock()
		f.logger.Warn("authorization window expired", "server", f.server)
		return ErrOAuthExpired
	}
	f.phase = AuthExchanging
	cfg := f.oauthCfg
	verifier := f.verifier
	f.mu.Unlock()

	token, err := cfg.Exchange(f.withClient(ctx), code, oauth2.VerifierOption(verifier))

	f.mu.Lock()
	defer f.mu.Unlock()
	if err != nil {
		f.phase = AuthAuthorizationPending
		return fmt.Errorf("%w: %v", ErrOAuthExchange, err)
	}

	f.token = token
	f.phase = AuthAuthorized
	f.startRefreshLocked()
	f.logger.Info("authorized", "server", f.server)
	return nil
}

// Token returns the current access token, refreshing through the token
// source when needed.
func (f *AuthFlow) Token(ctx context.Context) (string, error) {
	f.mu.Lock()
	if f.phase != AuthAuthorized || f.token == nil {
		phase := f.phase
		f.mu.Unlock()
		return "", fmt.Errorf("server %s: not authorized (phase %s)", f.server, phase)
	}
	cfg := f.oauthCfg
	token := f.token
	f.mu.Unlock()

	fresh, err := cfg.TokenSource(f.withClient(ctx), token).Token()
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	f.token = fresh
	f.mu.Unlock()
	return fresh.AccessToken, nil
}

// Reset drops all progress back to Discover and stops the refresher.
func (f *AuthFlow) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reset()
}

func (f *AuthFlow) reset() {
	if f.stopRefresh != nil {
		f.stopRefresh()
		f.stopRefresh = nil
	}
	f.phase = AuthDiscover
	f.oauthCfg = nil
	f.verifier = ""
	f.state = ""
	f.windowStart = time.Time{}
	f.token = nil
}

// startRefreshLocked launches the background refresher. Caller holds mu.
func (f *AuthFlow) startRefreshLocked() {
	if f.stopRefresh != nil {
		f.stopRefresh()
	}
	ctx, cancel := context.WithCancel(context.Background())
	f.stopRefresh = cancel
	token := f.token
	go f.refreshLoop(ctx, token)
}

func (f *AuthFlow) refreshLoop(ctx context.Context, token *oauth2.Token) {
	for {
		wait := time.Hour
		if !token.Expiry.IsZero() {
			wait = time.Until(token.Expiry) - refreshLead
			if wait < time.Minute {
				wait = time.Minute
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		f.mu.Lock()
		cfg := f.oauthCfg
		current := f.token
		f.mu.Unlock()
		if cfg == nil || current == nil {
			return
		}

		fresh, err := cfg.TokenSource(f.withClient(ctx), current).Token()
		if err != nil {
			f.logger.Warn("token refresh failed", "server", f.server, "error", err)
			if f.onFailure != nil {
				f.onFailure()
			}
			continue
		}
		f.mu.Lock()
		f.token = fresh
		f.mu.Unlock()
		token = fresh
	}
}

func (f *AuthFlow) withClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, f.httpClient)
}

// discover fetches the authorization server metadata document.
func (f *AuthFlow) discover(ctx context.Context) (authURL, tokenURL string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.DiscoveryURL, nil)
	if err != nil {
		return "", "", err
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("discovery returned %d", resp.StatusCode)
	}

	var doc struct {
		AuthorizationEndpoint string `json:"authorization_endpoint"`
		TokenEndpoint         string `json:"token_endpoint"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", "", fmt.Errorf("decode discovery document: %w", err)
	}
	return doc.AuthorizationEndpoint, doc.TokenEndpoint, nil
}
