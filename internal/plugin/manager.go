package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/relayhq/relay/internal/backoff"
	"github.com/relayhq/relay/internal/config"
	"github.com/relayhq/relay/internal/hooks"
	"github.com/relayhq/relay/internal/tools"
)

// server is one managed plugin server.
type server struct {
	config   *ServerConfig
	client   *Client
	state    State
	lastErr  string
	restarts int
	auth     *AuthFlow

	// cancelMonitor stops the crash/health monitor for the current
	// client. Nil outside Running/Degraded.
	cancelMonitor context.CancelFunc
}

// Manager owns plugin server lifecycles and keeps the tool catalog in
// sync: tools register under the server's namespace when it reaches
// Running and unregister the moment it leaves.
type Manager struct {
	catalog *tools.Registry
	bus     *hooks.Registry
	logger  *slog.Logger

	mu      sync.RWMutex
	servers map[string]*server

	restartPolicy  backoff.Policy
	healthInterval time.Duration
	newTransport   func(*ServerConfig) Transport
	nowFunc        func() time.Time
	httpClient     *http.Client

	watcher  *Watcher
	wg       sync.WaitGroup
	done     chan struct{}
	doneOnce sync.Once
}

// ManagerOption configures the manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the logger.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger.With("component", "plugin")
		}
	}
}

// WithRestartPolicy sets the crash restart backoff.
func WithRestartPolicy(policy backoff.Policy) ManagerOption {
	return func(m *Manager) {
		m.restartPolicy = policy
	}
}

// WithHealthInterval sets the ping probe interval.
func WithHealthInterval(interval time.Duration) ManagerOption {
	return func(m *Manager) {
		if interval > 0 {
			m.healthInterval = interval
		}
	}
}

// WithTransportFactory overrides transport construction. Tests use it to
// plug in scripted transports.
func WithTransportFactory(factory func(*ServerConfig) Transport) ManagerOption {
	return func(m *Manager) {
		if factory != nil {
			m.newTransport = factory
		}
	}
}

// WithManagerHTTPClient overrides the client used for install-time
// reachability probes of http servers.
func WithManagerHTTPClient(client *http.Client) ManagerOption {
	return func(m *Manager) {
		if client != nil {
			m.httpClient = client
		}
	}
}

// WithManagerNow overrides the clock for tests.
func WithManagerNow(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.nowFunc = now
		}
	}
}

// NewManager creates a manager over a tool catalog and hook bus.
func NewManager(catalog *tools.Registry, bus *hooks.Registry, opts ...ManagerOption) *Manager {
	m := &Manager{
		catalog:        catalog,
		bus:            bus,
		logger:         slog.Default().With("component", "plugin"),
		servers:        make(map[string]*server),
		restartPolicy:  backoff.DefaultPolicy(),
		healthInterval: 30 * time.Second,
		newTransport:   NewTransport,
		nowFunc:        time.Now,
		httpClient:     &http.Client{Timeout: 5 * time.Second},
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.watcher = NewWatcher(m.logger, func(name string) {
		if err := m.Restart(context.Background(), name); err != nil {
			m.logger.Warn("hot reload restart failed", "server", name, "error", err)
		}
	})
	return m
}

// Install validates a server config, runs its install command when one is
// declared, and adds the server in Installed state.
func (m *Manager) Install(ctx context.Context, raw config.PluginServerConfig) error {
	cfg, err := FromConfig(raw)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if _, exists := m.servers[cfg.Name]; exists {
		m.mu.Unlock()
		return fmt.Errorf("server %s already installed", cfg.Name)
	}
	srv := &server{config: cfg, state: StateInstalling}
	m.servers[cfg.Name] = srv
	m.mu.Unlock()

	if cfg.InstallCmd != "" {
		if err := m.runInstall(ctx, cfg); err != nil {
			m.mu.Lock()
			delete(m.servers, cfg.Name)
			m.mu.Unlock()
			return fmt.Errorf("install %s: %w", cfg.Name, err)
		}
	}
	if cfg.Transport == TransportHTTP {
		if err := m.probeReachable(ctx, cfg); err != nil {
			m.mu.Lock()
			delete(m.servers, cfg.Name)
			m.mu.Unlock()
			return fmt.Errorf("install %s: %w", cfg.Name, err)
		}
	}
	if cfg.OAuth != nil {
		srv.auth = NewAuthFlow(cfg.Name, cfg.OAuth,
			WithAuthNow(m.nowFunc),
			WithAuthLogger(m.logger),
			WithRefreshFailure(func() { m.demote(context.Background(), cfg.Name, "token refresh failed") }),
		)
	}

	m.setState(ctx, cfg.Name, StateInstalled, "")
	m.logger.Info("installed plugin server", "server", cfg.Name, "transport", cfg.Transport)
	return nil
}

func (m *Manager) runInstall(ctx context.Context, cfg *ServerConfig) error {
	if containsShellMetachars(cfg.InstallCmd) {
		return fmt.Errorf("install command must not contain shell metacharacters")
	}
	parts := strings.Fields(cfg.InstallCmd)
	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...) // #nosec G204 -- command is validated above
	if cfg.WorkDir != "" {
		cmd.Dir = cfg.WorkDir
	}
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// probeReachable checks that an http server answers at all. Any HTTP
// status counts; only transport-level failures fail the install.
func (m *Manager) probeReachable(ctx context.Context, cfg *ServerConfig) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.URL, nil)
	if err != nil {
		return err
	}
	if cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.AuthToken)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("server unreachable: %w", err)
	}
	resp.Body.Close()
	return nil
}

// Uninstall stops the server if needed and removes it entirely.
func (m *Manager) Uninstall(ctx context.Context, name string) error {
	m.mu.RLock()
	srv, ok := m.servers[name]
	state := StateUninstalled
	if ok {
		state = srv.state
	}
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrServerNotFound, name)
	}

	if state == StateRunning || state == StateDegraded {
		if err := m.Stop(ctx, name); err != nil {
			return err
		}
	}

	m.mu.Lock()
	delete(m.servers, name)
	m.mu.Unlock()
	m.catalog.UnregisterNamespace(name)
	m.watcher.Unwatch(name)
	m.logger.Info("uninstalled plugin server", "server", name)
	return nil
}

// Start brings an Installed, Stopped, or Crashed server to Running.
func (m *Manager) Start(ctx context.Context, name string) error {
	m.mu.Lock()
	srv, ok := m.servers[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrServerNotFound, name)
	}
	switch srv.state {
	case StateInstalled, StateStopped, StateCrashed:
	default:
		state := srv.state
		m.mu.Unlock()
		return &StateError{Server: name, State: state, Op: "start"}
	}
	srv.state = StateStarting
	cfg := srv.config
	m.mu.Unlock()

	client := NewClient(cfg, m.newTransport(cfg))
	if err := client.Connect(ctx); err != nil {
		m.setState(ctx, name, StateCrashed, err.Error())
		return fmt.Errorf("start %s: %w", name, err)
	}

	if err := m.registerTools(name, client); err != nil {
		client.Close() //nolint:errcheck
		m.catalog.UnregisterNamespace(name)
		m.setState(ctx, name, StateCrashed, err.Error())
		return err
	}

	monitorCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	srv.client = client
	srv.restarts = 0
	srv.cancelMonitor = cancel
	m.mu.Unlock()

	m.setState(ctx, name, StateRunning, "")
	m.publish(ctx, hooks.EventPluginStarted, name, nil)

	m.wg.Add(1)
	go m.monitor(monitorCtx, name, client)

	if cfg.Watch {
		if err := m.watcher.Watch(name, cfg.WatchPath); err != nil {
			m.logger.Warn("watch failed", "server", name, "path", cfg.WatchPath, "error", err)
		}
	}
	return nil
}

// Stop brings a Running or Degraded server to Stopped and removes its
// tools from the catalog.
func (m *Manager) Stop(ctx context.Context, name string) error {
	m.mu.Lock()
	srv, ok := m.servers[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrServerNotFound, name)
	}
	if srv.state != StateRunning && srv.state != StateDegraded {
		state := srv.state
		m.mu.Unlock()
		return &StateError{Server: name, State: state, Op: "stop"}
	}
	client := srv.client
	cancel := srv.cancelMonitor
	srv.client = nil
	srv.cancelMonitor = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.catalog.UnregisterNamespace(name)
	if client != nil {
		client.Close() //nolint:errcheck
	}

	m.setState(ctx, name, StateStopped, "")
	m.publish(ctx, hooks.EventPluginStopped, name, nil)
	return nil
}

// Restart stops and starts a server. Used by hot reload.
func (m *Manager) Restart(ctx context.Context, name string) error {
	state, err := m.Status(name)
	if err != nil {
		return err
	}
	if state == StateRunning || state == StateDegraded {
		if err := m.Stop(ctx, name); err != nil {
			return err
		}
	}
	return m.Start(ctx, name)
}

// StartAll starts every auto-start server concurrently. The first error is
// returned but all starts are attempted.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	var names []string
	for name, srv := range m.servers {
		if srv.config.AutoStart && srv.state == StateInstalled {
			names = append(names, name)
		}
	}
	m.mu.RUnlock()
	sort.Strings(names)

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		name := name
		g.Go(func() error {
			if err := m.Start(gctx, name); err != nil {
				m.logger.Error("auto-start failed", "server", name, "error", err)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// StopAll stops every running server and the watcher. Pending crash
// restarts are abandoned so their backoff sleeps cannot hold up shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	m.doneOnce.Do(func() { close(m.done) })

	m.mu.RLock()
	var names []string
	for name, srv := range m.servers {
		if srv.state == StateRunning || srv.state == StateDegraded {
			names = append(names, name)
		}
	}
	m.mu.RUnlock()

	for _, name := range names {
		if err := m.Stop(ctx, name); err != nil {
			m.logger.Warn("stop failed", "server", name, "error", err)
		}
	}
	m.watcher.Close()
	m.wg.Wait()
}

// Status returns a server's state.
func (m *Manager) Status(name string) (State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	srv, ok := m.servers[name]
	if !ok {
		return StateUninstalled, fmt.Errorf("%w: %s", ErrServerNotFound, name)
	}
	return srv.state, nil
}

// States returns every server's state keyed by name.
func (m *Manager) States() map[string]State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]State, len(m.servers))
	for name, srv := range m.servers {
		out[name] = srv.state
	}
	return out
}

// BeginAuthorization starts the server's OAuth flow and returns the URL
// the operator must visit.
func (m *Manager) BeginAuthorization(ctx context.Context, name string) (string, error) {
	flow, err := m.authFlow(name)
	if err != nil {
		return "", err
	}
	return flow.Begin(ctx)
}

// CompleteAuthorization finishes the flow with the callback code.
func (m *Manager) CompleteAuthorization(ctx context.Context, name, code string) error {
	flow, err := m.authFlow(name)
	if err != nil {
		return err
	}
	return flow.Exchange(ctx, code)
}

// AuthPhase returns the server's authorization phase.
func (m *Manager) AuthPhase(name string) (AuthPhase, error) {
	flow, err := m.authFlow(name)
	if err != nil {
		return "", err
	}
	return flow.Phase(), nil
}

func (m *Manager) authFlow(name string) (*AuthFlow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	srv, ok := m.servers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServerNotFound, name)
	}
	if srv.auth == nil {
		return nil, fmt.Errorf("server %s has no oauth configuration", name)
	}
	return srv.auth, nil
}

// registerTools bridges every server tool into the catalog under the
// server's namespace.
func (m *Manager) registerTools(name string, client *Client) error {
	for _, desc := range client.Tools() {
		def := tools.Definition{
			Name:        desc.Name,
			Namespace:   name,
			Description: desc.Description,
			Schema:      desc.InputSchema,
			Handler:     m.bridgeHandler(client, desc.Name),
		}
		if err := m.catalog.Register(def); err != nil {
			return fmt.Errorf("register tool %s for %s: %w", desc.Name, name, err)
		}
	}
	return nil
}

func (m *Manager) bridgeHandler(client *Client, tool string) tools.Handler {
	return func(ctx context.Context, args json.RawMessage) (string, error) {
		result, err := client.CallTool(ctx, tool, args)
		if err != nil {
			return "", err
		}
		if result.IsError {
			return "", fmt.Errorf("%s", result.Text())
		}
		return result.Text(), nil
	}
}

// monitor watches one client for crashes and runs the health probe.
func (m *Manager) monitor(ctx context.Context, name string, client *Client) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			m.handleCrash(name)
			return
		case <-ticker.C:
			m.probe(ctx, name, client)
		}
	}
}

// probe drives Running <-> Degraded off ping health.
func (m *Manager) probe(ctx context.Context, name string, client *Client) {
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err := client.Ping(pingCtx)
	cancel()

	m.mu.Lock()
	srv, ok := m.servers[name]
	if !ok {
		m.mu.Unlock()
		return
	}
	state := srv.state
	m.mu.Unlock()

	switch {
	case err != nil && state == StateRunning:
		m.demote(ctx, name, err.Error())
	case err == nil && state == StateDegraded:
		if regErr := m.registerTools(name, client); regErr != nil {
			m.catalog.UnregisterNamespace(name)
			m.logger.Warn("tool re-register failed", "server", name, "error", regErr)
			return
		}
		m.setState(ctx, name, StateRunning, "")
		m.logger.Info("plugin server recovered", "server", name)
	}
}

// demote moves a Running server to Degraded and pulls its tools from the
// catalog until it recovers.
func (m *Manager) demote(ctx context.Context, name, reason string) {
	m.mu.Lock()
	srv, ok := m.servers[name]
	if !ok || srv.state != StateRunning {
		m.mu.Unlock()
		return
	}
	srv.state = StateDegraded
	srv.lastErr = reason
	m.mu.Unlock()

	m.catalog.UnregisterNamespace(name)
	m.logger.Warn("plugin server degraded", "server", name, "reason", reason)
	m.publish(ctx, hooks.EventPluginDegraded, name, fmt.Errorf("%s", reason))
}

// handleCrash marks the server Crashed, clears its tools, and retries the
// start with exponential backoff. When attempts run out the server settles
// in Degraded until an operator intervenes.
func (m *Manager) handleCrash(name string) {
	ctx := context.Background()

	m.mu.Lock()
	srv, ok := m.servers[name]
	if !ok {
		m.mu.Unlock()
		return
	}
	if srv.cancelMonitor != nil {
		srv.cancelMonitor()
		srv.cancelMonitor = nil
	}
	if srv.client != nil {
		srv.client.Close() //nolint:errcheck
		srv.client = nil
	}
	srv.state = StateCrashed
	maxRestarts := srv.config.MaxRestarts
	m.mu.Unlock()

	m.catalog.UnregisterNamespace(name)
	m.logger.Error("plugin server crashed", "server", name)
	m.publish(ctx, hooks.EventPluginCrashed, name, ErrCrashed)

	for attempt := 1; attempt <= maxRestarts; attempt++ {
		timer := time.NewTimer(backoff.Compute(m.restartPolicy, attempt))
		select {
		case <-timer.C:
		case <-m.done:
			timer.Stop()
			return
		}

		m.mu.RLock()
		_, stillThere := m.servers[name]
		m.mu.RUnlock()
		if !stillThere {
			return
		}

		if err := m.Start(ctx, name); err != nil {
			m.logger.Warn("crash restart failed",
				"server", name, "attempt", attempt, "error", err)
			continue
		}
		m.logger.Info("plugin server restarted after crash",
			"server", name, "attempt", attempt)
		return
	}

	m.mu.Lock()
	if srv, ok := m.servers[name]; ok && srv.state == StateCrashed {
		srv.state = StateDegraded
		srv.lastErr = "restart attempts exhausted"
	}
	m.mu.Unlock()
	m.publish(ctx, hooks.EventPluginDegraded, name, fmt.Errorf("restart attempts exhausted"))
}

func (m *Manager) setState(ctx context.Context, name string, state State, reason string) {
	m.mu.Lock()
	if srv, ok := m.servers[name]; ok {
		srv.state = state
		srv.lastErr = reason
	}
	m.mu.Unlock()
}

func (m *Manager) publish(ctx context.Context, typ hooks.EventType, name string, err error) {
	if m.bus == nil {
		return
	}
	event := &hooks.Event{
		Type:      typ,
		Timestamp: m.nowFunc(),
		Context:   map[string]any{"server": name},
	}
	if err != nil {
		event.Error = err
		event.ErrorMsg = err.Error()
	}
	m.bus.TriggerAsync(ctx, event)
}
