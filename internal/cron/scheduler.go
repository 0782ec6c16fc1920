package cron

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/relayhq/relay/internal/config"
	"github.com/relayhq/relay/internal/hooks"
)

var defaultWebhookTimeout = 30 * time.Second

// Scheduler runs jobs from configuration on a tick loop. A job failure is
// published on the hook bus and never stops the loop or other jobs.
type Scheduler struct {
	jobs           []*Job
	logger         *slog.Logger
	httpClient     *http.Client
	agentRunner    AgentRunner
	customHandlers map[string]CustomHandler
	bus            *hooks.Registry
	now            func() time.Time
	tickInterval   time.Duration

	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithLogger configures the scheduler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger.With("component", "cron")
		}
	}
}

// WithHTTPClient configures the HTTP client used for webhook jobs.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Scheduler) {
		if client != nil {
			s.httpClient = client
		}
	}
}

// WithAgentRunner configures the runner used for agent jobs.
func WithAgentRunner(runner AgentRunner) Option {
	return func(s *Scheduler) {
		if runner != nil {
			s.agentRunner = runner
		}
	}
}

// WithCustomHandler registers a custom handler by name.
func WithCustomHandler(name string, handler CustomHandler) Option {
	return func(s *Scheduler) {
		s.RegisterCustomHandler(name, handler)
	}
}

// WithHookBus publishes task errors on the given bus.
func WithHookBus(bus *hooks.Registry) Option {
	return func(s *Scheduler) {
		s.bus = bus
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTickInterval overrides the scheduler tick interval.
func WithTickInterval(interval time.Duration) Option {
	return func(s *Scheduler) {
		if interval > 0 {
			s.tickInterval = interval
		}
	}
}

// NewScheduler creates a scheduler from config. Jobs that fail to parse are
// skipped with a warning so one bad entry cannot block the rest.
func NewScheduler(cfg config.CronConfig, opts ...Option) (*Scheduler, error) {
	scheduler := &Scheduler{
		logger:         slog.Default().With("component", "cron"),
		httpClient:     http.DefaultClient,
		customHandlers: make(map[string]CustomHandler),
		now:            time.Now,
		tickInterval:   time.Second,
	}
	for _, opt := range opts {
		opt(scheduler)
	}

	jobs := make([]*Job, 0, len(cfg.Jobs))
	now := scheduler.now()
	for _, entry := range cfg.Jobs {
		job, err := scheduler.buildJob(entry, now)
		if err != nil {
			scheduler.logger.Warn("cron job skipped", "id", entry.ID, "error", err)
			continue
		}
		jobs = append(jobs, job)
	}
	scheduler.jobs = jobs
	return scheduler, nil
}

// SetAgentRunner updates the runner for agent jobs after initialization.
func (s *Scheduler) SetAgentRunner(runner AgentRunner) {
	if s == nil || runner == nil {
		return
	}
	s.mu.Lock()
	s.agentRunner = runner
	s.mu.Unlock()
}

// RegisterCustomHandler registers a handler for custom jobs.
func (s *Scheduler) RegisterCustomHandler(name string, handler CustomHandler) {
	if s == nil || handler == nil {
		return
	}
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return
	}
	s.mu.Lock()
	if s.customHandlers == nil {
		s.customHandlers = make(map[string]CustomHandler)
	}
	s.customHandlers[name] = handler
	s.mu.Unlock()
}

// Start begins running jobs until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runDue(ctx)
			}
		}
	}()
	return nil
}

// Stop waits for the scheduler loop to stop.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce executes due jobs immediately (primarily for tests).
func (s *Scheduler) RunOnce(ctx context.Context) int {
	if s == nil {
		return 0
	}
	return s.runDue(ctx)
}

// Jobs returns a snapshot of configured jobs.
func (s *Scheduler) Jobs() []*Job {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if job == nil {
			continue
		}
		copyJob := *job
		out = append(out, &copyJob)
	}
	return out
}

func (s *Scheduler) runDue(ctx context.Context) int {
	now := s.now()
	count := 0

	s.mu.Lock()
	jobs := make([]*Job, len(s.jobs))
	copy(jobs, s.jobs)
	s.mu.Unlock()

	for _, job := range jobs {
		if job == nil {
			continue
		}
		s.mu.Lock()
		if !job.Enabled || job.NextRun.IsZero() || now.Before(job.NextRun) {
			s.mu.Unlock()
			continue
		}
		job.LastRun = now
		schedule := job.Schedule
		jobID := job.ID
		s.mu.Unlock()

		err := s.executeJob(ctx, job)
		if err != nil {
			s.logger.Warn("cron job failed", "id", jobID, "error", err)
			s.publishTaskError(ctx, job, err)
		}

		next, ok, nextErr := schedule.Next(now)

		s.mu.Lock()
		if err != nil {
			job.LastError = err.Error()
		} else {
			job.LastError = ""
		}
		if nextErr != nil {
			job.LastError = nextErr.Error()
			job.NextRun = time.Time{}
			job.Enabled = false
		} else if ok {
			job.NextRun = next
		} else {
			// One-shot schedules disable themselves after firing.
			job.NextRun = time.Time{}
			job.Enabled = false
		}
		s.mu.Unlock()
		count++
	}
	return count
}

func (s *Scheduler) publishTaskError(ctx context.Context, job *Job, err error) {
	if s.bus == nil {
		return
	}
	s.bus.TriggerAsync(ctx, &hooks.Event{
		Type:      hooks.EventSchedulerTaskError,
		Timestamp: s.now(),
		Context:   map[string]any{"job_id": job.ID, "job_type": string(job.Type)},
		Error:     err,
		ErrorMsg:  err.Error(),
	})
}

func (s *Scheduler) buildJob(cfg config.CronJobConfig, now time.Time) (*Job, error) {
	if strings.TrimSpace(cfg.ID) == "" {
		return nil, fmt.Errorf("job id required")
	}
	if !cfg.Enabled {
		return nil, fmt.Errorf("job disabled")
	}
	schedule, err := NewSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	jobType := JobType(strings.ToLower(strings.TrimSpace(cfg.Type)))
	switch jobType {
	case JobTypeWebhook:
		if cfg.Webhook == nil || strings.TrimSpace(cfg.Webhook.URL) == "" {
			return nil, fmt.Errorf("webhook job missing url")
		}
	case JobTypeAgent:
		if cfg.Agent == nil {
			return nil, fmt.Errorf("agent job missing payload")
		}
		if strings.TrimSpace(cfg.Agent.Platform) == "" || strings.TrimSpace(cfg.Agent.Channel) == "" {
			return nil, fmt.Errorf("agent job missing channel")
		}
		if strings.TrimSpace(cfg.Agent.Content) == "" && strings.TrimSpace(cfg.Agent.Template) == "" {
			return nil, fmt.Errorf("agent job missing content")
		}
	case JobTypeCustom:
		if cfg.Custom == nil || strings.TrimSpace(cfg.Custom.Handler) == "" {
			return nil, fmt.Errorf("custom job missing handler")
		}
	default:
		return nil, fmt.Errorf("unsupported job type %q", cfg.Type)
	}

	next, ok, err := schedule.Next(now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no next run scheduled")
	}

	return &Job{
		ID:       cfg.ID,
		Name:     cfg.Name,
		Type:     jobType,
		Enabled:  cfg.Enabled,
		Schedule: schedule,
		Webhook:  cfg.Webhook,
		Agent:    cfg.Agent,
		Custom:   cfg.Custom,
		NextRun:  next,
	}, nil
}

func (s *Scheduler) executeJob(ctx context.Context, job *Job) error {
	if job == nil {
		return errors.New("job is nil")
	}
	switch job.Type {
	case JobTypeWebhook:
		return s.executeWebhook(ctx, job)
	case JobTypeAgent:
		return s.executeAgent(ctx, job)
	case JobTypeCustom:
		return s.executeCustom(ctx, job)
	default:
		return fmt.Errorf("job type %s not implemented", job.Type)
	}
}

func (s *Scheduler) executeWebhook(ctx context.Context, job *Job) error {
	if job.Webhook == nil {
		return errors.New("missing webhook payload")
	}
	method := strings.ToUpper(strings.TrimSpace(job.Webhook.Method))
	if method == "" {
		method = http.MethodPost
	}
	timeout := job.Webhook.Timeout
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, job.Webhook.URL, strings.NewReader(job.Webhook.Body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	for k, v := range job.Webhook.Headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("Content-Type") == "" && job.Webhook.Body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

func (s *Scheduler) executeAgent(ctx context.Context, job *Job) error {
	s.mu.Lock()
	runner := s.agentRunner
	s.mu.Unlock()
	if runner == nil {
		return errors.New("agent runner not configured")
	}
	if job.Agent == nil {
		return errors.New("missing agent payload")
	}
	content, err := s.renderContent(job)
	if err != nil {
		return err
	}
	if strings.TrimSpace(content) == "" {
		return errors.New("agent payload missing content")
	}
	return runner.Run(ctx, job, content)
}

func (s *Scheduler) executeCustom(ctx context.Context, job *Job) error {
	if job.Custom == nil {
		return errors.New("missing custom payload")
	}
	name := strings.ToLower(strings.TrimSpace(job.Custom.Handler))
	s.mu.Lock()
	handler := s.customHandlers[name]
	s.mu.Unlock()
	if handler == nil {
		return fmt.Errorf("custom handler %q not registered", name)
	}
	return handler.Handle(ctx, job, job.Custom.Args)
}

func (s *Scheduler) renderContent(job *Job) (string, error) {
	if strings.TrimSpace(job.Agent.Template) == "" {
		return job.Agent.Content, nil
	}
	tmpl, err := template.New(job.ID).Option("missingkey=zero").Parse(job.Agent.Template)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}
	data := map[string]any{
		"JobID":   job.ID,
		"JobName": job.Name,
		"Now":     s.now().Format(time.RFC3339),
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return buf.String(), nil
}
