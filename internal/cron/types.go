// Package cron runs scheduled jobs declared in configuration: webhooks,
// prompts injected into agent sessions, and custom handlers registered in
// code.
package cron

import (
	"context"
	"time"

	"github.com/relayhq/relay/internal/config"
)

// JobType identifies the handler for a scheduled job.
type JobType string

const (
	JobTypeWebhook JobType = "webhook"
	JobTypeAgent   JobType = "agent"
	JobTypeCustom  JobType = "custom"
)

// Schedule represents a parsed schedule.
type Schedule struct {
	Kind     string // at, every, cron
	CronExpr string
	Every    time.Duration
	At       time.Time
	Timezone string
}

// Job represents a scheduled job with its runtime bookkeeping.
type Job struct {
	ID       string
	Name     string
	Type     JobType
	Enabled  bool
	Schedule Schedule

	Webhook *config.CronWebhookConfig
	Agent   *config.CronAgentConfig
	Custom  *config.CronCustomConfig

	NextRun   time.Time
	LastRun   time.Time
	LastError string
}

// AgentRunner executes agent jobs by injecting a prompt into a session.
type AgentRunner interface {
	Run(ctx context.Context, job *Job, content string) error
}

// AgentRunnerFunc adapts a function to an AgentRunner.
type AgentRunnerFunc func(ctx context.Context, job *Job, content string) error

// Run executes the agent runner function.
func (f AgentRunnerFunc) Run(ctx context.Context, job *Job, content string) error {
	return f(ctx, job, content)
}

// CustomHandler executes custom jobs.
type CustomHandler interface {
	Handle(ctx context.Context, job *Job, args map[string]any) error
}

// CustomHandlerFunc adapts a function to a CustomHandler.
type CustomHandlerFunc func(ctx context.Context, job *Job, args map[string]any) error

// Handle executes the custom handler function.
func (f CustomHandlerFunc) Handle(ctx context.Context, job *Job, args map[string]any) error {
	return f(ctx, job, args)
}
