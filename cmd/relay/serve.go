package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/relayhq/relay/internal/agent"
	"github.com/relayhq/relay/internal/config"
	"github.com/relayhq/relay/internal/cron"
	"github.com/relayhq/relay/internal/gateway"
	"github.com/relayhq/relay/internal/hooks"
	"github.com/relayhq/relay/internal/plugin"
	"github.com/relayhq/relay/internal/sessions"
	"github.com/relayhq/relay/internal/tools"
	"github.com/relayhq/relay/pkg/models"
)

const defaultConfigPath = "relay.yaml"

func buildServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	return cmd
}

func buildValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(configPath); err != nil {
				return err
			}
			cmd.Println("configuration is valid")
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := buildLogger(cfg.Log)
	slog.SetDefault(logger)

	bus := hooks.NewRegistry(logger)
	if _, err := hooks.LoadEntries(bus, cfg.Hooks, logger); err != nil {
		return fmt.Errorf("load hooks: %w", err)
	}

	catalog := tools.NewRegistry(logger)
	store := sessions.NewStore(cfg.Session.MaxRecentTurns)
	locker := sessions.NewRunLocker()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	manager := plugin.NewManager(catalog, bus, plugin.WithManagerLogger(logger))
	for _, server := range cfg.Plugins.Servers {
		if err := manager.Install(ctx, server); err != nil {
			return fmt.Errorf("install plugin server %q: %w", server.Name, err)
		}
	}
	if err := manager.StartAll(ctx); err != nil {
		// Degraded plugin servers must not keep the gateway down.
		logger.Warn("some plugin servers failed to start", "error", err)
	}

	provider, err := agent.NewProviderByName(cfg.Agent.Provider)
	if err != nil {
		return fmt.Errorf("select provider: %w", err)
	}
	runner := agent.NewRunner(provider, catalog, bus, agent.NoopFetcher{}, agent.Config{
		Persona:       cfg.Agent.Persona,
		MaxIterations: cfg.Agent.MaxIterations,
		Parser:        cfg.Agent.Parser,
		ToolTimeout:   cfg.Agent.ToolTimeout,
	}, logger)

	dispatcher := gateway.NewDispatcher(store, locker, runner, bus, cfg.Gateway, logger)
	server := gateway.NewServer(cfg.Gateway, dispatcher, bus, logger)

	sweeper := sessions.NewSweeper(store, locker, bus, providerSummarizer(provider), cfg.Session.IdleTimeout,
		sessions.WithSweeperLogger(logger))

	scheduler, err := cron.NewScheduler(cfg.Cron,
		cron.WithLogger(logger),
		cron.WithHookBus(bus),
		cron.WithAgentRunner(&cronAgentRunner{dispatcher: dispatcher}),
		// Extra sweeps can be scheduled as custom jobs on top of the
		// built-in interval loop.
		cron.WithCustomHandler("session_sweep", cron.CustomHandlerFunc(
			func(ctx context.Context, job *cron.Job, args map[string]any) error {
				sweeper.SweepOnce(ctx)
				return nil
			})),
	)
	if err != nil {
		return fmt.Errorf("build scheduler: %w", err)
	}
	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	logger.Info("gateway starting", "listen", cfg.Gateway.Listen, "provider", provider.Name())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx)
	})
	g.Go(func() error {
		sweeper.Run(gctx, cfg.Session.SweepInterval)
		return nil
	})
	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := scheduler.Stop(shutdownCtx); err != nil {
		logger.Warn("scheduler stop timed out", "error", err)
	}
	manager.StopAll(shutdownCtx)

	logger.Info("gateway stopped")
	return runErr
}

func buildLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// cronAgentRunner injects scheduled agent jobs into the dispatcher as if
// the target user had sent the rendered content.
type cronAgentRunner struct {
	dispatcher *gateway.Dispatcher
}

func (r *cronAgentRunner) Run(ctx context.Context, job *cron.Job, content string) error {
	target := job.Agent
	if target == nil {
		return fmt.Errorf("job %s has no agent target", job.ID)
	}
	msg := models.Message{
		ID:         job.ID + "-" + time.Now().UTC().Format("20060102T150405"),
		SessionKey: models.NewSessionKey(target.Platform, target.Channel, target.User),
		Platform:   target.Platform,
		Channel:    target.Channel,
		Sender:     target.User,
		Direction:  models.DirectionInbound,
		Role:       models.RoleUser,
		Content:    content,
		Metadata:   map[string]any{"scheduled_job": job.ID},
		CreatedAt:  time.Now(),
	}
	r.dispatcher.HandleEvent(ctx, msg, false, nil)
	return nil
}

// providerSummarizer asks the model for a short recap of a session before
// it is evicted, so the next session starts with the context carried over.
func providerSummarizer(provider agent.Provider) sessions.Summarizer {
	return sessions.SummarizerFunc(func(ctx context.Context, key models.SessionKey, turns []models.Message) (string, error) {
		if len(turns) == 0 {
			return "", nil
		}

		messages := make([]agent.CompletionMessage, 0, len(turns)+1)
		for _, turn := range turns {
			if turn.Content == "" {
				continue
			}
			messages = append(messages, agent.CompletionMessage{Role: turn.Role, Content: turn.Content})
		}
		messages = append(messages, agent.CompletionMessage{
			Role:    models.RoleUser,
			Content: "Summarize the conversation so far in a few sentences, keeping names, decisions, and open items.",
		})

		sumCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		stream, err := provider.Complete(sumCtx, &agent.CompletionRequest{
			System:   "You write terse conversation summaries used to seed follow-up sessions.",
			Messages: messages,
		})
		if err != nil {
			return "", err
		}

		var summary strings.Builder
		for chunk := range stream {
			if chunk == nil {
				continue
			}
			if chunk.Err != nil {
				return "", chunk.Err
			}
			summary.WriteString(chunk.Text)
		}
		return strings.TrimSpace(summary.String()), nil
	})
}
