package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/relayhq/relay/internal/config"
)

const defaultCommandTimeout = 30 * time.Second

// configSource tags registrations made from the config file so they can be
// replaced wholesale on reload.
const configSource = "config"

// LoadEntries registers the configured command hooks on the registry and
// returns the registration IDs. Any previously loaded config entries are
// replaced.
func LoadEntries(registry *Registry, cfg config.HooksConfig, logger *slog.Logger) ([]string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "hooks")

	registry.UnregisterSource(configSource)

	ids := make([]string, 0, len(cfg.Entries))
	for i, entry := range cfg.Entries {
		if entry.Event == "" || len(entry.Command) == 0 {
			return ids, fmt.Errorf("hook entry %d: event and command are required", i)
		}
		name := entry.Name
		if name == "" {
			name = entry.Command[0]
		}

		opts := []RegisterOption{WithName(name), WithSource(configSource)}
		if entry.Async {
			opts = append(opts, WithAsync())
		}
		id := registry.Register(entry.Event, commandHandler(entry, logger), opts...)
		ids = append(ids, id)
		logger.Info("command hook registered",
			"event", entry.Event, "name", name, "async", entry.Async)
	}
	return ids, nil
}

// commandHandler runs the entry's argv with the event JSON on stdin. No
// shell is involved; the command list is already split.
func commandHandler(entry config.HookEntryConfig, logger *slog.Logger) Handler {
	argv := entry.Command
	timeout := entry.Timeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}

	return func(ctx context.Context, event *Event) error {
		payload, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}

		runCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
		cmd.Stdin = strings.NewReader(string(payload))
		cmd.Env = append(os.Environ(),
			"RELAY_EVENT_TYPE="+string(event.Type),
			"RELAY_EVENT_ACTION="+event.Action,
			"RELAY_SESSION_KEY="+event.SessionKey,
		)

		output, err := cmd.CombinedOutput()
		if err != nil {
			return fmt.Errorf("hook command %s: %w: %s", argv[0], err, strings.TrimSpace(string(output)))
		}
		if len(output) > 0 {
			logger.Debug("hook command output", "command", argv[0], "output", strings.TrimSpace(string(output)))
		}
		return nil
	}
}
