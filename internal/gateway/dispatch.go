package gateway

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/relayhq/relay/internal/agent"
	"github.com/relayhq/relay/internal/config"
	"github.com/relayhq/relay/internal/hooks"
	"github.com/relayhq/relay/internal/sessions"
	"github.com/relayhq/relay/pkg/models"
)

// FrameWriter delivers frames back to the adapter a message arrived on.
type FrameWriter interface {
	WriteFrame(frame *Frame) error
}

// AgentRunner runs one turn of the orchestrator. *agent.Runner satisfies it.
type AgentRunner interface {
	Run(ctx context.Context, session *models.Session, turns []models.Message, inbound models.Message, cancelled func() bool) (<-chan *agent.ResponseChunk, error)
}

// cancelFlag is the cooperative cancel signal shared with a running turn.
type cancelFlag struct {
	v atomic.Bool
}

func (f *cancelFlag) Set()      { f.v.Store(true) }
func (f *cancelFlag) Get() bool { return f.v.Load() }

// Dispatcher routes inbound messages to agent runs, holding at most one
// active run per session key and queueing the rest per channel.
type Dispatcher struct {
	store  *sessions.Store
	locker *sessions.RunLocker
	runner AgentRunner
	bus    *hooks.Registry
	cfg    config.GatewayConfig
	logger *slog.Logger

	nowFunc func() time.Time

	// runCtx outlives any single connection. Promoted queue messages run
	// under it so a closed connection cannot cancel another adapter's turn.
	runCtx    context.Context
	runCancel context.CancelFunc

	mu     sync.Mutex
	queues map[string]*channelQueue // keyed by SessionKey.ChannelKey()
	flags  map[string]*cancelFlag   // keyed by SessionKey.String()

	wg sync.WaitGroup
}

// DispatcherOption customises a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherNow overrides the clock.
func WithDispatcherNow(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.nowFunc = now }
}

// NewDispatcher wires the dispatcher to its collaborators.
func NewDispatcher(store *sessions.Store, locker *sessions.RunLocker, runner AgentRunner, bus *hooks.Registry, cfg config.GatewayConfig, logger *slog.Logger, opts ...DispatcherOption) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		store:   store,
		locker:  locker,
		runner:  runner,
		bus:     bus,
		cfg:     cfg,
		logger:  logger.With("component", "dispatcher"),
		nowFunc: time.Now,
		queues:  make(map[string]*channelQueue),
		flags:   make(map[string]*cancelFlag),
	}
	d.runCtx, d.runCancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// HandleEvent accepts one inbound message. If the message matches a
// configured stop phrase while a run is active it acts as a cancel.
// Otherwise it starts a run when the session is free, or queues it.
func (d *Dispatcher) HandleEvent(ctx context.Context, msg models.Message, broadcast bool, writer FrameWriter) {
	key := msg.SessionKey

	if d.isStopPhrase(msg.Content) && d.locker.Active(key) {
		d.Cancel(key.Platform, key.Channel)
		d.notify(writer, key, "run cancelled", 0)
		return
	}

	if d.locker.TryLock(key) {
		d.startRun(ctx, msg, writer)
		return
	}

	d.enqueue(msg, broadcast, writer)
}

// Cancel sets the cancel flag on every active run in the channel and
// clears the channel's queue.
func (d *Dispatcher) Cancel(platform, channel string) {
	prefix := platform + ":" + channel + ":"

	d.mu.Lock()
	for keyStr, flag := range d.flags {
		if strings.HasPrefix(keyStr, prefix) {
			flag.Set()
		}
	}
	queue := d.queues[platform+":"+channel]
	var cleared int
	if queue != nil {
		cleared = len(queue.items)
		queue.items = nil
	}
	d.mu.Unlock()

	if cleared > 0 {
		d.logger.Info("queue cleared on cancel", "platform", platform, "channel", channel, "dropped", cleared)
	}
}

// QueueLen reports how many messages are waiting on a channel.
func (d *Dispatcher) QueueLen(platform, channel string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if q := d.queues[platform+":"+channel]; q != nil {
		return len(q.items)
	}
	return 0
}

// Close waits for in-flight runs to finish and releases the promoted-run
// context.
func (d *Dispatcher) Close() {
	d.wg.Wait()
	d.runCancel()
}

func (d *Dispatcher) isStopPhrase(content string) bool {
	trimmed := strings.ToLower(strings.TrimSpace(content))
	for _, phrase := range d.cfg.StopPhrases {
		if trimmed == strings.ToLower(strings.TrimSpace(phrase)) {
			return true
		}
	}
	return false
}

func (d *Dispatcher) enqueue(msg models.Message, broadcast bool, writer FrameWriter) {
	key := msg.SessionKey
	channelKey := key.ChannelKey()

	d.mu.Lock()
	queue := d.queues[channelKey]
	if queue == nil {
		queue = &channelQueue{mode: d.cfg.QueueModeFor(key.Platform, key.Channel, broadcast)}
		d.queues[channelKey] = queue
	}
	dropped, position := queue.push(queuedMessage{msg: msg, writer: writer}, d.cfg.QueueCap)
	mode := queue.mode
	d.mu.Unlock()

	if dropped != nil {
		d.logger.Warn("queued message dropped", "channel", channelKey, "cap", d.cfg.QueueCap)
		d.notify(dropped.writer, dropped.msg.SessionKey, "message dropped: queue full", 0)
	}
	if mode == config.QueueModeNotify {
		d.notify(writer, key, "assistant is busy, message queued", position)
	}
}

// startRun must be called with the session lock held by this dispatch.
func (d *Dispatcher) startRun(ctx context.Context, msg models.Message, writer FrameWriter) {
	key := msg.SessionKey
	flag := &cancelFlag{}

	d.mu.Lock()
	d.flags[key.String()] = flag
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			d.mu.Lock()
			delete(d.flags, key.String())
			d.mu.Unlock()
			d.locker.Unlock(key)
			d.dispatchQueued()
		}()
		d.runTurn(ctx, msg, flag, writer)
	}()
}

func (d *Dispatcher) runTurn(ctx context.Context, msg models.Message, flag *cancelFlag, writer FrameWriter) {
	key := msg.SessionKey
	now := d.nowFunc()

	session, created := d.store.GetOrCreate(key, now)
	if created {
		d.bus.TriggerAsync(ctx, &hooks.Event{
			Type:       hooks.EventSessionCreated,
			SessionKey: key.String(),
			Timestamp:  now,
		})
	}
	turns := d.store.Turns(key)
	d.store.AppendTurn(key, msg)
	d.store.Touch(key, now)

	stream, err := d.runner.Run(ctx, session, turns, msg, flag.Get)
	if err != nil {
		d.logger.Error("run failed to start", "session", key.String(), "error", err)
		d.writeFrame(writer, &Frame{Type: FrameError, Channel: key.Channel, User: key.User, Code: CodeRunFailed, Message: err.Error()})
		return
	}

	var reply strings.Builder
	var runErr error
	for chunk := range stream {
		switch {
		case chunk.Err != nil && chunk.Done:
			runErr = chunk.Err
		case chunk.Done:
		case chunk.ToolName != "":
			d.writeFrame(writer, &Frame{Type: FrameNotice, Channel: key.Channel, User: key.User, Tool: chunk.ToolName, Message: "running tool"})
		case chunk.Text != "":
			reply.WriteString(chunk.Text)
			d.writeFrame(writer, &Frame{Type: FrameStreamChunk, Channel: key.Channel, User: key.User, Content: chunk.Text})
		}
	}

	if reply.Len() > 0 {
		d.store.AppendTurn(key, models.Message{
			ID:         uuid.NewString(),
			SessionKey: key,
			Platform:   key.Platform,
			Channel:    key.Channel,
			Direction:  models.DirectionOutbound,
			Role:       models.RoleAssistant,
			Content:    reply.String(),
			CreatedAt:  d.nowFunc(),
		})
	}
	d.store.Touch(key, d.nowFunc())

	end := &Frame{Type: FrameStreamEnd, Channel: key.Channel, User: key.User}
	if runErr != nil && !errors.Is(runErr, agent.ErrRunCancelled) {
		end.Code = CodeRunFailed
		end.Message = runErr.Error()
	}
	d.writeFrame(writer, end)
}

// dispatchQueued promotes waiting messages once a run has released its
// session. Notify-mode channels replay one message per completed run;
// batch-mode channels collapse everything queued into a single turn.
// Promoted runs execute under the dispatcher's own context, not the
// context of whichever connection triggered the completed run.
func (d *Dispatcher) dispatchQueued() {
	d.mu.Lock()
	var next *queuedMessage
	var mode config.QueueMode
	for channelKey, queue := range d.queues {
		if len(queue.items) == 0 {
			continue
		}
		head := queue.items[0]
		if d.locker.Active(head.msg.SessionKey) {
			continue
		}
		mode = queue.mode
		if queue.mode == config.QueueModeBatch {
			combined := combineBatch(queue.drainAll(), d.nowFunc())
			next = &combined
		} else {
			item, _ := queue.pop()
			next = &item
		}
		if len(queue.items) == 0 {
			delete(d.queues, channelKey)
		}
		break
	}
	d.mu.Unlock()

	if next == nil {
		return
	}
	if !d.locker.TryLock(next.msg.SessionKey) {
		// Lost the race to a newer event; put it back at the head.
		d.requeue(*next, mode)
		return
	}
	d.startRun(d.runCtx, next.msg, next.writer)
}

func (d *Dispatcher) requeue(item queuedMessage, mode config.QueueMode) {
	channelKey := item.msg.SessionKey.ChannelKey()
	d.mu.Lock()
	queue := d.queues[channelKey]
	if queue == nil {
		queue = &channelQueue{mode: mode}
		d.queues[channelKey] = queue
	}
	queue.items = append([]queuedMessage{item}, queue.items...)
	d.mu.Unlock()
}

func (d *Dispatcher) notify(writer FrameWriter, key models.SessionKey, message string, position int) {
	d.writeFrame(writer, &Frame{Type: FrameNotice, Channel: key.Channel, User: key.User, Message: message, Position: position})
}

func (d *Dispatcher) writeFrame(writer FrameWriter, frame *Frame) {
	if writer == nil {
		return
	}
	if err := writer.WriteFrame(frame); err != nil {
		d.logger.Debug("frame write failed", "type", frame.Type, "error", err)
	}
}
