package gateway

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relayhq/relay/internal/config"
	"github.com/relayhq/relay/pkg/models"
)

// queuedMessage is one inbound message parked while a run holds the
// channel, together with the connection it arrived on.
type queuedMessage struct {
	msg    models.Message
	writer FrameWriter
}

// channelQueue is the FIFO of messages waiting behind the active run on
// one channel.
type channelQueue struct {
	mode  config.QueueMode
	items []queuedMessage
}

// push appends a message, enforcing the cap by dropping the oldest entry.
// It returns the dropped entry when the cap forced one out, and the
// position of the new message (1-based, counted from the head).
func (q *channelQueue) push(item queuedMessage, limit int) (dropped *queuedMessage, position int) {
	if limit > 0 && len(q.items) >= limit {
		head := q.items[0]
		q.items = append(q.items[:0], q.items[1:]...)
		dropped = &head
	}
	q.items = append(q.items, item)
	return dropped, len(q.items)
}

// pop removes and returns the head of the queue.
func (q *channelQueue) pop() (queuedMessage, bool) {
	if len(q.items) == 0 {
		return queuedMessage{}, false
	}
	head := q.items[0]
	q.items = q.items[1:]
	return head, true
}

// drainAll empties the queue and returns everything that was waiting.
func (q *channelQueue) drainAll() []queuedMessage {
	items := q.items
	q.items = nil
	return items
}

// combineBatch collapses messages queued during a run into one turn. Each
// line is tagged with its sender so the model can attribute them.
func combineBatch(items []queuedMessage, now time.Time) queuedMessage {
	if len(items) == 1 {
		return items[0]
	}

	lines := make([]string, 0, len(items))
	for _, item := range items {
		name := item.msg.SenderName
		if name == "" {
			name = item.msg.Sender
		}
		lines = append(lines, fmt.Sprintf("%s: %s", name, item.msg.Content))
	}

	first := items[0]
	combined := first.msg
	combined.ID = uuid.NewString()
	combined.Content = strings.Join(lines, "\n")
	combined.CreatedAt = now
	combined.Metadata = map[string]any{"batched": len(items)}
	return queuedMessage{msg: combined, writer: first.writer}
}
