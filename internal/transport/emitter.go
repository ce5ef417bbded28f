// Package transport normalizes the pull (HTTP poll) and push (SSE)
// delivery modes behind one Emit contract, and hosts the HTTP surface that
// fronts the lifecycle coordinator, job/poll controller, and agent
// orchestrator. Grounded on the teacher's main.go flat-ServeMux style, with
// the SSE drain loop adapted from the longpoll.Channel batch-receive
// pattern and optional multi-process fan-out via internal/natsctx.
package transport

import (
	"context"
	"sync"

	nats "github.com/nats-io/nats.go"

	"github.com/swarmguard/taskorch/internal/natsctx"
)

// Hub is a broadcast hub keyed by sessionId: one buffered Go channel per
// connected SSE subscriber, plus an optional NATS fan-out for multi-process
// push-transport deployments.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[chan any]struct{}

	nc      *nats.Conn
	subject string
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan any]struct{})}
}

// WithNATS enables additive multi-process fan-out: every local Emit is also
// published to subject, trace-context propagated via internal/natsctx, and
// Subscribe wires remote publishes back into locally connected channels.
func (h *Hub) WithNATS(ctx context.Context, nc *nats.Conn, subject string) error {
	h.nc = nc
	h.subject = subject
	_, err := natsctx.Subscribe(nc, subject, func(ctx context.Context, msg *nats.Msg) {
		// Remote-origin events are re-broadcast locally but not
		// re-published, so a cluster of these processes doesn't loop.
		h.broadcastLocal(string(msg.Header.Get("sessionId")), string(msg.Data))
	})
	return err
}

func (h *Hub) broadcastLocal(sessionID string, raw any) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[sessionID] {
		select {
		case ch <- raw:
		default:
			// Subscriber's buffer is full: this event is dropped for this
			// subscriber, whatever its kind, so a stalled SSE writer never
			// blocks the emitter. GetJobResult still returns the current
			// job record to a caller that missed an update.
		}
	}
}

// Emit publishes event to every subscriber of sessionID, and additionally
// to NATS if WithNATS was configured.
func (h *Hub) Emit(sessionID string, event any) {
	h.broadcastLocal(sessionID, event)
	if h.nc != nil {
		if data, ok := event.(interface{ MarshalJSON() ([]byte, error) }); ok {
			if raw, err := data.MarshalJSON(); err == nil {
				_ = natsctx.Publish(context.Background(), h.nc, h.subject, raw)
			}
		}
	}
}

// Publish satisfies the agents/lifecycle EventBus interfaces: system-wide
// liveness and transition events (grace_period, agent_offline,
// taskTransition) have no single owning session, so they broadcast to every
// currently connected subscriber rather than one sessionId's channel.
func (h *Hub) Publish(ctx context.Context, kind string, payload map[string]any) {
	h.mu.RLock()
	sessions := make([]string, 0, len(h.subs))
	for s := range h.subs {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	event := map[string]any{"kind": kind, "payload": payload}
	for _, s := range sessions {
		h.broadcastLocal(s, event)
	}
}

// Subscribe registers a new channel for sessionID and returns it along with
// an unsubscribe function.
func (h *Hub) Subscribe(sessionID string) (ch chan any, unsubscribe func()) {
	ch = make(chan any, 64)
	h.mu.Lock()
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[chan any]struct{})
	}
	h.subs[sessionID][ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		delete(h.subs[sessionID], ch)
		if len(h.subs[sessionID]) == 0 {
			delete(h.subs, sessionID)
		}
		h.mu.Unlock()
		close(ch)
	}
}
