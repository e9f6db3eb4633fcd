package broadcast

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"

	"dex_aggregator/metrics"
	"dex_aggregator/models"
	"dex_aggregator/registry"
)

// Sender hands a frame to one client. Send must not block; it reports
// whether the frame was accepted.
type Sender interface {
	Send(clientID string, frame []byte) bool
}

// Envelope is the frame every server message travels in.
type Envelope struct {
	Type      Kind      `json:"type"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

func Encode(kind Kind, payload any, at time.Time) ([]byte, error) {
	return json.Marshal(Envelope{Type: kind, Payload: payload, Timestamp: at.UTC()})
}

// Router resolves an event to the clients that should see it and hands each
// of them exactly one frame. Publish and Emit only enqueue; Run delivers.
type Router struct {
	reg    *registry.Registry
	sender Sender
	queue  chan Event
	log    *zap.SugaredLogger
	now    func() time.Time

	mu       sync.RWMutex
	onError  []func(ErrorOccurred)
	dropped  atomic.Int64
	sentMsgs atomic.Int64
}

func NewRouter(reg *registry.Registry, sender Sender, queueSize int, log *zap.SugaredLogger) *Router {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Router{
		reg:    reg,
		sender: sender,
		queue:  make(chan Event, queueSize),
		log:    log,
		now:    time.Now,
	}
}

// OnError registers a handler for ErrorOccurred events.
func (r *Router) OnError(fn func(ErrorOccurred)) {
	r.mu.Lock()
	r.onError = append(r.onError, fn)
	r.mu.Unlock()
}

// Publish enqueues a token update.
func (r *Router) Publish(t *models.CanonicalToken) bool {
	return r.Emit(TokenUpdated{Token: t})
}

// Emit enqueues ev without blocking. A full queue drops the event.
func (r *Router) Emit(ev Event) bool {
	select {
	case r.queue <- ev:
		return true
	default:
		r.dropped.Add(1)
		metrics.Dropped("queue_full")
		r.log.Warnw("Broadcast queue full, dropping event", "kind", ev.Kind())
		return false
	}
}

// Run delivers queued events until ctx is done, then drains what is left.
func (r *Router) Run(ctx context.Context) {
	for {
		select {
		case ev := <-r.queue:
			r.Deliver(ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-r.queue:
					r.Deliver(ev)
				default:
					return
				}
			}
		}
	}
}

// Deliver sends ev synchronously and returns how many clients accepted it.
func (r *Router) Deliver(ev Event) int {
	if e, ok := ev.(ErrorOccurred); ok {
		r.mu.RLock()
		handlers := slices.Clone(r.onError)
		r.mu.RUnlock()
		for _, h := range handlers {
			h(e)
		}
		return 0
	}

	now := r.now()
	if batch, ok := ev.(BatchUpdate); ok {
		return r.deliverBatch(batch, now)
	}

	recipients := r.Recipients(ev)
	if len(recipients) == 0 {
		return 0
	}
	frame, err := Encode(ev.Kind(), ev, now)
	if err != nil {
		r.log.Errorw("Failed to encode event", "kind", ev.Kind(), "error", err)
		return 0
	}
	return r.sendAll(ev.Kind(), recipients, frame)
}

// Recipients returns the deduplicated ids ev should reach. Members of the
// all-tokens and chain rooms must pass their filters; token room members
// always qualify.
func (r *Router) Recipients(ev Event) []string {
	subject := ev.subject()
	seen := make(map[string]struct{})
	var out []string
	for _, room := range ev.rooms() {
		explicit := registry.IsTokenRoom(room)
		for _, s := range r.reg.Subscribers(room) {
			if _, ok := seen[s.ID]; ok {
				continue
			}
			if !explicit && subject != nil && !s.Filters.Matches(subject) {
				continue
			}
			seen[s.ID] = struct{}{}
			out = append(out, s.ID)
		}
	}
	return out
}

func (r *Router) deliverBatch(b BatchUpdate, now time.Time) int {
	var unfiltered []byte
	delivered := 0
	var rejected []string
	for _, s := range r.reg.Subscribers(registry.RoomAll) {
		if s.Filters == nil {
			if unfiltered == nil {
				var err error
				if unfiltered, err = Encode(KindBatchUpdate, b, now); err != nil {
					r.log.Errorw("Failed to encode event", "kind", KindBatchUpdate, "error", err)
					return delivered
				}
			}
			delivered += r.sendAll(KindBatchUpdate, []string{s.ID}, unfiltered)
			continue
		}

		var tokens []*models.CanonicalToken
		for _, t := range b.Tokens {
			if s.Filters.Matches(t) {
				tokens = append(tokens, t)
			}
		}
		if len(tokens) == 0 {
			rejected = append(rejected, s.ID)
			continue
		}
		frame, err := Encode(KindBatchUpdate, BatchUpdate{Tokens: tokens}, now)
		if err != nil {
			r.log.Errorw("Failed to encode event", "kind", KindBatchUpdate, "error", err)
			continue
		}
		delivered += r.sendAll(KindBatchUpdate, []string{s.ID}, frame)
	}
	if len(rejected) > 0 {
		r.log.Debugw("Batch filtered out for clients", "clients", len(rejected))
	}
	return delivered
}

func (r *Router) sendAll(kind Kind, ids []string, frame []byte) int {
	n := 0
	for _, id := range ids {
		if r.sender.Send(id, frame) {
			n++
			continue
		}
		r.dropped.Add(1)
		metrics.Dropped("client_busy")
	}
	r.sentMsgs.Add(int64(n))
	metrics.Delivered(string(kind), n)
	return n
}

// Stats returns delivered and dropped frame counts.
func (r *Router) Stats() (delivered, dropped int64) {
	return r.sentMsgs.Load(), r.dropped.Load()
}

// QueueLen is the number of events waiting for delivery.
func (r *Router) QueueLen() int {
	return len(r.queue)
}
