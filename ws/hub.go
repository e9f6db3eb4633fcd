package ws

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"dex_aggregator/broadcast"
	"dex_aggregator/metrics"
	"dex_aggregator/registry"
)

// Hub owns the live connections and mirrors them into the subscription
// registry. It is the router's Sender.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client

	reg     *registry.Registry
	sendBuf int
	log     *zap.SugaredLogger
	now     func() time.Time

	onWatch func(address string)
}

var _ broadcast.Sender = (*Hub)(nil)

func NewHub(reg *registry.Registry, sendBuf int, log *zap.SugaredLogger) *Hub {
	if sendBuf <= 0 {
		sendBuf = 256
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Hub{
		clients: make(map[string]*Client),
		reg:     reg,
		sendBuf: sendBuf,
		log:     log,
		now:     time.Now,
	}
}

// OnTokenSubscribe registers fn to receive the address of every
// subscribe:token message, as the client spelled it. Call before serving.
func (h *Hub) OnTokenSubscribe(fn func(address string)) {
	h.onWatch = fn
}

// Send queues frame for one client. Unknown ids and full queues report false.
func (h *Hub) Send(clientID string, frame []byte) bool {
	h.mu.RLock()
	c, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return c.Offer(frame)
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) add(c *Client) error {
	if err := h.reg.AddClient(c.id); err != nil {
		return err
	}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	return nil
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	if cur, ok := h.clients[c.id]; ok && cur == c {
		delete(h.clients, c.id)
	}
	h.mu.Unlock()
	h.reg.RemoveClient(c.id)
	c.close()
}

func (h *Hub) alive(id string) bool {
	h.mu.RLock()
	c, ok := h.clients[id]
	h.mu.RUnlock()
	return ok && !c.closed.Load()
}

// Sweep closes connections that have not answered a ping within silence and
// drops registry entries older than silence that no longer have a
// connection. It returns how many clients were removed.
func (h *Hub) Sweep(silence time.Duration) int {
	cutoff := h.now().Add(-silence).UnixNano()

	h.mu.RLock()
	var quiet []*Client
	for _, c := range h.clients {
		if c.lastPong.Load() < cutoff {
			quiet = append(quiet, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range quiet {
		h.log.Infow("Closing unresponsive client", "client_id", c.id)
		h.remove(c)
	}
	orphans := h.reg.CleanupStale(silence, h.alive)
	for _, id := range orphans {
		h.log.Debugw("Removed orphaned subscription", "client_id", id)
	}
	return len(quiet) + len(orphans)
}

// RunSweeper calls Sweep every interval until ctx ends.
func (h *Hub) RunSweeper(ctx context.Context, every, silence time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := h.Sweep(silence); n > 0 {
				h.log.Infow("Stale clients cleaned up", "removed", n, "connected", h.Count())
			}
		}
	}
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	all := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		all = append(all, c)
	}
	h.mu.RUnlock()
	for _, c := range all {
		h.remove(c)
	}
}

func (h *Hub) reply(c *Client, kind broadcast.Kind, payload any) {
	frame, err := broadcast.Encode(kind, payload, h.now())
	if err != nil {
		h.log.Errorw("Failed to encode reply", "type", kind, "error", err)
		return
	}
	if !c.Offer(frame) {
		metrics.Dropped("client_busy")
	}
}

func (h *Hub) replyError(c *Client, err error) {
	h.reply(c, broadcast.KindError, errorPayload{Message: err.Error()})
}
