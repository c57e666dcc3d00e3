package controller

import (
	"sync"

	"github.com/gofiber/websocket/v2"
)

// LiveEvent is the internal live-update notification pushed to websocket
// subscribers whenever a webhook event mutates tenant data.
type LiveEvent struct {
	UserID    uint   `json:"-"`
	Kind      string `json:"kind"`
	Phone     string `json:"phone,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Status    string `json:"status,omitempty"`
}

// LiveHub fans LiveEvents out to per-tenant websocket subscribers. Slow
// subscribers are dropped rather than blocking the webhook path.
type LiveHub struct {
	mu   sync.RWMutex
	subs map[uint]map[chan LiveEvent]struct{}
}

func NewLiveHub() *LiveHub {
	return &LiveHub{subs: make(map[uint]map[chan LiveEvent]struct{})}
}

func (h *LiveHub) Subscribe(userID uint) chan LiveEvent {
	ch := make(chan LiveEvent, 16)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[chan LiveEvent]struct{})
	}
	h.subs[userID][ch] = struct{}{}
	return ch
}

func (h *LiveHub) Unsubscribe(userID uint, ch chan LiveEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[userID]; ok {
		delete(set, ch)
		if len(set) == 0 {
			delete(h.subs, userID)
		}
	}
	close(ch)
}

// Emit never blocks: events to a full subscriber buffer are discarded.
func (h *LiveHub) Emit(event LiveEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[event.UserID] {
		select {
		case ch <- event:
		default:
		}
	}
}

// HandleLiveEvents streams live webhook notifications for the authenticated
// tenant over a websocket connection. The user id is resolved by the JWT
// middleware before the upgrade and stashed in locals.
func (wc *WebhookController) HandleLiveEvents(c *websocket.Conn) {
	userID, ok := c.Locals("user_id").(uint)
	if !ok {
		c.Close()
		return
	}

	ch := wc.Hub.Subscribe(userID)
	defer wc.Hub.Unsubscribe(userID, ch)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case event, ok := <-ch:
			if !ok {
				return
			}
			if err := c.WriteJSON(event); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
