package ws

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/encoding/json"

	"dex_aggregator/broadcast"
	"dex_aggregator/models"
	"dex_aggregator/registry"
)

// Client message types.
const (
	MsgSubscribeTokens   = "subscribe:tokens"
	MsgUnsubscribeTokens = "unsubscribe:tokens"
	MsgSubscribeToken    = "subscribe:token"
	MsgUnsubscribeToken  = "unsubscribe:token"
	MsgSubscribeChain    = "subscribe:chain"
	MsgUnsubscribeChain  = "unsubscribe:chain"
)

const (
	kindConnected    broadcast.Kind = "connected"
	kindSubscribed   broadcast.Kind = "subscribed"
	kindUnsubscribed broadcast.Kind = "unsubscribed"
)

var errBadMessage = errors.New("malformed message")

type ClientMsg struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type connectedPayload struct {
	ClientID  string    `json:"clientId"`
	Timestamp time.Time `json:"timestamp"`
}

type subscribedPayload struct {
	Filters *registry.Filters `json:"filters,omitempty"`
	Room    string            `json:"room,omitempty"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// handle applies one client message to the registry and acknowledges it.
func (h *Hub) handle(c *Client, raw []byte) {
	var msg ClientMsg
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Type == "" {
		h.replyError(c, errBadMessage)
		return
	}

	switch msg.Type {
	case MsgSubscribeTokens:
		var f registry.Filters
		if len(msg.Payload) > 0 && string(msg.Payload) != "null" {
			if err := json.Unmarshal(msg.Payload, &f); err != nil {
				h.replyError(c, fmt.Errorf("%w: %v", registry.ErrInvalidFilter, err))
				return
			}
		}
		if err := h.reg.SetFilters(c.id, f); err != nil {
			h.replyError(c, err)
			return
		}
		applied, _ := h.reg.Filters(c.id)
		h.leaveFilterRooms(c)
		h.reg.JoinRoom(c.id, registry.RoomAll)
		for _, chain := range applied.Chains {
			room := registry.ChainRoom(chain)
			h.reg.JoinRoom(c.id, room)
			c.filterRooms[room] = true
		}
		h.log.Debugw("Client subscribed to tokens", "client_id", c.id, "chains", applied.Chains)
		h.reply(c, kindSubscribed, subscribedPayload{Filters: &applied, Room: registry.RoomAll})

	case MsgUnsubscribeTokens:
		h.reg.LeaveRoom(c.id, registry.RoomAll)
		h.leaveFilterRooms(c)
		h.reg.ClearFilters(c.id)
		h.reply(c, kindUnsubscribed, subscribedPayload{Room: registry.RoomAll})

	case MsgSubscribeToken, MsgUnsubscribeToken:
		addr, err := nameArg(msg.Payload, "address")
		if err != nil {
			h.replyError(c, err)
			return
		}
		if msg.Type == MsgSubscribeToken && h.onWatch != nil {
			h.onWatch(addr)
		}
		h.toggle(c, msg.Type == MsgSubscribeToken, registry.TokenRoom(addr))

	case MsgSubscribeChain, MsgUnsubscribeChain:
		chain, err := nameArg(msg.Payload, "chain")
		if err != nil {
			h.replyError(c, err)
			return
		}
		room := registry.ChainRoom(models.CanonicalChain(strings.ToLower(chain)))
		if msg.Type == MsgSubscribeChain {
			c.explicitRooms[room] = true
		} else {
			delete(c.explicitRooms, room)
			delete(c.filterRooms, room)
		}
		h.toggle(c, msg.Type == MsgSubscribeChain, room)

	default:
		h.replyError(c, fmt.Errorf("%w: unknown type %q", errBadMessage, msg.Type))
	}
}

// leaveFilterRooms drops the chain rooms a previous subscribe:tokens joined,
// keeping any the client asked for with subscribe:chain.
func (h *Hub) leaveFilterRooms(c *Client) {
	for room := range c.filterRooms {
		if !c.explicitRooms[room] {
			h.reg.LeaveRoom(c.id, room)
		}
		delete(c.filterRooms, room)
	}
}

func (h *Hub) toggle(c *Client, join bool, room string) {
	if join {
		h.reg.JoinRoom(c.id, room)
		h.reply(c, kindSubscribed, subscribedPayload{Room: room})
		return
	}
	h.reg.LeaveRoom(c.id, room)
	h.reply(c, kindUnsubscribed, subscribedPayload{Room: room})
}

// nameArg accepts either a bare JSON string or an object carrying field.
func nameArg(payload json.RawMessage, field string) (string, error) {
	var s string
	if err := json.Unmarshal(payload, &s); err != nil {
		var obj map[string]string
		if err := json.Unmarshal(payload, &obj); err != nil {
			return "", fmt.Errorf("%w: %s expected", errBadMessage, field)
		}
		s = obj[field]
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("%w: empty %s", errBadMessage, field)
	}
	return s, nil
}
