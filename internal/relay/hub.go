// Package relay connects remote clients to running executions. Clients join a
// per-execution channel to receive its events, and holders of the execution's
// auth code can start it, feed it input, resize its terminal or stop it.
package relay

import (
	"crypto/subtle"
	"sync"

	"github.com/michaelbrown/penbox/internal/sandbox"
	"go.uber.org/zap"
)

type EventType string

const (
	EventStarted EventType = "started"
	EventStream  EventType = "stream"
	EventEnded   EventType = "ended"
)

// Event is sent to every member of an execution's channel. Data carries raw
// terminal bytes, base64 encoded on the wire, since output chunks can split
// multi-byte characters or hold bytes that are not UTF-8 at all.
type Event struct {
	Type EventType `json:"type"`
	ID   string    `json:"id"`
	Data []byte    `json:"data,omitempty"`
}

type CommandType string

const (
	CommandJoin   CommandType = "join"
	CommandStart  CommandType = "start"
	CommandInput  CommandType = "input"
	CommandResize CommandType = "resize"
	CommandStop   CommandType = "stop"
)

// Command is a control message from a member. Every type except join must
// carry the execution's auth code.
type Command struct {
	Type     CommandType `json:"type"`
	ID       string      `json:"id"`
	AuthCode string      `json:"auth_code,omitempty"`
	Input    string      `json:"input,omitempty"`
	Rows     uint16      `json:"rows,omitempty"`
	Cols     uint16      `json:"cols,omitempty"`
}

// Member is one connected client.
type Member interface {
	ID() string
	Send(Event) error
}

// Lookup finds executions by id. *sandbox.Registry implements it.
type Lookup interface {
	Get(id string) (*sandbox.Execution, bool)
}

type channel struct {
	members     map[string]Member
	unsubscribe func()
}

// Hub routes commands to executions and events to channel members.
type Hub struct {
	lookup Lookup
	logger *zap.Logger

	mu       sync.Mutex
	channels map[string]*channel
}

func NewHub(lookup Lookup, logger *zap.Logger) *Hub {
	return &Hub{
		lookup:   lookup,
		logger:   logger,
		channels: make(map[string]*channel),
	}
}

// Handle applies cmd on behalf of m. Commands for unknown executions, with a
// wrong auth code or of an unknown type are dropped without reply.
func (h *Hub) Handle(m Member, cmd Command) {
	e, ok := h.lookup.Get(cmd.ID)
	if !ok {
		h.logger.Debug("dropping command for unknown execution",
			zap.String("member", m.ID()), zap.String("execution", cmd.ID))
		return
	}

	switch cmd.Type {
	case CommandJoin:
		h.Join(m, e)
		return
	case CommandStart, CommandInput, CommandResize, CommandStop:
	default:
		h.logger.Debug("dropping unknown command",
			zap.String("member", m.ID()), zap.String("type", string(cmd.Type)))
		return
	}

	if !authorized(e, cmd.AuthCode) {
		h.logger.Debug("dropping unauthorized command",
			zap.String("member", m.ID()),
			zap.String("execution", e.ID),
			zap.String("type", string(cmd.Type)))
		return
	}

	switch cmd.Type {
	case CommandStart:
		h.Join(m, e)
		if err := e.Start(); err != nil {
			h.logger.Debug("start rejected", zap.String("execution", e.ID), zap.Error(err))
		}
	case CommandInput:
		if err := e.SendString(cmd.Input); err != nil {
			h.logger.Debug("input dropped", zap.String("execution", e.ID), zap.Error(err))
		}
	case CommandResize:
		if cmd.Rows == 0 || cmd.Cols == 0 {
			return
		}
		if err := e.Resize(cmd.Rows, cmd.Cols); err != nil {
			h.logger.Debug("resize failed", zap.String("execution", e.ID), zap.Error(err))
		}
	case CommandStop:
		e.Stop()
	}
}

// Join adds m to the channel of e. A member joining an execution that has
// already ended is told so right away.
func (h *Hub) Join(m Member, e *sandbox.Execution) {
	h.mu.Lock()
	ch, ok := h.channels[e.ID]
	if !ok {
		ch = &channel{members: make(map[string]Member)}
		h.channels[e.ID] = ch
		ch.unsubscribe = e.Subscribe(h.observer(e.ID))
	}
	ch.members[m.ID()] = m
	h.mu.Unlock()

	if e.Ended() {
		h.deliver(m, Event{Type: EventEnded, ID: e.ID})
	}
}

// Leave removes m from every channel. Channels left without members stop
// observing their execution.
func (h *Hub) Leave(m Member) {
	var unsubs []func()

	h.mu.Lock()
	for id, ch := range h.channels {
		if _, ok := ch.members[m.ID()]; !ok {
			continue
		}
		delete(ch.members, m.ID())
		if len(ch.members) == 0 {
			unsubs = append(unsubs, ch.unsubscribe)
			delete(h.channels, id)
		}
	}
	h.mu.Unlock()

	for _, fn := range unsubs {
		fn()
	}
}

// Forget drops the channel of execution id. It is registered as the
// registry's purge hook.
func (h *Hub) Forget(id string) {
	h.mu.Lock()
	ch, ok := h.channels[id]
	delete(h.channels, id)
	h.mu.Unlock()

	if ok {
		ch.unsubscribe()
	}
}

// Members returns the number of members joined to execution id.
func (h *Hub) Members(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.channels[id]; ok {
		return len(ch.members)
	}
	return 0
}

func (h *Hub) observer(id string) sandbox.Observer {
	return sandbox.Observer{
		OnStart: func() {
			h.broadcast(id, Event{Type: EventStarted, ID: id})
		},
		OnStream: func(data []byte) {
			h.broadcast(id, Event{Type: EventStream, ID: id, Data: data})
		},
		OnEnd: func() {
			h.broadcast(id, Event{Type: EventEnded, ID: id})
		},
	}
}

func (h *Hub) broadcast(id string, ev Event) {
	h.mu.Lock()
	ch, ok := h.channels[id]
	if !ok {
		h.mu.Unlock()
		return
	}
	members := make([]Member, 0, len(ch.members))
	for _, m := range ch.members {
		members = append(members, m)
	}
	h.mu.Unlock()

	for _, m := range members {
		h.deliver(m, ev)
	}
}

func (h *Hub) deliver(m Member, ev Event) {
	if err := m.Send(ev); err != nil {
		h.logger.Debug("dropping member after failed send",
			zap.String("member", m.ID()), zap.Error(err))
		h.Leave(m)
	}
}

func authorized(e *sandbox.Execution, code string) bool {
	return code != "" && subtle.ConstantTimeCompare([]byte(e.AuthCode), []byte(code)) == 1
}
