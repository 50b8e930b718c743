package relay

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// publisher is the part of *nats.Conn the bridge publishes through.
type publisher interface {
	Publish(subject string, data []byte) error
}

// NATSBridge exposes the hub on a NATS connection. Commands are read from
// <prefix>.<id>.control and events for <id> are published on
// <prefix>.<id>.events.
type NATSBridge struct {
	conn   *nats.Conn
	pub    publisher
	hub    *Hub
	prefix string
	logger *zap.Logger

	sub *nats.Subscription
}

func NewNATSBridge(conn *nats.Conn, hub *Hub, prefix string, logger *zap.Logger) *NATSBridge {
	return &NATSBridge{
		conn:   conn,
		pub:    conn,
		hub:    hub,
		prefix: prefix,
		logger: logger,
	}
}

// Start subscribes to the control subjects.
func (b *NATSBridge) Start() error {
	sub, err := b.conn.Subscribe(b.prefix+".*.control", b.handle)
	if err != nil {
		return fmt.Errorf("subscribing to control subjects: %w", err)
	}
	b.sub = sub
	b.logger.Info("nats relay listening", zap.String("subject", sub.Subject))
	return nil
}

// Stop drops the control subscription.
func (b *NATSBridge) Stop() error {
	if b.sub == nil {
		return nil
	}
	return b.sub.Unsubscribe()
}

func (b *NATSBridge) handle(msg *nats.Msg) {
	id, ok := b.executionID(msg.Subject)
	if !ok {
		return
	}

	var cmd Command
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		b.logger.Debug("dropping malformed nats command",
			zap.String("subject", msg.Subject), zap.Error(err))
		return
	}
	cmd.ID = id

	b.hub.Handle(&natsMember{id: id, subject: b.EventsSubject(id), pub: b.pub}, cmd)
}

// EventsSubject is the subject events for execution id are published on.
func (b *NATSBridge) EventsSubject(id string) string {
	return b.prefix + "." + id + ".events"
}

func (b *NATSBridge) executionID(subject string) (string, bool) {
	rest, ok := strings.CutPrefix(subject, b.prefix+".")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, ".control")
	if !ok || id == "" || strings.Contains(id, ".") {
		return "", false
	}
	return id, true
}

// natsMember stands for every NATS subscriber of one execution's events.
type natsMember struct {
	id      string
	subject string
	pub     publisher
}

func (m *natsMember) ID() string {
	return "nats:" + m.id
}

func (m *natsMember) Send(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return m.pub.Publish(m.subject, data)
}
