package syncchannel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

const (
	natsMaxReconnects = 10
	natsReconnectWait = 2 * time.Second

	// DefaultSubjectPrefix roots every room subject.
	DefaultSubjectPrefix = "debate.rooms"
)

// NATSTransport broadcasts over core NATS pub/sub. Each room and event type
// maps to one subject; every subscriber receives every publish, the sender
// included.
type NATSTransport struct {
	nc       *nats.Conn
	ownsConn bool
	prefix   string
	roomID   string

	mu   sync.Mutex
	subs []*nats.Subscription
}

// setupNATSConnection opens a connection with reconnect handling.
func setupNATSConnection(natsURL, name string) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(natsMaxReconnects),
		nats.ReconnectWait(natsReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(natsURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return nc, nil
}

// ConnectNATS dials natsURL and returns a transport for roomID that owns the connection.
func ConnectNATS(natsURL, prefix, roomID, peerID string) (*NATSTransport, error) {
	nc, err := setupNATSConnection(natsURL, "debate-peer-"+peerID)
	if err != nil {
		return nil, err
	}
	t := NewNATSTransport(nc, prefix, roomID)
	t.ownsConn = true

	log.Info().
		Str("url", nc.ConnectedUrl()).
		Str("room_id", roomID).
		Msg("connected NATS transport")
	return t, nil
}

// NewNATSTransport wraps an existing connection. Close does not close nc.
func NewNATSTransport(nc *nats.Conn, prefix, roomID string) *NATSTransport {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSTransport{nc: nc, prefix: prefix, roomID: roomID}
}

// Subject returns the subject used for eventType in this room.
func (t *NATSTransport) Subject(eventType string) string {
	return subjectFor(t.prefix, t.roomID, eventType)
}

func subjectFor(prefix, roomID, eventType string) string {
	return fmt.Sprintf("%s.%s.%s", prefix, roomID, eventType)
}

func (t *NATSTransport) Broadcast(_ context.Context, eventType string, payload []byte) error {
	if err := t.nc.Publish(t.Subject(eventType), payload); err != nil {
		return fmt.Errorf("publish %s: %w", eventType, err)
	}
	return nil
}

func (t *NATSTransport) OnEvent(eventType string, handler func(payload []byte)) error {
	subject := t.Subject(eventType)
	sub, err := t.nc.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}

	t.mu.Lock()
	t.subs = append(t.subs, sub)
	t.mu.Unlock()

	log.Debug().Str("subject", subject).Msg("subscribed to room subject")
	return nil
}

// Close drops all subscriptions and, when the transport dialled it, the connection.
func (t *NATSTransport) Close() error {
	t.mu.Lock()
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			log.Warn().Err(err).Str("subject", sub.Subject).Msg("failed to unsubscribe")
		}
	}
	if t.ownsConn {
		return t.nc.Drain()
	}
	return nil
}
