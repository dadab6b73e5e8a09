package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/coder/websocket"
)

// Push message kinds sent by the server over the event channel.
const (
	pushKindEvent     = "event"
	pushKindKeepAlive = "keepalive"
	pushKindResumed   = "resumed"
)

// readTimeout bounds how long the subscription waits for any frame.
// The server sends keep-alives well inside this window; silence past it
// means the connection is dead.
const readTimeout = 90 * time.Second

// PushEvent is one remote-side change notification. URI identifies the
// affected file; Kind is the server's change type (create, modify, delete,
// rename).
type PushEvent struct {
	Kind string `json:"kind"`
	URI  string `json:"uri"`
}

// pushFrame is the wire shape of every websocket message.
type pushFrame struct {
	Type string    `json:"type"`
	Data PushEvent `json:"data"`
}

// EventSubscriber is implemented by clients that can open a push channel.
// Consumers type-assert against it so fakes without push support degrade
// to polling.
type EventSubscriber interface {
	SubscribeEvents(ctx context.Context, rootURI string) (PushStream, error)
}

// PushStream is a live stream of remote change events. The Events channel
// closes when the stream ends; the consumer then re-subscribes or falls
// back to polling.
type PushStream interface {
	Events() <-chan PushEvent
	Close() error
}

// PushSubscription is a live websocket subscription to remote change
// events under one root URI. Events arrive on Events(); a nil error from
// Err() after Events() closes means a clean shutdown.
type PushSubscription struct {
	conn   *websocket.Conn
	events chan PushEvent
	err    error
	logger *slog.Logger
}

// SubscribeEvents opens the event push channel for changes under rootURI.
// The caller owns the returned subscription and must Close it. The
// connection failing is the caller's signal to fall back to polling and
// mark the drive's push channel lost.
func (c *Client) SubscribeEvents(ctx context.Context, rootURI string) (PushStream, error) {
	wsURL := strings.Replace(c.baseURL, "http", "ws", 1) + "/api/v4/file/events"

	tok, err := c.creds.Token()
	if err != nil {
		return nil, fmt.Errorf("remote: obtaining credential for push: %w", err)
	}

	c.logger.Info("subscribing to remote events", slog.String("root", rootURI))

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: c.httpClient,
		HTTPHeader: map[string][]string{
			"Authorization": {"Bearer " + tok},
			"User-Agent":    {userAgent},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("remote: dialing event push: %w", err)
	}

	// Announce the subscription root.
	sub, err := json.Marshal(map[string]string{"subscribe": rootURI})
	if err != nil {
		conn.Close(websocket.StatusInternalError, "encode failure")
		return nil, fmt.Errorf("remote: marshaling subscribe frame: %w", err)
	}

	if err := conn.Write(ctx, websocket.MessageText, sub); err != nil {
		conn.Close(websocket.StatusInternalError, "write failure")
		return nil, fmt.Errorf("remote: sending subscribe frame: %w", err)
	}

	s := &PushSubscription{
		conn:   conn,
		events: make(chan PushEvent, 64),
		logger: c.logger,
	}

	go s.readLoop(ctx)

	return s, nil
}

// Events returns the channel of incoming push events. It closes when the
// subscription ends; check Err afterwards.
func (s *PushSubscription) Events() <-chan PushEvent {
	return s.events
}

// Err returns the terminal error of the read loop, nil on clean shutdown.
func (s *PushSubscription) Err() error {
	return s.err
}

// Close tears the subscription down. The Events channel closes shortly
// after.
func (s *PushSubscription) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "client shutdown")
}

// readLoop reads frames until the connection dies or ctx is canceled.
func (s *PushSubscription) readLoop(ctx context.Context) {
	defer close(s.events)

	for {
		readCtx, cancel := context.WithTimeout(ctx, readTimeout)
		_, data, err := s.conn.Read(readCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return
			}

			s.err = fmt.Errorf("remote: event push read: %w", err)
			s.logger.Warn("event push connection lost", slog.String("error", err.Error()))

			return
		}

		var frame pushFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.logger.Warn("dropping malformed push frame", slog.String("error", err.Error()))
			continue
		}

		switch frame.Type {
		case pushKindKeepAlive, pushKindResumed:
			s.logger.Debug("push channel heartbeat", slog.String("type", frame.Type))
		case pushKindEvent:
			select {
			case s.events <- frame.Data:
			case <-ctx.Done():
				return
			}
		default:
			s.logger.Debug("ignoring unknown push frame", slog.String("type", frame.Type))
		}
	}
}
