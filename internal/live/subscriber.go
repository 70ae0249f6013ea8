package live

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

const reconnectDelay = 5 * time.Second

// Subscriber follows the live stream of one user and reconnects on transient
// errors.
type Subscriber struct {
	url     string
	uid     int64
	handle  func(Message)
	logger  *slog.Logger
	backoff time.Duration
}

// NewSubscriber creates a subscriber for the stream at wsURL
// (ws://host/v1/live). handle is called for every entry message.
func NewSubscriber(wsURL string, uid int64, handle func(Message), logger *slog.Logger) *Subscriber {
	return &Subscriber{
		url:     wsURL,
		uid:     uid,
		handle:  handle,
		logger:  logger,
		backoff: reconnectDelay,
	}
}

// Start processes messages until the context is cancelled.
func (s *Subscriber) Start(ctx context.Context) error {
	for {
		if err := s.subscribe(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error("live connection error, reconnecting", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.backoff):
		}
	}
}

func (s *Subscriber) subscribe(ctx context.Context) error {
	header := http.Header{}
	header.Set("X-User-ID", strconv.FormatInt(s.uid, 10))

	s.logger.Info("connecting to live stream", "url", s.url, "uid", s.uid)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, header)
	if err != nil {
		return fmt.Errorf("dial live stream: %w", err)
	}
	defer conn.Close()

	// Unblock ReadMessage when the context ends.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	var received int64
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Error("failed to parse live message", "error", err)
			continue
		}

		switch msg.Type {
		case MessageConnected:
			s.logger.Info("connected to live stream", "connectionID", msg.Conn)
		case MessageEntry:
			received++
			s.handle(msg)
		default:
			s.logger.Debug("ignoring live message", "type", msg.Type, "received", received)
		}
	}
}
