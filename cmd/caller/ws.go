package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/dkeye/Classmate/internal/domain"
)

const writeWait = 5 * time.Second

// wsChannel is a call.SignalChannel over the server's WebSocket bridge.
type wsChannel struct {
	url    string
	logger zerolog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	done chan struct{}
}

func newWSChannel(url string, logger zerolog.Logger) *wsChannel {
	return &wsChannel{url: url, logger: logger}
}

type envelope struct {
	Type  string `json:"type"`
	Error string `json:"error,omitempty"`
}

func (c *wsChannel) Subscribe(ctx context.Context, handler func(domain.SignalMessage), lost func(error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return errors.New("ws: already subscribed")
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	} else {
		_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	}
	var ack envelope
	if err := conn.ReadJSON(&ack); err != nil {
		_ = conn.Close()
		return fmt.Errorf("ws: waiting for subscribe ack: %w", err)
	}
	if ack.Type != "subscribed" {
		_ = conn.Close()
		return fmt.Errorf("ws: subscribe refused: %s", ack.Error)
	}
	_ = conn.SetReadDeadline(time.Time{})

	c.conn = conn
	c.done = make(chan struct{})
	go c.readLoop(conn, handler, lost, c.done)
	return nil
}

func (c *wsChannel) readLoop(conn *websocket.Conn, handler func(domain.SignalMessage), lost func(error), done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.readFailed(conn, err, lost)
			return
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case "pong", "subscribed":
			continue
		case "error":
			c.logger.Warn().Str("code", env.Error).Msg("signal bridge error")
			continue
		}
		var msg domain.SignalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		handler(msg)
	}
}

// readFailed reports the loss unless Unsubscribe already detached conn.
func (c *wsChannel) readFailed(conn *websocket.Conn, err error, lost func(error)) {
	c.mu.Lock()
	current := c.conn == conn
	if current {
		c.conn, c.done = nil, nil
	}
	c.mu.Unlock()
	if !current {
		c.logger.Debug().Err(err).Msg("signal read ended")
		return
	}
	_ = conn.Close()
	c.logger.Warn().Err(err).Msg("signal connection lost")
	if lost != nil {
		lost(fmt.Errorf("ws: %w", err))
	}
}

func (c *wsChannel) Publish(ctx context.Context, msg domain.SignalMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errors.New("ws: not subscribed")
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteJSON(msg)
}

func (c *wsChannel) Unsubscribe() error {
	c.mu.Lock()
	conn, done := c.conn, c.done
	c.conn, c.done = nil, nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	err := conn.Close()
	<-done
	return err
}
