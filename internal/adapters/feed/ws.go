// Package feed is the websocket change-feed adapter: one socket per
// subscribed topic, decoded into core events.
package feed

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/glowstream/livegrid/internal/core"
)

const (
	eventBuffer = 32

	// pongWait bounds how long a topic may stay silent before the
	// socket is declared dead. Must exceed the ping period.
	pongWait  = 2 * time.Minute
	writeWait = 10 * time.Second
)

type Feed struct {
	baseURL    string
	pingPeriod time.Duration
	dialer     *websocket.Dialer
}

func New(baseURL string, pingPeriod time.Duration) *Feed {
	return &Feed{baseURL: baseURL, pingPeriod: pingPeriod, dialer: websocket.DefaultDialer}
}

// Open dials one channel for topic. The caller owns the returned
// channel and must Close() it.
func (f *Feed) Open(ctx context.Context, topic string) (core.FeedChannel, error) {
	u := f.baseURL + "?topic=" + url.QueryEscape(topic)
	conn, _, err := f.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, err
	}
	ch := &channel{
		topic:      topic,
		conn:       conn,
		pingPeriod: f.pingPeriod,
		events:     make(chan core.Event, eventBuffer),
		done:       make(chan struct{}),
	}
	go ch.readPump()
	go ch.pingLoop()
	log.Info().Str("module", "feed").Str("topic", topic).Msg("channel dialed")
	return ch, nil
}

type channel struct {
	topic      string
	conn       *websocket.Conn
	pingPeriod time.Duration
	events     chan core.Event
	done       chan struct{}

	mu     sync.Mutex
	closed bool
}

func (c *channel) Events() <-chan core.Event { return c.events }

func (c *channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()
	return c.conn.Close()
}

// wire format of one change notification.
type wireEvent struct {
	Type   string          `json:"type"`
	Table  string          `json:"table"`
	Record json.RawMessage `json:"record"`
}

// pingLoop keeps a quiet topic socket alive; the server's pongs push
// the read deadline forward in readPump's pong handler.
func (c *channel) pingLoop() {
	ticker := time.NewTicker(c.pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "feed").Str("topic", c.topic).Msg("ping failed")
				return
			}
		}
	}
}

func (c *channel) readPump() {
	defer close(c.events)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				log.Error().Err(err).Str("module", "feed").Str("topic", c.topic).Msg("read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		var we wireEvent
		if err := json.Unmarshal(data, &we); err != nil {
			log.Error().Err(err).Str("module", "feed").Str("topic", c.topic).Msg("bad json")
			continue
		}
		c.events <- core.Event{
			Type:   core.EventType(we.Type),
			Topic:  c.topic,
			Record: we.Record,
		}
	}
}
