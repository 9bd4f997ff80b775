// Package messaging publishes protocol events over NATS and fans them
// out to in-process subscribers (the gateway's websocket stream). A nil
// Client is valid and drops everything, so services never need to guard
// their publish calls.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// ClientOptions configures the NATS connection.
type ClientOptions struct {
	Name          string
	ReconnectWait time.Duration
	MaxReconnects int
}

// Client wraps a NATS connection plus local subscribers.
type Client struct {
	conn *nats.Conn

	mu     sync.RWMutex
	locals []func(Event)
}

// NewClient connects to NATS. An empty URL returns a local-only client:
// events still reach in-process subscribers, nothing leaves the node.
func NewClient(url string, opts ClientOptions) (*Client, error) {
	c := &Client{}
	if url == "" {
		return c, nil
	}

	conn, err := nats.Connect(url,
		nats.Name(opts.Name),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.MaxReconnects(opts.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("nats disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("nats reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	c.conn = conn
	return c, nil
}

// Publish sends the event on its subject. Local subscribers always see
// the event; NATS delivery is best-effort and logged on failure.
func (c *Client) Publish(_ context.Context, ev Event) {
	if c == nil {
		return
	}
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	c.mu.RLock()
	locals := make([]func(Event), len(c.locals))
	copy(locals, c.locals)
	c.mu.RUnlock()
	for _, fn := range locals {
		fn(ev)
	}

	if c.conn == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("marshal event %s: %v", ev.Subject, err)
		return
	}
	if err := c.conn.Publish("tokenvault."+ev.Subject, data); err != nil {
		log.Printf("publish %s: %v", ev.Subject, err)
	}
}

// SubscribeLocal registers an in-process subscriber for every event.
func (c *Client) SubscribeLocal(fn func(Event)) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.locals = append(c.locals, fn)
	c.mu.Unlock()
}

// Close drains the NATS connection.
func (c *Client) Close() {
	if c == nil || c.conn == nil {
		return
	}
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
	}
}
