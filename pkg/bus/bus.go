package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/wasmcloud/lattice/pkg/log"
)

// Publisher is the publish-only subset of the bus client
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte) error
}

// Requester is the request/reply subset of the bus client
type Requester interface {
	Request(ctx context.Context, subject string, payload []byte, timeout time.Duration) (*nats.Msg, error)
}

// RequestPublisher combines publishing and request/reply
type RequestPublisher interface {
	Publisher
	Requester
}

// Subscriber delivers messages matching a filter
type Subscriber interface {
	Subscribe(subject string) (<-chan *nats.Msg, func(), error)
}

// Client wraps the NATS connection used for control, RPC and event traffic.
// Trace context is carried in message headers on every publish and request.
type Client struct {
	nc     *nats.Conn
	logger zerolog.Logger
}

// Connect establishes a connection to the bus
func Connect(url string, opts ...nats.Option) (*Client, error) {
	opts = append([]nats.Option{
		nats.Name("lattice-host"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
	}, opts...)

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to bus at %s: %w", url, err)
	}

	return &Client{
		nc:     nc,
		logger: log.WithComponent("bus"),
	}, nil
}

// NewClient wraps an existing connection, used by tests
func NewClient(nc *nats.Conn) *Client {
	return &Client{nc: nc, logger: log.WithComponent("bus")}
}

// Publish sends a message with trace headers injected from ctx
func (c *Client) Publish(ctx context.Context, subject string, payload []byte) error {
	msg := &nats.Msg{
		Subject: subject,
		Header:  InjectHeaders(ctx),
		Data:    payload,
	}
	if err := c.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// PublishReply sends a reply to a received message
func (c *Client) PublishReply(ctx context.Context, reply string, payload []byte) error {
	if reply == "" {
		return nil
	}
	return c.Publish(ctx, reply, payload)
}

// Request performs a request/reply exchange with the given timeout
func (c *Client) Request(ctx context.Context, subject string, payload []byte, timeout time.Duration) (*nats.Msg, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg := &nats.Msg{
		Subject: subject,
		Header:  InjectHeaders(ctx),
		Data:    payload,
	}
	resp, err := c.nc.RequestMsgWithContext(reqCtx, msg)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", subject, err)
	}
	return resp, nil
}

// Subscribe delivers messages matching the filter on the returned channel.
// The subscription is removed when the returned cancel function is called.
func (c *Client) Subscribe(subject string) (<-chan *nats.Msg, func(), error) {
	ch := make(chan *nats.Msg, 64)
	sub, err := c.nc.ChanSubscribe(subject, ch)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	return ch, func() {
		if err := sub.Unsubscribe(); err != nil {
			c.logger.Warn().Err(err).Str("subject", subject).Msg("failed to unsubscribe")
		}
		close(ch)
	}, nil
}

// SubscribeQueue delivers messages matching the filter on the returned
// channel, load-balanced across subscribers in the same group
func (c *Client) SubscribeQueue(subject, group string) (<-chan *nats.Msg, func(), error) {
	ch := make(chan *nats.Msg, 64)
	sub, err := c.nc.ChanQueueSubscribe(subject, group, ch)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to queue subscribe to %s: %w", subject, err)
	}
	return ch, func() {
		if err := sub.Unsubscribe(); err != nil {
			c.logger.Warn().Err(err).Str("subject", subject).Msg("failed to unsubscribe")
		}
		close(ch)
	}, nil
}

// JetStream returns the JetStream context for KV bucket access
func (c *Client) JetStream() (nats.JetStreamContext, error) {
	js, err := c.nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}
	return js, nil
}

// Flush drains buffered publishes to the server
func (c *Client) Flush() error {
	return c.nc.Flush()
}

// Close flushes and closes the connection
func (c *Client) Close() {
	if err := c.nc.Flush(); err != nil {
		c.logger.Warn().Err(err).Msg("failed to flush bus connection on close")
	}
	c.nc.Close()
}
