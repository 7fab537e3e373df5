// Package mqtt connects the controller to an MQTT broker. Operators publish
// text commands on <prefix>/commands and get replies on <prefix>/replies; the
// same connection carries notifications. The broker being down never holds up
// the control loop.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/greenhouse-controller/internal/command"
	"github.com/thatsimonsguy/greenhouse-controller/internal/config"
)

var ErrNotConnected = errors.New("mqtt broker not connected")

const (
	qos            = 1
	connectTimeout = 10 * time.Second
)

// Handler runs one text command. command.Dispatcher implements it.
type Handler interface {
	Handle(ctx context.Context, text string, send func(command.Reply))
}

// publisher is the part of paho.Client used after connecting.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	IsConnectionOpen() bool
}

// seam for tests
var newClient = paho.NewClient

type Client struct {
	cfg     config.MQTT
	handler Handler

	mu     sync.RWMutex
	conn   publisher
	client paho.Client
	ctx    context.Context
}

type reply struct {
	Text       string    `json:"text,omitempty"`
	Attachment string    `json:"attachment,omitempty"`
	SentAt     time.Time `json:"sent_at"`
}

func New(cfg config.MQTT, handler Handler) *Client {
	return &Client{cfg: cfg, handler: handler, ctx: context.Background()}
}

// SetHandler replaces the command handler. main builds the client before the
// controller exists, so the handler is attached afterwards.
func (c *Client) SetHandler(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

func (c *Client) CommandsTopic() string { return c.cfg.TopicPrefix + "/commands" }
func (c *Client) RepliesTopic() string { return c.cfg.TopicPrefix + "/replies" }

// Start connects in the background, retrying with exponential backoff until
// ctx is done. paho reconnects on its own once the first connection is up.
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()

	go func() {
		if err := c.connect(ctx); err != nil {
			log.Warn().Err(err).Str("broker", c.cfg.Broker).Msg("Giving up on MQTT broker")
			return
		}
		<-ctx.Done()
		c.Close()
	}()
}

func (c *Client) options() *paho.ClientOptions {
	opts := paho.NewClientOptions()
	opts.AddBroker(c.cfg.Broker)
	opts.SetClientID(c.cfg.ClientID)
	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		log.Warn().Err(err).Str("broker", c.cfg.Broker).Msg("MQTT connection lost")
	})
	return opts
}

func (c *Client) connect(ctx context.Context) error {
	opts := c.options()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.MaxInterval = 5 * time.Minute
	bo.MaxElapsedTime = 0 // keep trying until ctx is done

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		client := newClient(opts)
		token := client.Connect()
		if !token.WaitTimeout(connectTimeout) {
			log.Warn().Int("attempt", attempt).Str("broker", c.cfg.Broker).Msg("MQTT connect timed out")
			return fmt.Errorf("connect to %s timed out", c.cfg.Broker)
		}
		if err := token.Error(); err != nil {
			log.Warn().Err(err).Int("attempt", attempt).Str("broker", c.cfg.Broker).Msg("Failed to connect to MQTT broker")
			return err
		}

		c.mu.Lock()
		c.client = client
		c.conn = client
		c.mu.Unlock()
		return nil
	}, backoff.WithContext(bo, ctx))
}

// onConnect (re)subscribes to the command topic after every connect.
func (c *Client) onConnect(client paho.Client) {
	log.Info().Str("broker", c.cfg.Broker).Str("topic", c.CommandsTopic()).Msg("Connected to MQTT broker")

	token := client.Subscribe(c.CommandsTopic(), qos, func(_ paho.Client, m paho.Message) {
		c.onMessage(m.Payload())
	})
	go func() {
		if token.WaitTimeout(connectTimeout) && token.Error() != nil {
			log.Error().Err(token.Error()).Str("topic", c.CommandsTopic()).Msg("Failed to subscribe to commands")
		}
	}()
}

// onMessage hands the command to its own goroutine; paho's callbacks must not
// block.
func (c *Client) onMessage(payload []byte) {
	c.mu.RLock()
	ctx := c.ctx
	c.mu.RUnlock()
	go c.dispatch(ctx, payload)
}

func (c *Client) dispatch(ctx context.Context, payload []byte) {
	c.mu.RLock()
	handler := c.handler
	c.mu.RUnlock()
	if handler == nil {
		log.Warn().Msg("Dropping MQTT command, no handler attached")
		return
	}

	handler.Handle(ctx, string(payload), func(r command.Reply) {
		body, err := json.Marshal(reply{Text: r.Text, Attachment: r.Attachment, SentAt: time.Now().UTC()})
		if err != nil {
			log.Error().Err(err).Msg("Failed to marshal reply")
			return
		}
		pubCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		if err := c.Publish(pubCtx, c.RepliesTopic(), body); err != nil {
			log.Warn().Err(err).Msg("Failed to publish reply")
		}
	})
}

// Publish sends payload and waits for the broker to take it or ctx to end.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil || !conn.IsConnectionOpen() {
		return ErrNotConnected
	}

	token := conn.Publish(topic, qos, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("publish to %s: %w", topic, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && c.conn.IsConnectionOpen()
}

func (c *Client) Close() {
	c.mu.Lock()
	client := c.client
	c.client, c.conn = nil, nil
	c.mu.Unlock()

	if client != nil && client.IsConnected() {
		client.Disconnect(250)
		log.Info().Msg("MQTT client disconnected")
	}
}
