package notifications

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/thatsimonsguy/greenhouse-controller/internal/config"
	"github.com/thatsimonsguy/greenhouse-controller/internal/env"
)

var ErrDelivery = errors.New("notification delivery failed")

type Category string

const (
	General   Category = "general"
	Emergency Category = "emergency"
	Images    Category = "images"
)

type Message struct {
	Category Category
	Title    string
	Text     string
	// Attachment is a local file path sent along with the text.
	Attachment string
}

// Notifier delivers messages on a best-effort basis. It never fails and
// never blocks for longer than it takes to queue the message.
type Notifier interface {
	Notify(ctx context.Context, msg Message)
}

// Sink is one delivery endpoint. Send reports failures; wrap it in
// BestEffort to get a Notifier.
type Sink interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// Init builds the notifier described by env.Cfg. pub may be nil when MQTT is
// not configured.
func Init(pub Publisher) Fanout {
	var fanout Fanout

	if env.Cfg.Ntfy.Topics != (config.NtfyTopics{}) {
		ntfy := NewNtfy(env.Cfg.Ntfy.Server, env.Cfg.Ntfy.Token, map[Category]string{
			General:   env.Cfg.Ntfy.Topics.General,
			Emergency: env.Cfg.Ntfy.Topics.Emergency,
			Images:    env.Cfg.Ntfy.Topics.Images,
		})
		fanout = append(fanout, NewBestEffort(ntfy, BestEffortOptions{}))
		log.Info().Str("server", env.Cfg.Ntfy.Server).Msg("Ntfy notifications initialized")
	} else {
		log.Warn().Msg("Ntfy topics not configured - ntfy notifications disabled")
	}

	if pub != nil {
		fanout = append(fanout, NewBestEffort(NewMQTTSink(pub, env.Cfg.MQTT.TopicPrefix), BestEffortOptions{}))
		log.Info().Str("prefix", env.Cfg.MQTT.TopicPrefix).Msg("MQTT notifications initialized")
	}

	return fanout
}

// Fanout sends every message to each notifier in turn.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, msg Message) {
	for _, n := range f {
		n.Notify(ctx, msg)
	}
}

// Close stops every BestEffort notifier in the fan-out, waiting for queued
// messages to be attempted.
func (f Fanout) Close() {
	for _, n := range f {
		if c, ok := n.(interface{ Close() }); ok {
			c.Close()
		}
	}
}

type BestEffortOptions struct {
	// Timeout bounds a single delivery attempt. Default 10s.
	Timeout time.Duration
	// QueueSize is how many messages may wait for delivery before new ones
	// are dropped. Default 32.
	QueueSize int
	// TripAfter consecutive failures opens the breaker. Default 3.
	TripAfter uint32
	// OpenFor is how long an open breaker skips the sink. Default 2m.
	OpenFor time.Duration
}

// BestEffort delivers to one sink from a background worker. Each message gets
// one attempt bounded by Timeout; failures are logged and dropped. A circuit
// breaker skips a sink that keeps failing.
type BestEffort struct {
	sink    Sink
	timeout time.Duration
	cb      *gobreaker.CircuitBreaker
	queue   chan Message

	closeOnce sync.Once
	done      chan struct{}
}

func NewBestEffort(sink Sink, opts BestEffortOptions) *BestEffort {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 32
	}
	if opts.TripAfter == 0 {
		opts.TripAfter = 3
	}
	if opts.OpenFor <= 0 {
		opts.OpenFor = 2 * time.Minute
	}

	b := &BestEffort{
		sink:    sink,
		timeout: opts.Timeout,
		queue:   make(chan Message, opts.QueueSize),
		done:    make(chan struct{}),
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    sink.Name(),
			Timeout: opts.OpenFor,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= opts.TripAfter
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().Str("sink", name).Str("from", from.String()).Str("to", to.String()).Msg("Notification breaker changed state")
			},
		}),
	}
	go b.run()
	return b
}

func (b *BestEffort) Notify(_ context.Context, msg Message) {
	defer func() {
		// Notify after Close is dropped like a full queue
		if recover() != nil {
			log.Warn().Str("sink", b.sink.Name()).Msg("Notification sink closed, dropping message")
		}
	}()

	select {
	case b.queue <- msg:
	default:
		log.Warn().Str("sink", b.sink.Name()).Str("category", string(msg.Category)).Msg("Notification queue full, dropping message")
	}
}

// Close stops accepting messages and waits for queued ones to be attempted.
func (b *BestEffort) Close() {
	b.closeOnce.Do(func() { close(b.queue) })
	<-b.done
}

func (b *BestEffort) run() {
	defer close(b.done)
	for msg := range b.queue {
		if err := b.deliver(msg); err != nil {
			log.Warn().Err(err).Str("category", string(msg.Category)).Msg("Notification not delivered")
		}
	}
}

func (b *BestEffort) deliver(msg Message) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %s: panic: %v", ErrDelivery, b.sink.Name(), p)
		}
	}()

	_, err = b.cb.Execute(func() (interface{}, error) {
		return nil, b.sink.Send(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDelivery, b.sink.Name(), err)
	}
	log.Debug().Str("sink", b.sink.Name()).Str("category", string(msg.Category)).Msg("Notification sent successfully")
	return nil
}

// Discard drops every message.
type Discard struct{}

func (Discard) Notify(context.Context, Message) {}
