// Package bridge mirrors the broadcast stream onto NATS and accepts signals
// published there.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/ppiankov/crisisgraph/internal/broadcast"
	"github.com/ppiankov/crisisgraph/internal/model"
)

// Publisher sends raw messages; *nats.Conn satisfies it
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Source is the event stream being forwarded
type Source interface {
	Subscribe() *broadcast.Subscription
	Unsubscribe(s *broadcast.Subscription)
}

// Options configures a Bridge
type Options struct {
	Subject    string        // Prefix; events go to <Subject>.<event type>
	RetryDelay time.Duration // Pause before resubscribing after a drop
	Logger     *zap.Logger
}

// Bridge forwards hub events to a publisher
type Bridge struct {
	src    Source
	pub    Publisher
	opts   Options
	logger *zap.Logger
}

// New creates a bridge
func New(src Source, pub Publisher, opts Options) *Bridge {
	defaults := model.DefaultConfig().NATS
	if opts.Subject == "" {
		opts.Subject = defaults.Subject
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaults.RetryDelay
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Bridge{src: src, pub: pub, opts: opts, logger: opts.Logger}
}

// Subject returns the subject an event type is published on
func (b *Bridge) Subject(t model.EventType) string {
	return b.opts.Subject + "." + string(t)
}

// Run forwards events until ctx is cancelled. When the hub drops the
// bridge for falling behind, it resubscribes and starts over from a fresh
// initial_state.
func (b *Bridge) Run(ctx context.Context) error {
	for {
		sub := b.src.Subscribe()
		b.logger.Info("bridge subscribed", zap.String("subscription", sub.ID), zap.String("subject", b.opts.Subject))

		stopped := b.forward(ctx, sub)
		b.src.Unsubscribe(sub)
		if stopped {
			return nil
		}
		if !sub.Dropped() {
			// hub closed
			return nil
		}

		b.logger.Warn("bridge dropped by hub, resubscribing", zap.Duration("retry_in", b.opts.RetryDelay))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(b.opts.RetryDelay):
		}
	}
}

// forward drains one subscription; it reports true when ctx ended it
func (b *Bridge) forward(ctx context.Context, sub *broadcast.Subscription) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case ev, ok := <-sub.Events():
			if !ok {
				return false
			}
			if err := b.send(ev); err != nil {
				b.logger.Warn("bridge publish failed", zap.String("event", string(ev.Type)), zap.Error(err))
			}
		}
	}
}

func (b *Bridge) send(ev model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", ev.Type, err)
	}
	return b.pub.Publish(b.Subject(ev.Type), data)
}

// Connect dials NATS with reconnects that never give up and logs
// connection state changes
func Connect(url, name string, logger *zap.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", url, err)
	}
	return conn, nil
}
