// Package events funnels the three external event streams — ticks,
// broker postbacks, and timers — into a single serialized channel so
// TradeManager can process onSignal, onOrderUpdate, onTick, watchdog
// firings, and reconcile iterations with mutual exclusion on the active
// trade. Transport for ticks/postbacks is nats.go, narrowed from a
// generic event-sourcing bus to two fixed subjects plus an in-process
// timer funnel.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hemanthHemu33/algoscalper-core/internal/broker"
	nats "github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Kind tags an Envelope with the stream it came from.
type Kind string

const (
	KindTick     Kind = "tick"
	KindPostback Kind = "postback"
	KindTimer    Kind = "timer"
)

// Tick is one LTP update for an instrument token.
type Tick struct {
	Token     int64
	LTP       float64
	Timestamp time.Time
}

// Timer identifies which periodic task fired — reconcile, exit loop, or a
// watchdog's own internal ticking is handled by the watchdog package
// directly; this Timer kind is for the coarse-grained scheduler loops.
type Timer struct {
	Name string
	At   time.Time
}

// Envelope is the single shape flowing through the funnel channel,
// discriminated by Kind.
type Envelope struct {
	Kind     Kind
	Tick     Tick
	Postback broker.Order
	Timer    Timer
}

// Funnel is the serialized mailbox TradeManager drains from. Buffered so a
// burst of ticks doesn't block the NATS subscription callback.
type Funnel struct {
	C chan Envelope
}

// NewFunnel builds a Funnel with the given buffer size.
func NewFunnel(buffer int) *Funnel {
	return &Funnel{C: make(chan Envelope, buffer)}
}

func (f *Funnel) push(e Envelope) {
	f.C <- e
}

// Bus is the nats.go-backed transport for ticks and postbacks.
type Bus struct {
	conn   *nats.Conn
	logger *zap.Logger
}

// Config bundles the NATS connection parameters, without the
// JetStream/event-sourcing machinery this narrower domain doesn't need.
type Config struct {
	URL               string
	ConnectionTimeout time.Duration
	MaxReconnects     int
	ReconnectWait     time.Duration
}

// DefaultConfig returns sane defaults for a local/dev NATS instance.
func DefaultConfig() Config {
	return Config{
		URL:               nats.DefaultURL,
		ConnectionTimeout: 5 * time.Second,
		MaxReconnects:     10,
		ReconnectWait:     time.Second,
	}
}

const (
	subjectTicks     = "tradecore.ticks"
	subjectPostbacks = "tradecore.postbacks"
)

// Connect dials NATS with a reconnect/backoff policy suited to a
// long-lived trading session.
func Connect(cfg Config, logger *zap.Logger) (*Bus, error) {
	opts := []nats.Option{
		nats.Name("tradecore"),
		nats.Timeout(cfg.ConnectionTimeout),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Bus{conn: conn, logger: logger}, nil
}

// PublishTick publishes a tick to the ticks subject — called by the market
// data feed adapter, outside this package's scope.
func (b *Bus) PublishTick(t Tick) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return b.conn.Publish(subjectTicks, payload)
}

// PublishPostback publishes a broker order postback.
func (b *Bus) PublishPostback(o broker.Order) error {
	payload, err := json.Marshal(o)
	if err != nil {
		return err
	}
	return b.conn.Publish(subjectPostbacks, payload)
}

// SubscribeInto funnels ticks and postbacks from NATS into f, until ctx is
// cancelled.
func (b *Bus) SubscribeInto(ctx context.Context, f *Funnel) error {
	tickSub, err := b.conn.Subscribe(subjectTicks, func(msg *nats.Msg) {
		var t Tick
		if err := json.Unmarshal(msg.Data, &t); err != nil {
			b.logger.Error("failed to unmarshal tick", zap.Error(err))
			return
		}
		f.push(Envelope{Kind: KindTick, Tick: t})
	})
	if err != nil {
		return fmt.Errorf("subscribe ticks: %w", err)
	}

	postbackSub, err := b.conn.Subscribe(subjectPostbacks, func(msg *nats.Msg) {
		var o broker.Order
		if err := json.Unmarshal(msg.Data, &o); err != nil {
			b.logger.Error("failed to unmarshal postback", zap.Error(err))
			return
		}
		f.push(Envelope{Kind: KindPostback, Postback: o})
	})
	if err != nil {
		_ = tickSub.Unsubscribe()
		return fmt.Errorf("subscribe postbacks: %w", err)
	}

	go func() {
		<-ctx.Done()
		_ = tickSub.Drain()
		_ = postbackSub.Drain()
	}()
	return nil
}

// StartTimer pushes a Timer envelope into f every interval until ctx is
// cancelled. The fx module starts the "reconcile" and "orphan_sweep"
// timers, which trademanager.Manager.Run dispatches.
func StartTimer(ctx context.Context, f *Funnel, name string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				f.push(Envelope{Kind: KindTimer, Timer: Timer{Name: name, At: now}})
			}
		}
	}()
}

// Close closes the underlying NATS connection.
func (b *Bus) Close() {
	b.conn.Close()
}
