package stream

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSBroker is the production Broker, backed by NATS JetStream durable
// streams (SPEC_FULL.md §2: "concrete stream.Broker implementation using
// NATS JetStream durable consumers"). One JetStream stream per category is
// created lazily, with subjects "<category>.*" and the category's
// retention window as MaxAge.
type NATSBroker struct {
	conn *nats.Conn
	js   nats.JetStreamContext

	mu      sync.Mutex
	streams map[Category]bool
}

func NewNATSBroker(url string) (*NATSBroker, error) {
	conn, err := nats.Connect(url, nats.MaxReconnects(-1), nats.ReconnectWait(time.Second))
	if err != nil {
		return nil, fmt.Errorf("stream: connect nats: %w", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("stream: jetstream context: %w", err)
	}
	return &NATSBroker{conn: conn, js: js, streams: make(map[Category]bool)}, nil
}

func (b *NATSBroker) Close() { b.conn.Close() }

func categoryOf(subject string) Category {
	return Category(subject[:indexOfDot(subject)])
}

func (b *NATSBroker) ensureStream(cat Category) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.streams[cat] {
		return nil
	}
	name := streamName(cat)
	_, err := b.js.StreamInfo(name)
	if err == nil {
		b.streams[cat] = true
		return nil
	}
	_, err = b.js.AddStream(&nats.StreamConfig{
		Name:      name,
		Subjects:  []string{string(cat) + ".*"},
		MaxAge:    Retention[cat],
		Retention: nats.LimitsPolicy,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("stream: add stream %s: %w", name, err)
	}
	b.streams[cat] = true
	return nil
}

func streamName(cat Category) string {
	return "AINP_" + string(cat)
}

// Publish appends payload to subject's durable stream, retrying once with
// jitter on transport failure (SPEC_FULL.md §9 "Exponential backoff") and
// surfacing ErrUnavailable after that — callers map it to 503 UPSTREAM_DOWN
// (spec §5 "Degraded modes").
func (b *NATSBroker) Publish(ctx context.Context, subject string, payload []byte) (uint64, error) {
	if err := b.ensureStream(categoryOf(subject)); err != nil {
		return 0, err
	}

	var ack *nats.PubAck
	var err error
	for attempt := 0; attempt <= 1; attempt++ {
		ack, err = b.js.Publish(subject, payload, nats.Context(ctx))
		if err == nil {
			return ack.Sequence, nil
		}
		if attempt == 0 {
			time.Sleep(jitteredBackoff(attempt))
		}
	}
	return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// Consume pulls up to max messages after afterSeq on subject via an
// ephemeral pull consumer seeded to start right after afterSeq, then acks
// them immediately. No cursor is kept here: the caller passes afterSeq
// (cmd/broker's socket backlog replay always passes 0, so every connect
// replays whatever is still retained), so acking on delivery here is
// safe: a message is fetched again whenever a caller asks for an afterSeq
// before it, as long as JetStream still has it retained within the
// category's MaxAge window.
func (b *NATSBroker) Consume(ctx context.Context, subject, durableName string, afterSeq uint64, max int) ([]Message, error) {
	if err := b.ensureStream(categoryOf(subject)); err != nil {
		return nil, err
	}
	if max <= 0 {
		max = 100
	}

	opts := []nats.SubOpt{nats.AckExplicit(), nats.ManualAck()}
	if afterSeq > 0 {
		opts = append(opts, nats.StartSequence(afterSeq+1))
	} else {
		opts = append(opts, nats.DeliverAll())
	}

	sub, err := b.js.PullSubscribe(subject, durableName+"-"+subject, opts...)
	if err != nil {
		return nil, fmt.Errorf("stream: pull subscribe %s: %w", subject, err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	fetchCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	msgs, err := sub.Fetch(max, nats.Context(fetchCtx))
	if err != nil && err != nats.ErrTimeout {
		return nil, fmt.Errorf("stream: fetch %s: %w", subject, err)
	}

	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		meta, metaErr := m.Metadata()
		var seq uint64
		var ts time.Time
		if metaErr == nil {
			seq = meta.Sequence.Stream
			ts = meta.Timestamp
		}
		out = append(out, Message{Subject: subject, Seq: seq, Data: m.Data, Timestamp: ts})
		_ = m.Ack()
	}
	return out, nil
}

func jitteredBackoff(attempt int) time.Duration {
	base := 50 * time.Millisecond
	for i := 0; i < attempt; i++ {
		base *= 2
	}
	// Spread the wait uniformly over [base/2, 3·base/2).
	return base/2 + time.Duration(rand.Int63n(int64(base)))
}
