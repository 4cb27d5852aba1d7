package stream

import (
	"context"
	"sync"
	"time"
)

// MemoryBroker is the in-process fallback used in Lite Mode and tests when
// NATS_URL is unset (SPEC_FULL.md §1.2). Each subject is an append-only
// slice; durable consumer position is the caller-supplied afterSeq, so the
// broker itself stays stateless across consumers — it only needs to retain
// the log.
type MemoryBroker struct {
	mu   sync.Mutex
	logs map[string][]Message
	seq  uint64
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{logs: make(map[string][]Message)}
}

func (b *MemoryBroker) Publish(_ context.Context, subject string, payload []byte) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	msg := Message{Subject: subject, Seq: b.seq, Data: payload, Timestamp: time.Now().UTC()}
	b.logs[subject] = append(b.logs[subject], msg)
	return msg.Seq, nil
}

func (b *MemoryBroker) Consume(_ context.Context, subject, _ string, afterSeq uint64, max int) ([]Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Message
	for _, m := range b.logs[subject] {
		if m.Seq <= afterSeq {
			continue
		}
		out = append(out, m)
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out, nil
}

// Prune drops entries older than each category's retention window — the
// in-memory analogue of NATS JetStream's MaxAge policy (spec §6
// "Retention"). Intended to be called periodically by cmd/broker; tests
// don't need it since they never run long enough to matter.
func (b *MemoryBroker) Prune(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for subject, msgs := range b.logs {
		cat := Category(subject[:indexOfDot(subject)])
		ttl, ok := Retention[cat]
		if !ok {
			continue
		}
		kept := msgs[:0]
		for _, m := range msgs {
			if now.Sub(m.Timestamp) <= ttl {
				kept = append(kept, m)
			}
		}
		b.logs[subject] = kept
	}
}

func indexOfDot(s string) int {
	for i, c := range s {
		if c == '.' {
			return i
		}
	}
	return len(s)
}
