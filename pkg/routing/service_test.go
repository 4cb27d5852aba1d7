package routing

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ainp-broker/broker/pkg/discovery"
	"github.com/ainp-broker/broker/pkg/envelope"
	"github.com/ainp-broker/broker/pkg/mail"
	"github.com/ainp-broker/broker/pkg/socket"
	"github.com/ainp-broker/broker/pkg/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEnvelope(msgType envelope.MsgType, toDID string) envelope.Envelope {
	payload, _ := json.Marshal(map[string]string{"hello": "world"})
	return envelope.Envelope{
		Version: 1, ID: "env-1", TraceID: "conv-1", FromDID: "did:key:zSender",
		ToDID: toDID, MsgType: msgType, TTL: 60_000, Timestamp: time.Now().UnixMilli(),
		Payload: payload,
	}
}

func TestService_Route_ExplicitRecipientPublishesAndDeliversMail(t *testing.T) {
	broker := stream.NewMemoryBroker()
	mailSvc := mail.New(mail.NewMemoryStore())
	svc := NewService(broker, nil, mailSvc, nil, nil, "", slog.Default())

	env := newTestEnvelope(envelope.MsgIntent, "did:key:zRecipient")
	result, err := svc.Route(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, "routed", result.Status)
	assert.Equal(t, 1, result.AgentCount)

	msgs, err := broker.Consume(context.Background(), stream.Subject(stream.CategoryIntents, "did:key:zRecipient"), "test", 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	page, err := mailSvc.Inbox(context.Background(), mail.InboxQuery{OwnerDID: "did:key:zRecipient"})
	require.NoError(t, err)
	assert.Len(t, page.Messages, 1)
}

func TestService_Route_NoRecipientNoDiscoveryIsUnroutable(t *testing.T) {
	broker := stream.NewMemoryBroker()
	svc := NewService(broker, nil, nil, nil, nil, "", slog.Default())

	env := newTestEnvelope(envelope.MsgResult, "")
	_, err := svc.Route(context.Background(), env)
	assert.ErrorIs(t, err, ErrUnroutable)
}

func TestService_Route_DiscoveryQueryWithZeroMatches(t *testing.T) {
	broker := stream.NewMemoryBroker()
	disco := discovery.New(discovery.NewMemoryStore(), discovery.NewHashEmbedder(), discovery.Weights{SimilarityWeight: 0.6, TrustWeight: 0.4}, 0.0, 10)
	svc := NewService(broker, nil, nil, disco, nil, "", slog.Default())

	payload, _ := json.Marshal(DiscoverPayload{Description: "anything"})
	env := envelope.Envelope{
		Version: 1, ID: "env-2", TraceID: "conv-2", FromDID: "did:key:zSender",
		MsgType: envelope.MsgDiscover, TTL: 60_000, Timestamp: time.Now().UnixMilli(), Payload: payload,
	}
	result, err := svc.Route(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, 0, result.AgentCount)
}

func TestService_Route_PushesToOpenSocket(t *testing.T) {
	broker := stream.NewMemoryBroker()
	gateway := socket.NewGateway(slog.Default())
	mailSvc := mail.New(mail.NewMemoryStore())
	svc := NewService(broker, gateway, mailSvc, nil, nil, "", slog.Default())

	conn := &fakeConn{}
	gateway.Register("did:key:zRecipient", conn)

	env := newTestEnvelope(envelope.MsgResult, "did:key:zRecipient")
	_, err := svc.Route(context.Background(), env)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return conn.count() == 1 }, time.Second, time.Millisecond)
}

type fakeConn struct {
	mu sync.Mutex
	n  int
}

func (f *fakeConn) WriteMessage(_ int, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	return nil
}

func (f *fakeConn) Close() error { return nil }

func (f *fakeConn) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}
