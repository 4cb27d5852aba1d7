package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ainp-broker/broker/pkg/crypto"
	"github.com/ainp-broker/broker/pkg/discovery"
	"github.com/ainp-broker/broker/pkg/envelope"
	"github.com/ainp-broker/broker/pkg/mail"
	"github.com/ainp-broker/broker/pkg/socket"
	"github.com/ainp-broker/broker/pkg/stream"
	"github.com/google/uuid"
)

// DiscoverPayload is the shape of an envelope's payload when
// msg_type=DISCOVER — the wire form of discovery.SearchQuery (spec §4.3
// "Search").
type DiscoverPayload struct {
	Description  string   `json:"description,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	MinTrust     float64  `json:"min_trust,omitempty"`
	MaxLatencyMs int64    `json:"max_latency_ms,omitempty"`
	MaxCost      int64    `json:"max_cost,omitempty"`
	Limit        int      `json:"limit,omitempty"`
}

// categoryFor maps a msg_type to its stream subject category (spec §4.5
// step 1, §5/§6 subject categories).
func categoryFor(t envelope.MsgType) (stream.Category, bool) {
	switch t {
	case envelope.MsgIntent:
		return stream.CategoryIntents, true
	case envelope.MsgResult:
		return stream.CategoryResults, true
	case envelope.MsgNegotiate:
		return stream.CategoryNegotiations, true
	case envelope.MsgDiscoverResult:
		return stream.CategoryDiscoverResults, true
	case envelope.MsgNotification, envelope.MsgAdvertise, envelope.MsgDiscover:
		return stream.CategoryIntents, true
	default:
		return "", false
	}
}

// Service implements the routing pipeline.
type Service struct {
	broker    stream.Broker
	gateway   *socket.Gateway
	mailSvc   *mail.Service
	discovery *discovery.Service
	signer    crypto.Signer
	selfDID   string
	log       *slog.Logger
}

// NewService wires the routing pipeline. signer is the broker's own
// system identity, used to author and sign the DISCOVER_RESULT envelope
// published back to the requester (spec §6 "DISCOVER additionally
// publishes a DISCOVER_RESULT envelope to the requester's results
// subject"); selfDID is that signer's did:key identifier.
func NewService(broker stream.Broker, gateway *socket.Gateway, mailSvc *mail.Service, disco *discovery.Service, signer crypto.Signer, selfDID string, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{broker: broker, gateway: gateway, mailSvc: mailSvc, discovery: disco, signer: signer, selfDID: selfDID, log: log}
}

// Route implements spec §4.5: decide target(s), publish, persist mail,
// push socket, and return the {status, agent_count} response shape.
func (s *Service) Route(ctx context.Context, env envelope.Envelope) (Result, error) {
	if env.MsgType == envelope.MsgDiscover {
		return s.routeDiscover(ctx, env)
	}

	targets, err := s.resolveTargets(ctx, env)
	if err != nil {
		return Result{}, err
	}
	for _, target := range targets {
		if err := s.deliverTo(ctx, env, target); err != nil {
			s.log.Error("routing: deliver", "target", target, "msg_type", env.MsgType, "error", err)
		}
	}
	return Result{Status: "routed", AgentCount: len(targets)}, nil
}

// DiscoverResultMatch is one ranked hit in a DISCOVER_RESULT payload.
type DiscoverResultMatch struct {
	AgentDID   string  `json:"agent_did"`
	Score      float64 `json:"score"`
	Similarity float64 `json:"similarity"`
	Trust      float64 `json:"trust"`
	Usefulness float64 `json:"usefulness"`
}

// DiscoverResultPayload is the wire payload of a DISCOVER_RESULT envelope.
type DiscoverResultPayload struct {
	Query   string                 `json:"query"`
	Matches []DiscoverResultMatch  `json:"matches"`
}

// routeDiscover runs the discovery search and forwards the original
// DISCOVER envelope to every matched agent (as Route always did), then
// additionally publishes a DISCOVER_RESULT envelope back to the
// requester's own results subject (spec §6), authored and signed with
// the broker's own identity so the requester can verify it like any
// other envelope.
func (s *Service) routeDiscover(ctx context.Context, env envelope.Envelope) (Result, error) {
	var payload DiscoverPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return Result{}, fmt.Errorf("routing: decode discover payload: %w", err)
	}
	matches, err := s.discovery.Search(ctx, discovery.SearchQuery{
		Description: payload.Description, Tags: payload.Tags, MinTrust: payload.MinTrust,
		MaxLatencyMs: payload.MaxLatencyMs, MaxCost: payload.MaxCost, Limit: payload.Limit,
	})
	if err != nil {
		return Result{}, fmt.Errorf("routing: discovery search: %w", err)
	}

	for _, m := range matches {
		if err := s.deliverTo(ctx, env, m.AgentDID); err != nil {
			s.log.Error("routing: deliver", "target", m.AgentDID, "msg_type", env.MsgType, "error", err)
		}
	}

	if err := s.publishDiscoverResult(ctx, env, payload, matches); err != nil {
		s.log.Error("routing: publish discover_result", "from_did", env.FromDID, "error", err)
	}
	return Result{Status: "routed", AgentCount: len(matches)}, nil
}

// publishDiscoverResult builds, signs, and publishes the DISCOVER_RESULT
// envelope. A nil signer (no broker identity configured) is a no-op —
// the caller still gets its matched-agent forwards either way.
func (s *Service) publishDiscoverResult(ctx context.Context, req envelope.Envelope, payload DiscoverPayload, matches []discovery.Match) error {
	if s.signer == nil || s.selfDID == "" {
		return nil
	}
	result := DiscoverResultPayload{Query: payload.Description, Matches: make([]DiscoverResultMatch, len(matches))}
	for i, m := range matches {
		result.Matches[i] = DiscoverResultMatch{
			AgentDID: m.AgentDID, Score: m.Score, Similarity: m.Similarity, Trust: m.Trust, Usefulness: m.Usefulness,
		}
	}
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("routing: marshal discover_result payload: %w", err)
	}

	now := time.Now().UTC()
	resultEnv := envelope.Envelope{
		Version: req.Version, ID: uuid.NewString(), TraceID: req.TraceID,
		FromDID: s.selfDID, ToDID: req.FromDID, MsgType: envelope.MsgDiscoverResult,
		TTL: req.TTL, Timestamp: now.UnixMilli(), Payload: body,
	}
	if err := resultEnv.Sign(s.signer); err != nil {
		return fmt.Errorf("routing: sign discover_result: %w", err)
	}

	return s.deliverTo(ctx, resultEnv, req.FromDID)
}

// resolveTargets handles every non-DISCOVER msg_type; DISCOVER has its
// own path (routeDiscover) since it also needs the search results to
// build the DISCOVER_RESULT payload.
func (s *Service) resolveTargets(ctx context.Context, env envelope.Envelope) ([]string, error) {
	if env.ToDID != "" {
		return []string{env.ToDID}, nil
	}
	return nil, ErrUnroutable
}

func (s *Service) deliverTo(ctx context.Context, env envelope.Envelope, target string) error {
	category, ok := categoryFor(env.MsgType)
	if !ok {
		return fmt.Errorf("routing: no subject category for msg_type %s", env.MsgType)
	}
	subject := stream.Subject(category, target)
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("routing: marshal envelope: %w", err)
	}
	seq, err := s.broker.Publish(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("routing: publish: %w", err)
	}

	if envelope.MailProducingTypes[env.MsgType] && s.mailSvc != nil {
		in := mail.DeliverInput{
			EnvelopeID: env.ID, ConversationID: env.TraceID, SenderDID: env.FromDID,
			Recipients: []string{target}, Body: string(env.Payload),
			CreatedAt: time.UnixMilli(env.Timestamp),
		}
		// The conversation, subject and body belong to the payload, not
		// the transport envelope (trace_id is a tracing concern, not a
		// thread identity). Ingress already validated this shape, so a
		// decode failure here is unexpected — fall back to the
		// pre-payload fields rather than dropping the message.
		if p, err := envelope.DecodeIntentPayload(env.Payload); err == nil {
			if p.Semantics.ConversationID != "" {
				in.ConversationID = p.Semantics.ConversationID
			}
			in.Subject = p.Subject
			in.Body = p.Body
			in.MIMEType = p.MIMEType
		} else {
			s.log.Warn("routing: mail payload decode failed, using raw envelope fields", "envelope_id", env.ID, "error", err)
		}
		if err := s.mailSvc.Deliver(ctx, in); err != nil && err != mail.ErrDuplicateEnvelope {
			return fmt.Errorf("routing: persist mail: %w", err)
		}
	}

	if s.gateway != nil && s.gateway.Connected(target) {
		_ = s.gateway.Push(target, socket.Frame{Kind: "envelope", Envelope: data, Seq: seq})
	}
	return nil
}
