package main

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ainp-broker/broker/pkg/antiabuse"
	"github.com/ainp-broker/broker/pkg/envelope"
	"github.com/ainp-broker/broker/pkg/routing"
)

// allowedSkew bounds how far into the future an envelope's timestamp may
// sit before it is rejected as EXPIRED_OR_FUTURE.
const allowedSkew = 30 * time.Second

// pipelineResult carries the routing outcome plus the degraded flag the
// anti-abuse guard may have raised on a fail-open backing store.
type pipelineResult struct {
	routing.Result
	Degraded bool
}

// ingestEnvelope runs the full intent-ingress pipeline (spec §4.5
// "validate → auth → anti-abuse → rate limit → route"): shape validation,
// signature verification, anti-abuse checks, then routing. Both
// POST /api/intents/send and POST /api/discovery/envelope share this.
func ingestEnvelope(ctx context.Context, svc *Services, env envelope.Envelope) (pipelineResult, error) {
	now := time.Now().UTC()
	if err := env.ValidateShape(now, allowedSkew); err != nil {
		return pipelineResult{}, err
	}

	sentinel := ""
	if !svc.cfg.SignatureVerificationEnabled {
		sentinel = svc.cfg.TestBypassSentinel
	}
	if err := env.VerifySignature(sentinel); err != nil {
		return pipelineResult{}, err
	}

	var degraded bool
	if svc.guard != nil {
		result, err := svc.guard.CheckEnvelope(ctx, env.ID, env.FromDID)
		if err != nil {
			return pipelineResult{}, err
		}
		degraded = result.Degraded

		if envelope.MailProducingTypes[env.MsgType] {
			if err := envelope.ValidatePayloadSchema(env.Payload); err != nil {
				return pipelineResult{}, err
			}
			if err := svc.guard.CheckContent(ctx, env.Payload, env.FromDID, env.ToDID); err != nil {
				return pipelineResult{}, err
			}
			if err := svc.guard.CheckPostage(ctx, env.FromDID, env.ID); err != nil {
				return pipelineResult{}, err
			}
		}
	}

	res, err := svc.routing.Route(ctx, env)
	if err != nil {
		return pipelineResult{}, err
	}
	return pipelineResult{Result: res, Degraded: degraded}, nil
}

// classifyPipelineError maps a pipeline error to the HTTP status and error
// code the envelope endpoints respond with (spec §6, §7).
func classifyPipelineError(err error) (status int, code string) {
	switch {
	case errors.Is(err, envelope.ErrMalformedDID):
		return 400, "MALFORMED_DID"
	case errors.Is(err, envelope.ErrUnsupportedDID):
		return 400, "UNSUPPORTED_DID"
	case errors.Is(err, envelope.ErrUnknownMsgType):
		return 400, "UNKNOWN_MSG_TYPE"
	case errors.Is(err, envelope.ErrSignatureMissing), errors.Is(err, envelope.ErrBadSignature):
		return 401, "BAD_SIGNATURE"
	case errors.Is(err, envelope.ErrExpiredOrFuture):
		return 400, "EXPIRED_OR_FUTURE"
	case errors.Is(err, envelope.ErrUnknownIntentKind):
		return 400, "UNKNOWN_INTENT_KIND"
	case strings.Contains(err.Error(), "payload failed schema validation"),
		strings.Contains(err.Error(), "decode intent payload"),
		strings.Contains(err.Error(), "decode payload for schema validation"):
		return 400, "MALFORMED_PAYLOAD"
	case errors.Is(err, antiabuse.ErrDuplicate), errors.Is(err, antiabuse.ErrDuplicateContent):
		return 409, "DUPLICATE"
	case errors.Is(err, antiabuse.ErrPaymentRequired):
		return 402, "PAYMENT_REQUIRED"
	case errors.Is(err, routing.ErrUnroutable):
		return 400, "UNROUTABLE"
	default:
		var tooEarly *antiabuse.ErrTooEarly
		if errors.As(err, &tooEarly) {
			return 425, "TOO_EARLY"
		}
		if _, ok := antiabuse.RetryAfter(err); ok {
			return 429, "RATE_LIMITED"
		}
		return 500, "INTERNAL"
	}
}
