package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
)

// IntentKind discriminates the sub-types an INTENT (and NOTIFICATION)
// envelope's payload may carry (spec §9 "Dynamic JSON payloads → tagged
// variants. Each msg_type defines a closed set of payload shapes (INTENT
// includes MESSAGE, EMAIL_MESSAGE, CHAT_MESSAGE, NOTIFICATION
// sub-types)").
type IntentKind string

const (
	IntentKindMessage      IntentKind = "MESSAGE"
	IntentKindEmailMessage IntentKind = "EMAIL_MESSAGE"
	IntentKindChatMessage  IntentKind = "CHAT_MESSAGE"
	IntentKindNotification IntentKind = "NOTIFICATION"
)

var validIntentKinds = map[IntentKind]bool{
	IntentKindMessage: true, IntentKindEmailMessage: true,
	IntentKindChatMessage: true, IntentKindNotification: true,
}

// ErrUnknownIntentKind is returned when a mail-producing envelope's
// payload carries a "kind" discriminator this broker doesn't recognize
// (spec §9 "validate on ingress; reject unknown discriminators").
var ErrUnknownIntentKind = errors.New("UNKNOWN_INTENT_KIND")

// IntentSemantics carries the thread-identifying fields a mail-producing
// payload attaches to its message (spec §3 "Message"/"Thread",
// scenario 1's `conversation_id = payload.semantics.conversation_id`).
type IntentSemantics struct {
	ConversationID string `json:"conversation_id"`
}

// IntentPayload is the wire shape of an INTENT/RESULT/NOTIFICATION
// envelope's payload across all four sub-kinds. Not every field applies
// to every kind (Subject/MIMEType are email-flavored); ValidatePayloadSchema
// enforces the required subset per kind via the compiled JSON Schemas in
// payload_schema.go rather than duplicating that logic here.
type IntentPayload struct {
	Kind      IntentKind      `json:"kind"`
	Semantics IntentSemantics `json:"semantics"`
	Subject   string          `json:"subject,omitempty"`
	Body      string          `json:"body"`
	MIMEType  string          `json:"mime_type,omitempty"`
}

// DecodeIntentPayload parses raw as an IntentPayload and rejects an
// unrecognized or missing Kind discriminator before any schema check
// runs, so a malformed payload fails fast with a precise error.
func DecodeIntentPayload(raw json.RawMessage) (IntentPayload, error) {
	var p IntentPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return IntentPayload{}, fmt.Errorf("envelope: decode intent payload: %w", err)
	}
	if !validIntentKinds[p.Kind] {
		return IntentPayload{}, fmt.Errorf("%w: %q", ErrUnknownIntentKind, p.Kind)
	}
	return p, nil
}
