package envelope

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// intentPayloadSchemas are the per-kind JSON Schemas spec §9's "closed
// set of payload shapes" describes, compiled once at package init.
// Grounded on the teacher's pkg/firewall tool-parameter validation
// (AddResource a schema string under a synthetic URL, then Compile).
var intentPayloadSchemas = map[IntentKind]*jsonschema.Schema{}

const baseIntentSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["kind", "semantics", "body"],
	"properties": {
		"kind": {"const": "%s"},
		"semantics": {
			"type": "object",
			"required": ["conversation_id"],
			"properties": {"conversation_id": {"type": "string", "minLength": 1}}
		},
		"subject": {"type": "string"},
		"body": {"type": "string", "minLength": 1},
		"mime_type": {"type": "string"}
	}
}`

// emailIntentSchema additionally requires subject and mime_type, which
// MESSAGE/CHAT_MESSAGE/NOTIFICATION leave optional.
const emailIntentSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["kind", "semantics", "body", "subject", "mime_type"],
	"properties": {
		"kind": {"const": "EMAIL_MESSAGE"},
		"semantics": {
			"type": "object",
			"required": ["conversation_id"],
			"properties": {"conversation_id": {"type": "string", "minLength": 1}}
		},
		"subject": {"type": "string", "minLength": 1},
		"body": {"type": "string", "minLength": 1},
		"mime_type": {"type": "string", "minLength": 1}
	}
}`

func init() {
	schemas := map[IntentKind]string{
		IntentKindMessage:      fmt.Sprintf(baseIntentSchema, IntentKindMessage),
		IntentKindChatMessage:  fmt.Sprintf(baseIntentSchema, IntentKindChatMessage),
		IntentKindNotification: fmt.Sprintf(baseIntentSchema, IntentKindNotification),
		IntentKindEmailMessage: emailIntentSchema,
	}
	for kind, raw := range schemas {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://ainp-broker.local/schemas/intent/%s.schema.json", strings.ToLower(string(kind)))
		if err := c.AddResource(url, strings.NewReader(raw)); err != nil {
			panic(fmt.Sprintf("envelope: load schema for %s: %v", kind, err))
		}
		compiled, err := c.Compile(url)
		if err != nil {
			panic(fmt.Sprintf("envelope: compile schema for %s: %v", kind, err))
		}
		intentPayloadSchemas[kind] = compiled
	}
}

// ValidatePayloadSchema checks a mail-producing envelope's payload against
// its kind's JSON Schema, on top of DecodeIntentPayload's discriminator
// check — enforcing the required-field shape (e.g. EMAIL_MESSAGE needing
// subject + mime_type) that a plain Go struct decode lets silently
// default to empty strings.
func ValidatePayloadSchema(raw json.RawMessage) error {
	p, err := DecodeIntentPayload(raw)
	if err != nil {
		return err
	}
	schema := intentPayloadSchemas[p.Kind]

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("envelope: decode payload for schema validation: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("envelope: payload failed schema validation: %w", err)
	}
	return nil
}
