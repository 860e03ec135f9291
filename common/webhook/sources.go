package webhook

import (
	"encoding/json"
	"fmt"

	"github.com/waypointhq/waypoint/common/graph"
)

// EntityData is the canonical record a source adapter extracts from a
// payload. Everything beyond the known fields lands in Attributes and is
// handed to the run as entry input.
type EntityData struct {
	Email      string
	Name       string
	Attributes map[string]interface{}
}

// ExtractEntity parses the payload for a source into a canonical entity
// record. Unknown keys are preserved; missing keys yield empty fields, not
// errors. The payload must at least be valid JSON.
func ExtractEntity(source string, body []byte) (*EntityData, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON payload: %w", err)
	}

	switch source {
	case SourceStripe:
		return extractStripe(payload), nil
	case SourceCalendly:
		return extractCalendly(payload), nil
	default:
		return extractGeneric(payload), nil
	}
}

// extractGeneric reads flat email/name fields from the payload root.
func extractGeneric(payload map[string]interface{}) *EntityData {
	return &EntityData{
		Email:      stringAt(payload, "email"),
		Name:       stringAt(payload, "name"),
		Attributes: payload,
	}
}

// extractStripe digs into the event envelope: data.object carries the
// customer record on customer.* and checkout events.
func extractStripe(payload map[string]interface{}) *EntityData {
	data := &EntityData{Attributes: payload}
	if obj, ok := graph.Lookup(payload, "data.object"); ok {
		if m, ok := obj.(map[string]interface{}); ok {
			data.Email = firstString(m, "email", "customer_email")
			data.Name = firstString(m, "name", "customer_name")
		}
	}
	return data
}

// extractCalendly reads the invitee record from the event payload.
func extractCalendly(payload map[string]interface{}) *EntityData {
	data := &EntityData{Attributes: payload}
	if invitee, ok := graph.Lookup(payload, "payload.invitee"); ok {
		if m, ok := invitee.(map[string]interface{}); ok {
			data.Email = stringAt(m, "email")
			data.Name = stringAt(m, "name")
		}
	}
	if data.Email == "" {
		if email, ok := graph.Lookup(payload, "payload.email"); ok {
			data.Email, _ = email.(string)
		}
	}
	return data
}

func stringAt(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

func firstString(m map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		if s := stringAt(m, key); s != "" {
			return s
		}
	}
	return ""
}
