package webhook

import (
	"bytes"
	"encoding/json"
	"net/url"
	"strings"
)

const (
	EventSubscriptionCreated = "subscription.created"

	classicSubscriptionCreated = "subscription_created"
)

// Event is the part of a notification the ledger acts on.
type Event struct {
	Type     string
	Email    string
	DeviceID string
}

// Activates reports whether the event upgrades an account.
func (e Event) Activates() bool {
	return e.Type == EventSubscriptionCreated
}

type v2Envelope struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Data      struct {
		Email      string          `json:"email"`
		CustomData json.RawMessage `json:"custom_data"`
		// Passthrough is either a JSON-encoded string or an object.
		Passthrough json.RawMessage `json:"passthrough"`
		Customer    struct {
			Email string `json:"email"`
		} `json:"customer"`
	} `json:"data"`
}

// parseV2 decodes a v2 JSON notification.
func parseV2(body []byte) (Event, string, error) {
	var env v2Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Event{}, "", err
	}
	email := env.Data.Email
	if email == "" {
		email = env.Data.Customer.Email
	}
	deviceID := deviceIDFromObject(env.Data.CustomData)
	if deviceID == "" {
		deviceID = deviceIDFromPassthrough(env.Data.Passthrough)
	}
	return Event{
		Type:     env.EventType,
		Email:    email,
		DeviceID: deviceID,
	}, env.EventID, nil
}

// parseClassic maps a classic form notification onto the v2 event names.
func parseClassic(form url.Values) Event {
	eventType := form.Get("alert_name")
	if eventType == classicSubscriptionCreated {
		eventType = EventSubscriptionCreated
	}
	return Event{
		Type:     eventType,
		Email:    form.Get("email"),
		DeviceID: deviceIDFromPassthroughString(form.Get("passthrough")),
	}
}

func deviceIDFromObject(raw json.RawMessage) string {
	if len(bytes.TrimSpace(raw)) == 0 {
		return ""
	}
	var obj struct {
		DeviceID any `json:"deviceId"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}
	if s, ok := obj.DeviceID.(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

func deviceIDFromPassthrough(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		return deviceIDFromPassthroughString(s)
	}
	return deviceIDFromObject(raw)
}

func deviceIDFromPassthroughString(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	return deviceIDFromObject(json.RawMessage(s))
}
