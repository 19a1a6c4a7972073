package handler

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"whatsapp-agent/internal/domain"
)

func decodeObject(raw []byte) (map[string]any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, errors.New("empty body")
	}
	if raw[0] != '{' {
		return nil, errors.New("body must be a JSON object")
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return payload, nil
}

// matchesCriteria reports whether the payload is a new message of an accepted kind.
func matchesCriteria(p map[string]any) bool {
	event, _ := p["event"].(string)
	isNew, _ := p["isNewMsg"].(bool)
	kind, _ := p["type"].(string)
	return event == domain.EventNewMessage && isNew && domain.MessageKind(kind).Accepted()
}

func parseInbound(p map[string]any) (domain.InboundEvent, error) {
	var (
		ev   domain.InboundEvent
		errs []error
	)
	ev.Event = requireString(p, "event", &errs)
	ev.Session = requireString(p, "session", &errs)
	ev.Body = requireString(p, "body", &errs)
	ev.Kind = domain.MessageKind(requireString(p, "type", &errs))
	ev.IsNewMsg = requireBool(p, "isNewMsg", &errs)
	ev.IsGroupMsg = requireBool(p, "isGroupMsg", &errs)

	sender, ok := p["sender"].(map[string]any)
	if !ok {
		errs = append(errs, errors.New("sender: field required"))
	} else {
		ev.SenderID = requireString(sender, "id", &errs, "sender.")
		ev.SenderIsUser = requireBool(sender, "isUser", &errs, "sender.")
	}
	ev.ID = optionalID(p["id"])

	if len(errs) > 0 {
		return domain.InboundEvent{}, errors.Join(errs...)
	}
	return ev, nil
}

func requireString(p map[string]any, key string, errs *[]error, prefix ...string) string {
	name := strings.Join(prefix, "") + key
	v, ok := p[key]
	if !ok || v == nil {
		*errs = append(*errs, fmt.Errorf("%s: field required", name))
		return ""
	}
	s, ok := v.(string)
	if !ok {
		*errs = append(*errs, fmt.Errorf("%s: must be a string", name))
		return ""
	}
	if strings.TrimSpace(s) == "" {
		*errs = append(*errs, fmt.Errorf("%s: must not be blank", name))
		return ""
	}
	return s
}

func requireBool(p map[string]any, key string, errs *[]error, prefix ...string) bool {
	name := strings.Join(prefix, "") + key
	v, ok := p[key]
	if !ok || v == nil {
		*errs = append(*errs, fmt.Errorf("%s: field required", name))
		return false
	}
	b, ok := v.(bool)
	if !ok {
		*errs = append(*errs, fmt.Errorf("%s: must be a boolean", name))
		return false
	}
	return b
}

// optionalID accepts WPPConnect's string ids and the {"_serialized": "..."} form.
func optionalID(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case map[string]any:
		s, _ := id["_serialized"].(string)
		return s
	}
	return ""
}

// decodeAudio decodes a base64 voice note, with or without a data URI prefix.
func decodeAudio(body string) ([]byte, error) {
	body = strings.TrimSpace(body)
	if strings.HasPrefix(body, "data:") {
		i := strings.Index(body, ",")
		if i < 0 {
			return nil, errors.New("malformed data URI")
		}
		body = body[i+1:]
	}
	audio, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("decode base64 audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, errors.New("empty audio")
	}
	return audio, nil
}
