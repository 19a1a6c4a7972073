package domain

import (
	"encoding/json"
	"strings"
)

// SendAck is the outbound provider's acknowledgment of a delivered message.
type SendAck struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response,omitempty"`
}

// PhoneFromSender strips the WhatsApp JID suffix ("@c.us", "@s.whatsapp.net")
// from a sender id.
func PhoneFromSender(sender string) string {
	sender = strings.TrimSpace(sender)
	if i := strings.IndexByte(sender, '@'); i >= 0 {
		return sender[:i]
	}
	return sender
}
