package domain

// MessageKind is the WPPConnect message type of an inbound event.
type MessageKind string

const (
	KindChat         MessageKind = "chat"
	KindListResponse MessageKind = "list_response"
	KindVoiceNote    MessageKind = "ptt"
)

// EventNewMessage is the only webhook event the responder processes.
const EventNewMessage = "onmessage"

// Accepted reports whether messages of this kind are fed to the aggregator.
func (k MessageKind) Accepted() bool {
	switch k {
	case KindChat, KindListResponse, KindVoiceNote:
		return true
	}
	return false
}

// InboundEvent is a validated webhook delivery. It is transient and never persisted.
type InboundEvent struct {
	ID           string
	Event        string
	Session      string
	Body         string
	Kind         MessageKind
	IsNewMsg     bool
	SenderID     string
	SenderIsUser bool
	IsGroupMsg   bool
}
