package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"whatsapp-agent/internal/domain"
)

const (
	ReplyModeText  = "text"
	ReplyModeVoice = "voice"

	DefaultFallbackMessage = "Unfortunately, an internal error has occurred in our system. Please try again later."
	DefaultRefusalMessage  = "Sorry, I can't help with that request."
	DefaultTooLongMessage  = "Your message is too long. Please send a shorter message."
	DefaultBusyMessage     = "We are receiving too many messages right now. Please try again in a few minutes."
)

type Replier interface {
	Reply(ctx context.Context, in TurnInput) (TurnOutput, error)
}

// Messenger delivers replies to a WhatsApp recipient.
type Messenger interface {
	SendText(ctx context.Context, phone, message string) (domain.SendAck, error)
	SendVoice(ctx context.Context, phone string, audio []byte) (domain.SendAck, error)
}

type Speaker interface {
	Speak(ctx context.Context, text string) ([]byte, error)
}

// TurnHandler runs one aggregated turn end to end: reply generation and delivery.
type TurnHandler struct {
	replier   Replier
	messenger Messenger
	speaker   Speaker
	mode      string
	fallback  string
	refusal   string
	tooLong   string
	busy      string
	logger    *slog.Logger
}

type TurnOption func(*TurnHandler)

// WithVoiceReplies synthesizes replies with sp and sends them as voice notes.
func WithVoiceReplies(sp Speaker) TurnOption {
	return func(h *TurnHandler) {
		if sp != nil {
			h.speaker = sp
			h.mode = ReplyModeVoice
		}
	}
}

func WithFallbackMessage(msg string) TurnOption {
	return func(h *TurnHandler) {
		if v := strings.TrimSpace(msg); v != "" {
			h.fallback = v
		}
	}
}

func WithRefusalMessage(msg string) TurnOption {
	return func(h *TurnHandler) {
		if v := strings.TrimSpace(msg); v != "" {
			h.refusal = v
		}
	}
}

func WithTooLongMessage(msg string) TurnOption {
	return func(h *TurnHandler) {
		if v := strings.TrimSpace(msg); v != "" {
			h.tooLong = v
		}
	}
}

func WithBusyMessage(msg string) TurnOption {
	return func(h *TurnHandler) {
		if v := strings.TrimSpace(msg); v != "" {
			h.busy = v
		}
	}
}

func WithTurnLogger(l *slog.Logger) TurnOption {
	return func(h *TurnHandler) {
		if l != nil {
			h.logger = l
		}
	}
}

func NewTurnHandler(r Replier, m Messenger, opts ...TurnOption) (*TurnHandler, error) {
	if r == nil {
		return nil, errors.New("usecase: replier must not be nil")
	}
	if m == nil {
		return nil, errors.New("usecase: messenger must not be nil")
	}
	h := &TurnHandler{
		replier:   r,
		messenger: m,
		mode:      ReplyModeText,
		fallback:  DefaultFallbackMessage,
		refusal:   DefaultRefusalMessage,
		tooLong:   DefaultTooLongMessage,
		busy:      DefaultBusyMessage,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// HandleTurn replies to message on behalf of sender. When reply generation
// fails the sender gets a notice matching the failure. Failures the sender
// caused return nil; everything else is returned after the notice is sent.
func (h *TurnHandler) HandleTurn(ctx context.Context, sender, message string) error {
	phone := domain.PhoneFromSender(sender)
	if phone == "" {
		return fmt.Errorf("usecase: HandleTurn: no phone in sender %q", sender)
	}

	out, err := h.replier.Reply(ctx, TurnInput{Sender: sender, Message: message})
	if err != nil {
		return h.notify(ctx, sender, phone, AsError(err))
	}

	h.logger.Info("reply ready", "sender", sender, "thread_id", out.ThreadID, "mode", h.mode)
	if err := h.deliver(ctx, phone, out.Answer); err != nil {
		return fmt.Errorf("usecase: HandleTurn: %w", err)
	}
	return nil
}

func (h *TurnHandler) notice(ue *Error) string {
	switch ue.Code {
	case ErrorFlagged:
		return h.refusal
	case ErrorInvalidInput:
		if ue.Reason == reasonMessageTooLong {
			return h.tooLong
		}
		return ""
	case ErrorRateLimited:
		return h.busy
	default:
		return h.fallback
	}
}

func (h *TurnHandler) notify(ctx context.Context, sender, phone string, ue *Error) error {
	notice := h.notice(ue)
	if ue.SenderFault() {
		h.logger.Warn("turn rejected", "sender", sender, "code", ue.Code, "reason", ue.Reason)
		if notice == "" {
			return nil
		}
		if _, err := h.messenger.SendText(ctx, phone, notice); err != nil {
			return fmt.Errorf("usecase: HandleTurn: send notice: %w", err)
		}
		return nil
	}
	if _, err := h.messenger.SendText(ctx, phone, notice); err != nil {
		h.logger.Error("failed to send fallback message", "sender", sender, "err", err)
	}
	return fmt.Errorf("usecase: HandleTurn: %w", ue)
}

func (h *TurnHandler) deliver(ctx context.Context, phone, answer string) error {
	if h.mode == ReplyModeVoice {
		err := h.deliverVoice(ctx, phone, answer)
		if err == nil {
			return nil
		}
		h.logger.Warn("voice reply failed, falling back to text", "phone", phone, "err", err)
	}
	if _, err := h.messenger.SendText(ctx, phone, answer); err != nil {
		return fmt.Errorf("send text: %w", err)
	}
	return nil
}

func (h *TurnHandler) deliverVoice(ctx context.Context, phone, answer string) error {
	audio, err := h.speaker.Speak(ctx, answer)
	if err != nil {
		return fmt.Errorf("synthesize speech: %w", err)
	}
	if _, err := h.messenger.SendVoice(ctx, phone, audio); err != nil {
		return fmt.Errorf("send voice: %w", err)
	}
	return nil
}
