package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"

	"whatsapp-agent/internal/domain"
)

const (
	defaultMaxContext   = 20
	defaultMaxMessage   = 4000
	maxEmptyAnswerRetry = 2
	emptyAnswerNudge    = "Respond with a real output."
	paramSystemPrompt   = "/system_prompt"
	paramModel          = "/config/model"
	statusComplete      = "complete"
	rateLimitedHTTPCode = 429
	threadIDNamePrefix  = "thread-"
)

type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

type LLMClient interface {
	Chat(ctx context.Context, model string, messages []domain.ChatMessage) (string, error)
}

type Moderator interface {
	Moderate(ctx context.Context, input string) (bool, error)
}

type StateReadWriter interface {
	GetTurnCount(ctx context.Context, threadID string) (int, error)
	GetHistory(ctx context.Context, threadID string, limit int) ([]domain.Turn, error)
	SaveCompletedTurn(ctx context.Context, threadID, sender, text, answer string, turns int) error
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// ConversationService turns one aggregated user message into a reply,
// keeping a per-sender thread of prior turns.
type ConversationService struct {
	params          ParamGetter
	llm             LLMClient
	state           StateReadWriter
	moderator       Moderator
	logger          *slog.Logger
	paramPrefix     string
	maxContextItems int
	maxMessageLen   int

	cacheMu      sync.RWMutex
	cacheLoaded  bool
	systemPrompt string
	model        string
}

type TurnInput struct {
	Sender  string
	Message string
}

type TurnOutput struct {
	Answer   string
	ThreadID string
}

type ServiceOption func(*ConversationService)

// WithModerator screens every message before it reaches the model.
func WithModerator(m Moderator) ServiceOption {
	return func(s *ConversationService) {
		s.moderator = m
	}
}

func WithMaxContextItems(n int) ServiceOption {
	return func(s *ConversationService) {
		if n > 0 {
			s.maxContextItems = n
		}
	}
}

func WithMaxMessageLength(n int) ServiceOption {
	return func(s *ConversationService) {
		if n > 0 {
			s.maxMessageLen = n
		}
	}
}

func WithServiceLogger(l *slog.Logger) ServiceOption {
	return func(s *ConversationService) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewConversationService(p ParamGetter, llm LLMClient, st StateReadWriter, paramPrefix string, opts ...ServiceOption) (*ConversationService, error) {
	if p == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if st == nil {
		return nil, errors.New("usecase: state store must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	s := &ConversationService{
		params:          p,
		llm:             llm,
		state:           st,
		logger:          slog.Default(),
		paramPrefix:     paramPrefix,
		maxContextItems: defaultMaxContext,
		maxMessageLen:   defaultMaxMessage,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ThreadID derives the stable conversation thread for a sender.
func ThreadID(sender string) string {
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(threadIDNamePrefix+sender)).String()
}

func (s *ConversationService) Reply(ctx context.Context, in TurnInput) (TurnOutput, error) {
	sender := strings.TrimSpace(in.Sender)
	if sender == "" {
		return TurnOutput{}, newError(ErrorInvalidInput, reasonEmptySender, nil)
	}
	message := strings.TrimSpace(in.Message)
	if message == "" {
		return TurnOutput{}, newError(ErrorInvalidInput, reasonEmptyMessage, nil)
	}
	if utf8.RuneCountInString(message) > s.maxMessageLen {
		return TurnOutput{}, newError(ErrorInvalidInput, reasonMessageTooLong, nil)
	}
	if err := s.ensureConfig(ctx); err != nil {
		return TurnOutput{}, newError(ErrorInternal, "param_load_error", err)
	}
	threadID := ThreadID(sender)

	if s.moderator != nil {
		flagged, err := s.moderator.Moderate(ctx, message)
		if err != nil {
			if isRateLimited(err) {
				return TurnOutput{}, newError(ErrorRateLimited, "moderation_rate_limited", err)
			}
			return TurnOutput{}, newError(ErrorUpstream, "moderation_error", err)
		}
		if flagged {
			return TurnOutput{}, newError(ErrorFlagged, "moderation_flagged", nil)
		}
	}

	existingTurns, err := s.state.GetTurnCount(ctx, threadID)
	if err != nil {
		return TurnOutput{}, newError(ErrorInternal, "store_turn_count_error", err)
	}
	history, err := s.state.GetHistory(ctx, threadID, s.maxContextItems)
	if err != nil {
		return TurnOutput{}, newError(ErrorInternal, "store_history_error", err)
	}

	answer, err := s.complete(ctx, buildPromptMessages(s.systemPrompt, message, history))
	if err != nil {
		return TurnOutput{}, err
	}

	if err := s.state.SaveCompletedTurn(ctx, threadID, sender, message, answer, existingTurns+1); err != nil {
		// The reply is still worth delivering; the thread just loses this turn.
		s.logger.Error("failed to persist turn", "thread_id", threadID, "err", err)
	}

	return TurnOutput{Answer: answer, ThreadID: threadID}, nil
}

// complete asks the model for an answer, nudging it again when it comes back empty.
func (s *ConversationService) complete(ctx context.Context, messages []domain.ChatMessage) (string, error) {
	for attempt := 0; ; attempt++ {
		raw, err := s.llm.Chat(ctx, s.model, messages)
		if err != nil {
			if isRateLimited(err) {
				return "", newError(ErrorRateLimited, "llm_rate_limited", err)
			}
			return "", newError(ErrorUpstream, "llm_error", err)
		}
		if answer := strings.TrimSpace(raw); answer != "" {
			return answer, nil
		}
		if attempt >= maxEmptyAnswerRetry {
			return "", newError(ErrorUpstream, "llm_empty_answer", nil)
		}
		messages = append(messages, domain.ChatMessage{Role: domain.RoleUser, Content: emptyAnswerNudge})
	}
}

func (s *ConversationService) ensureConfig(ctx context.Context) error {
	s.cacheMu.RLock()
	if s.cacheLoaded {
		s.cacheMu.RUnlock()
		return nil
	}
	s.cacheMu.RUnlock()

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.cacheLoaded {
		return nil
	}

	systemPrompt, err := s.params.GetParameter(ctx, s.paramPrefix+paramSystemPrompt)
	if err != nil {
		return fmt.Errorf("usecase: load system prompt: %w", err)
	}
	model, err := s.params.GetParameter(ctx, s.paramPrefix+paramModel)
	if err != nil {
		return fmt.Errorf("usecase: load model: %w", err)
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return errors.New("usecase: model parameter is empty")
	}

	s.systemPrompt = systemPrompt
	s.model = model
	s.cacheLoaded = true
	return nil
}

func isRateLimited(err error) bool {
	status, ok := upstreamStatusCode(err)
	return ok && status == rateLimitedHTTPCode
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}
