package usecase

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"whatsapp-agent/internal/domain"
	"whatsapp-agent/internal/integrations/openai"
)

type mockParams struct {
	vals  map[string]string
	err   error
	calls int
}

func (m *mockParams) GetParameter(_ context.Context, name string) (string, error) {
	m.calls++
	if m.err != nil {
		return "", m.err
	}
	v, ok := m.vals[name]
	if !ok {
		return "", fmt.Errorf("param not found: %s", name)
	}
	return v, nil
}

type transientParams struct {
	*mockParams
	failOnce bool
}

func (p *transientParams) GetParameter(ctx context.Context, name string) (string, error) {
	if p.failOnce {
		p.failOnce = false
		return "", errors.New("temporary ssm failure")
	}
	return p.mockParams.GetParameter(ctx, name)
}

type chatResponse struct {
	answer string
	err    error
}

type mockLLM struct {
	responses []chatResponse
	callCount int
	model     string
	captured  [][]domain.ChatMessage
}

func (m *mockLLM) Chat(_ context.Context, model string, msgs []domain.ChatMessage) (string, error) {
	m.model = model
	m.captured = append(m.captured, append([]domain.ChatMessage(nil), msgs...))
	if len(m.responses) == 0 {
		return "", errors.New("no llm response configured")
	}
	idx := m.callCount
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	m.callCount++
	return m.responses[idx].answer, m.responses[idx].err
}

type mockModerator struct {
	flagged bool
	err     error
	input   string
}

func (m *mockModerator) Moderate(_ context.Context, input string) (bool, error) {
	m.input = input
	return m.flagged, m.err
}

type mockState struct {
	history              []domain.Turn
	turnCount            int
	historyErr           error
	turnCountErr         error
	saveErr              error
	historyLimit         int
	savedThreadID        string
	savedSender          string
	savedText            string
	savedAnswer          string
	savedTurns           int
	saveCompletedInvoked bool
}

func (m *mockState) GetTurnCount(_ context.Context, _ string) (int, error) {
	return m.turnCount, m.turnCountErr
}

func (m *mockState) GetHistory(_ context.Context, _ string, limit int) ([]domain.Turn, error) {
	m.historyLimit = limit
	return m.history, m.historyErr
}

func (m *mockState) SaveCompletedTurn(_ context.Context, threadID, sender, text, answer string, turns int) error {
	m.savedThreadID = threadID
	m.savedSender = sender
	m.savedText = text
	m.savedAnswer = answer
	m.savedTurns = turns
	m.saveCompletedInvoked = true
	return m.saveErr
}

func defaultParams() *mockParams {
	return &mockParams{vals: map[string]string{
		"/prefix/system_prompt": "You are a friendly beverage store assistant.",
		"/prefix/config/model":  "llama-3.3-70b",
	}}
}

func answer(s string) *mockLLM {
	return &mockLLM{responses: []chatResponse{{answer: s}}}
}

func newTestService(t *testing.T, p ParamGetter, llm LLMClient, s StateReadWriter, opts ...ServiceOption) *ConversationService {
	t.Helper()
	svc, err := NewConversationService(p, llm, s, "/prefix", opts...)
	require.NoError(t, err)
	return svc
}

func requireCode(t *testing.T, err error, code ErrorCode, reason string) {
	t.Helper()
	var ue *Error
	require.ErrorAs(t, err, &ue)
	require.Equal(t, code, ue.Code)
	require.Equal(t, reason, ue.Reason)
}

func TestNewConversationService_Validation(t *testing.T) {
	_, err := NewConversationService(nil, answer("x"), &mockState{}, "/p")
	require.ErrorContains(t, err, "param getter")
	_, err = NewConversationService(defaultParams(), nil, &mockState{}, "/p")
	require.ErrorContains(t, err, "llm client")
	_, err = NewConversationService(defaultParams(), answer("x"), nil, "/p")
	require.ErrorContains(t, err, "state store")
	_, err = NewConversationService(defaultParams(), answer("x"), &mockState{}, " / ")
	require.ErrorContains(t, err, "prefix")
}

func TestThreadID_IsDeterministicUUIDv5(t *testing.T) {
	id := ThreadID("5511999999999@c.us")
	require.Equal(t, id, ThreadID("5511999999999@c.us"))
	require.NotEqual(t, id, ThreadID("5511888888888@c.us"))
	require.Len(t, id, 36)
	require.Equal(t, byte('5'), id[14])
}

func TestReply_HappyPath(t *testing.T) {
	llm := answer("  Olá! Temos Coca-Cola Zero.  ")
	state := &mockState{turnCount: 2}
	svc := newTestService(t, defaultParams(), llm, state)

	out, err := svc.Reply(context.Background(), TurnInput{Sender: "5511@c.us", Message: "oi quero coca zero"})
	require.NoError(t, err)
	require.Equal(t, "Olá! Temos Coca-Cola Zero.", out.Answer)
	require.Equal(t, ThreadID("5511@c.us"), out.ThreadID)
	require.Equal(t, "llama-3.3-70b", llm.model)

	require.True(t, state.saveCompletedInvoked)
	require.Equal(t, out.ThreadID, state.savedThreadID)
	require.Equal(t, "5511@c.us", state.savedSender)
	require.Equal(t, "oi quero coca zero", state.savedText)
	require.Equal(t, 3, state.savedTurns)
	require.Equal(t, defaultMaxContext, state.historyLimit)
}

func TestReply_PromptIncludesSystemHistoryAndMessage(t *testing.T) {
	llm := answer("ok")
	state := &mockState{history: []domain.Turn{
		{Text: "oi", Answer: "Olá!", Status: statusComplete},
		{Text: "pending one", Status: "pending"},
	}}
	svc := newTestService(t, defaultParams(), llm, state)

	_, err := svc.Reply(context.Background(), TurnInput{Sender: "5511", Message: "tem fanta?"})
	require.NoError(t, err)
	require.Equal(t, []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: "You are a friendly beverage store assistant."},
		{Role: domain.RoleUser, Content: "oi"},
		{Role: domain.RoleAssistant, Content: "Olá!"},
		{Role: domain.RoleUser, Content: "tem fanta?"},
	}, llm.captured[0])
}

func TestReply_InvalidInput(t *testing.T) {
	svc := newTestService(t, defaultParams(), answer("x"), &mockState{}, WithMaxMessageLength(5))

	_, err := svc.Reply(context.Background(), TurnInput{Sender: " ", Message: "hi"})
	requireCode(t, err, ErrorInvalidInput, "empty_sender")

	_, err = svc.Reply(context.Background(), TurnInput{Sender: "5511", Message: "   "})
	requireCode(t, err, ErrorInvalidInput, "empty_message")

	_, err = svc.Reply(context.Background(), TurnInput{Sender: "5511", Message: strings.Repeat("é", 6)})
	requireCode(t, err, ErrorInvalidInput, "message_too_long")
}

func TestReply_ConfigCachedAndRetriedAfterFailure(t *testing.T) {
	params := &transientParams{mockParams: defaultParams(), failOnce: true}
	svc := newTestService(t, params, answer("ok"), &mockState{})

	_, err := svc.Reply(context.Background(), TurnInput{Sender: "5511", Message: "hi"})
	requireCode(t, err, ErrorInternal, "param_load_error")

	_, err = svc.Reply(context.Background(), TurnInput{Sender: "5511", Message: "hi"})
	require.NoError(t, err)
	calls := params.calls
	_, err = svc.Reply(context.Background(), TurnInput{Sender: "5511", Message: "hi again"})
	require.NoError(t, err)
	require.Equal(t, calls, params.calls)
}

func TestReply_EmptyModelParameter(t *testing.T) {
	params := defaultParams()
	params.vals["/prefix/config/model"] = " "
	svc := newTestService(t, params, answer("ok"), &mockState{})
	_, err := svc.Reply(context.Background(), TurnInput{Sender: "5511", Message: "hi"})
	requireCode(t, err, ErrorInternal, "param_load_error")
}

func TestReply_Moderation(t *testing.T) {
	mod := &mockModerator{flagged: true}
	state := &mockState{}
	svc := newTestService(t, defaultParams(), answer("x"), state, WithModerator(mod))

	_, err := svc.Reply(context.Background(), TurnInput{Sender: "5511", Message: "bad words"})
	requireCode(t, err, ErrorFlagged, "moderation_flagged")
	require.Equal(t, "bad words", mod.input)
	require.False(t, state.saveCompletedInvoked)

	svc = newTestService(t, defaultParams(), answer("x"), state, WithModerator(&mockModerator{
		err: &openai.HTTPStatusError{StatusCode: http.StatusTooManyRequests},
	}))
	_, err = svc.Reply(context.Background(), TurnInput{Sender: "5511", Message: "hi"})
	requireCode(t, err, ErrorRateLimited, "moderation_rate_limited")

	svc = newTestService(t, defaultParams(), answer("x"), state, WithModerator(&mockModerator{err: errors.New("down")}))
	_, err = svc.Reply(context.Background(), TurnInput{Sender: "5511", Message: "hi"})
	requireCode(t, err, ErrorUpstream, "moderation_error")
}

func TestReply_LLMErrors(t *testing.T) {
	svc := newTestService(t, defaultParams(), &mockLLM{responses: []chatResponse{{
		err: &openai.HTTPStatusError{StatusCode: http.StatusTooManyRequests},
	}}}, &mockState{})
	_, err := svc.Reply(context.Background(), TurnInput{Sender: "5511", Message: "hi"})
	requireCode(t, err, ErrorRateLimited, "llm_rate_limited")

	svc = newTestService(t, defaultParams(), &mockLLM{responses: []chatResponse{{err: errors.New("boom")}}}, &mockState{})
	_, err = svc.Reply(context.Background(), TurnInput{Sender: "5511", Message: "hi"})
	requireCode(t, err, ErrorUpstream, "llm_error")
}

func TestReply_EmptyAnswerIsRetriedWithNudge(t *testing.T) {
	llm := &mockLLM{responses: []chatResponse{{answer: " "}, {answer: "Agora sim!"}}}
	svc := newTestService(t, defaultParams(), llm, &mockState{})

	out, err := svc.Reply(context.Background(), TurnInput{Sender: "5511", Message: "hi"})
	require.NoError(t, err)
	require.Equal(t, "Agora sim!", out.Answer)
	require.Equal(t, 2, llm.callCount)
	last := llm.captured[1][len(llm.captured[1])-1]
	require.Equal(t, domain.ChatMessage{Role: domain.RoleUser, Content: emptyAnswerNudge}, last)
}

func TestReply_EmptyAnswerGivesUpAfterRetries(t *testing.T) {
	llm := &mockLLM{responses: []chatResponse{{answer: ""}}}
	state := &mockState{}
	svc := newTestService(t, defaultParams(), llm, state)

	_, err := svc.Reply(context.Background(), TurnInput{Sender: "5511", Message: "hi"})
	requireCode(t, err, ErrorUpstream, "llm_empty_answer")
	require.Equal(t, maxEmptyAnswerRetry+1, llm.callCount)
	require.False(t, state.saveCompletedInvoked)
}

func TestReply_StoreErrors(t *testing.T) {
	svc := newTestService(t, defaultParams(), answer("x"), &mockState{turnCountErr: errors.New("boom")})
	_, err := svc.Reply(context.Background(), TurnInput{Sender: "5511", Message: "hi"})
	requireCode(t, err, ErrorInternal, "store_turn_count_error")

	svc = newTestService(t, defaultParams(), answer("x"), &mockState{historyErr: errors.New("boom")})
	_, err = svc.Reply(context.Background(), TurnInput{Sender: "5511", Message: "hi"})
	requireCode(t, err, ErrorInternal, "store_history_error")
}

func TestReply_SaveFailureStillReturnsAnswer(t *testing.T) {
	state := &mockState{saveErr: errors.New("throughput exceeded")}
	svc := newTestService(t, defaultParams(), answer("still here"), state)

	out, err := svc.Reply(context.Background(), TurnInput{Sender: "5511", Message: "hi"})
	require.NoError(t, err)
	require.Equal(t, "still here", out.Answer)
	require.True(t, state.saveCompletedInvoked)
}

func TestReply_MaxContextItemsOption(t *testing.T) {
	state := &mockState{}
	svc := newTestService(t, defaultParams(), answer("x"), state, WithMaxContextItems(4))
	_, err := svc.Reply(context.Background(), TurnInput{Sender: "5511", Message: "hi"})
	require.NoError(t, err)
	require.Equal(t, 4, state.historyLimit)
}

func TestError_Format(t *testing.T) {
	err := newError(ErrorUpstream, "llm_error", errors.New("boom"))
	require.Equal(t, "usecase: UPSTREAM_ERROR/llm_error: boom", err.Error())
	require.Equal(t, "usecase: INVALID_INPUT/empty_message", newError(ErrorInvalidInput, "empty_message", nil).Error())
	require.ErrorContains(t, errors.Unwrap(err), "boom")
}

func TestAsError(t *testing.T) {
	require.Nil(t, AsError(nil))

	wrapped := fmt.Errorf("outer: %w", newError(ErrorFlagged, "moderation_flagged", nil))
	ue := AsError(wrapped)
	require.Equal(t, ErrorFlagged, ue.Code)
	require.True(t, ue.SenderFault())

	ue = AsError(errors.New("plain"))
	require.Equal(t, ErrorInternal, ue.Code)
	require.False(t, ue.SenderFault())
	require.ErrorContains(t, ue, "plain")
}
