package turn

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/domain"
	"chatrelay/internal/ollama"
	"chatrelay/internal/plugin"
	"chatrelay/internal/policy"
	"chatrelay/internal/protocol"
	"chatrelay/internal/resolver"
	"chatrelay/internal/retrieval"
	"chatrelay/internal/store"
)

type fakeStore struct {
	sessions  map[string]*domain.Session
	messages  []domain.Message
	personas  map[string]*domain.Persona
	appendErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions: make(map[string]*domain.Session),
		personas: make(map[string]*domain.Persona),
	}
}

func (f *fakeStore) CreateSession(ctx context.Context, session *domain.Session) error {
	f.sessions[session.SessionID] = session
	return nil
}

func (f *fakeStore) GetOwnedSession(ctx context.Context, sessionID, userID string) (*domain.Session, error) {
	s, ok := f.sessions[sessionID]
	if !ok || s.UserID != userID {
		return nil, store.ErrSessionNotFound
	}
	return s, nil
}

func (f *fakeStore) AppendMessage(ctx context.Context, msg *domain.Message) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	f.messages = append(f.messages, *msg)
	return nil
}

func (f *fakeStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]domain.Message, error) {
	var out []domain.Message
	for _, m := range f.messages {
		if m.SessionID == sessionID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStore) GetPersona(ctx context.Context, personaID, userID string) (*domain.Persona, error) {
	if p, ok := f.personas[personaID]; ok {
		return p, nil
	}
	return nil, nil
}

func (f *fakeStore) UpsertPersona(ctx context.Context, persona *domain.Persona) error {
	f.personas[persona.PersonaID] = persona
	return nil
}

func (f *fakeStore) Close() error { return nil }

type fakeEmitter struct {
	events []interface{}
}

func (f *fakeEmitter) Emit(event interface{}) error {
	f.events = append(f.events, event)
	return nil
}

func (f *fakeEmitter) errors() []*protocol.ErrorEvent {
	var out []*protocol.ErrorEvent
	for _, e := range f.events {
		if ev, ok := e.(*protocol.ErrorEvent); ok {
			out = append(out, ev)
		}
	}
	return out
}

func (f *fakeEmitter) chunks() []*protocol.AssistantChunkEvent {
	var out []*protocol.AssistantChunkEvent
	for _, e := range f.events {
		if ev, ok := e.(*protocol.AssistantChunkEvent); ok {
			out = append(out, ev)
		}
	}
	return out
}

func (f *fakeEmitter) completes() []*protocol.AssistantCompleteEvent {
	var out []*protocol.AssistantCompleteEvent
	for _, e := range f.events {
		if ev, ok := e.(*protocol.AssistantCompleteEvent); ok {
			out = append(out, ev)
		}
	}
	return out
}

type fakeNative struct {
	chunks  []ollama.StreamChunk
	err     error
	lastReq *ollama.ChatRequest
}

func (f *fakeNative) ChatStream(ctx context.Context, req *ollama.ChatRequest, callback ollama.StreamCallback) error {
	f.lastReq = req
	if f.err != nil {
		return f.err
	}
	for i := range f.chunks {
		if err := callback(&f.chunks[i]); err != nil {
			return err
		}
	}
	return nil
}

type fakeCompleter struct {
	response string
	err      error
}

func (f *fakeCompleter) Complete(ctx context.Context, model string, messages []domain.Message, options domain.GenerateOptions) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

type fakeRetriever struct {
	snippets []string
	err      error
}

func (f *fakeRetriever) Query(ctx context.Context, text, sessionID string) ([]string, error) {
	return f.snippets, f.err
}

func newTestService(t *testing.T, st store.Store, retriever *fakeRetriever, registry *plugin.Registry, native NativeBackend, policyContent string) *Service {
	t.Helper()
	if registry == nil {
		registry = plugin.NewRegistry()
	}
	if policyContent == "" {
		policyContent = policy.DefaultPolicy
	}
	pol, err := policy.NewEngine(context.Background(), policyContent)
	require.NoError(t, err)

	var ret retrieval.Retriever
	if retriever != nil {
		ret = retriever
	}
	return NewService(st, ret, resolver.New(st), registry, native, pol, 0, 0)
}

func seedSession(st *fakeStore, sessionID, userID, model string) {
	st.sessions[sessionID] = &domain.Session{SessionID: sessionID, UserID: userID, Model: model}
}

func turnRequest(sessionID, content string) *domain.TurnRequest {
	return &domain.TurnRequest{
		SessionID:          sessionID,
		Content:            content,
		AssistantMessageID: "asst_1",
	}
}

func TestHandleTurnNativeSuccess(t *testing.T) {
	st := newFakeStore()
	seedSession(st, "s1", "alice", "llama3")
	native := &fakeNative{chunks: []ollama.StreamChunk{
		{Content: "Hello "},
		{Content: "world"},
		{Done: true, EvalCount: 100, EvalDuration: 2_000_000_000},
	}}
	svc := newTestService(t, st, nil, nil, native, "")

	emitter := &fakeEmitter{}
	err := svc.HandleTurn(context.Background(), "alice", turnRequest("s1", "hi"), emitter)
	require.NoError(t, err)

	chunks := emitter.chunks()
	require.Len(t, chunks, 3)
	assert.Equal(t, "Hello ", chunks[0].Content)
	assert.False(t, chunks[0].Done)
	assert.True(t, chunks[2].Done)
	assert.Equal(t, "Hello world", chunks[2].Total)
	assert.Equal(t, "asst_1", chunks[0].MessageID)

	completes := emitter.completes()
	require.Len(t, completes, 1)
	require.NotNil(t, completes[0].Message.Stats)
	assert.Equal(t, 50.0, completes[0].Message.Stats.TokensPerSecond)
	assert.Empty(t, emitter.errors())

	require.Len(t, st.messages, 2)
	assert.Equal(t, domain.RoleUser, st.messages[0].Role)
	assert.Equal(t, "asst_1", st.messages[1].MessageID)
	assert.Equal(t, "Hello world", st.messages[1].Content)
	assert.Equal(t, "llama3", st.messages[1].Model)
}

func TestHandleTurnSessionNotOwned(t *testing.T) {
	st := newFakeStore()
	seedSession(st, "s1", "alice", "llama3")
	svc := newTestService(t, st, nil, nil, &fakeNative{}, "")

	emitter := &fakeEmitter{}
	err := svc.HandleTurn(context.Background(), "mallory", turnRequest("s1", "hi"), emitter)
	require.ErrorIs(t, err, store.ErrSessionNotFound)

	errs := emitter.errors()
	require.Len(t, errs, 1)
	assert.Equal(t, protocol.ErrorCodeSessionNotFound, errs[0].Code)
	assert.Equal(t, "s1", errs[0].SessionID)
	assert.Equal(t, "mallory", errs[0].UserID)
	// Nothing was appended for the rejected turn.
	assert.Empty(t, st.messages)
	assert.Len(t, emitter.events, 1)
}

func TestHandleTurnUnknownSession(t *testing.T) {
	st := newFakeStore()
	svc := newTestService(t, st, nil, nil, &fakeNative{}, "")

	emitter := &fakeEmitter{}
	err := svc.HandleTurn(context.Background(), "alice", turnRequest("nope", "hi"), emitter)
	require.ErrorIs(t, err, store.ErrSessionNotFound)
	require.Len(t, emitter.errors(), 1)
	assert.Empty(t, st.messages)
}

func TestHandleTurnPluginBatching(t *testing.T) {
	st := newFakeStore()
	seedSession(st, "s1", "alice", "gpt-4o")
	registry := plugin.NewRegistry(&plugin.Descriptor{
		ID:            "openai",
		ModelPatterns: []string{"gpt-*"},
		Completer:     &fakeCompleter{response: "one two three four five six seven eight nine ten"},
	})
	svc := newTestService(t, st, nil, registry, &fakeNative{}, "")

	emitter := &fakeEmitter{}
	require.NoError(t, svc.HandleTurn(context.Background(), "alice", turnRequest("s1", "hi"), emitter))

	chunks := emitter.chunks()
	require.Len(t, chunks, 4)
	assert.Equal(t, "one two three", chunks[0].Content)
	for i, c := range chunks {
		assert.Equal(t, i == len(chunks)-1, c.Done, "chunk %d", i)
	}
	assert.Equal(t, "one two three four five six seven eight nine ten", chunks[3].Total)

	// Plugin turns carry no backend counters.
	require.Len(t, st.messages, 2)
	assert.Nil(t, st.messages[1].Stats)
}

func TestHandleTurnPluginFallsBackToNative(t *testing.T) {
	st := newFakeStore()
	seedSession(st, "s1", "alice", "gpt-4o")
	registry := plugin.NewRegistry(&plugin.Descriptor{
		ID:            "openai",
		ModelPatterns: []string{"gpt-*"},
		Completer:     &fakeCompleter{err: errors.New("upstream 500")},
	})
	native := &fakeNative{chunks: []ollama.StreamChunk{
		{Content: "fallback"},
		{Done: true},
	}}
	svc := newTestService(t, st, nil, registry, native, "")

	emitter := &fakeEmitter{}
	require.NoError(t, svc.HandleTurn(context.Background(), "alice", turnRequest("s1", "hi"), emitter))

	// The fallback is invisible to the client: no error event, one complete.
	assert.Empty(t, emitter.errors())
	require.Len(t, emitter.completes(), 1)
	require.Len(t, st.messages, 2)
	assert.Equal(t, "fallback", st.messages[1].Content)
}

func TestHandleTurnGenerationFailure(t *testing.T) {
	st := newFakeStore()
	seedSession(st, "s1", "alice", "llama3")
	svc := newTestService(t, st, nil, nil, &fakeNative{err: errors.New("connection refused")}, "")

	emitter := &fakeEmitter{}
	err := svc.HandleTurn(context.Background(), "alice", turnRequest("s1", "hi"), emitter)
	require.Error(t, err)

	errs := emitter.errors()
	require.Len(t, errs, 1)
	assert.Equal(t, protocol.ErrorCodeGenerationFailed, errs[0].Code)
	assert.Empty(t, emitter.completes())

	// The user message survives; no partial assistant message is stored.
	require.Len(t, st.messages, 1)
	assert.Equal(t, domain.RoleUser, st.messages[0].Role)
}

func TestHandleTurnAugmentationIsBackendOnly(t *testing.T) {
	st := newFakeStore()
	seedSession(st, "s1", "alice", "llama3")
	native := &fakeNative{chunks: []ollama.StreamChunk{{Content: "ok"}, {Done: true}}}
	retriever := &fakeRetriever{snippets: []string{"doc snippet"}}
	svc := newTestService(t, st, retriever, nil, native, "")

	emitter := &fakeEmitter{}
	require.NoError(t, svc.HandleTurn(context.Background(), "alice", turnRequest("s1", "what does the doc say?"), emitter))

	require.NotNil(t, native.lastReq)
	last := native.lastReq.Messages[len(native.lastReq.Messages)-1]
	assert.True(t, strings.Contains(last.Content, "doc snippet"))
	assert.True(t, strings.Contains(last.Content, "what does the doc say?"))

	// Stored and echoed user text is verbatim.
	assert.Equal(t, "what does the doc say?", st.messages[0].Content)
}

func TestHandleTurnRetrievalFailureIsNonFatal(t *testing.T) {
	st := newFakeStore()
	seedSession(st, "s1", "alice", "llama3")
	native := &fakeNative{chunks: []ollama.StreamChunk{{Content: "ok"}, {Done: true}}}
	svc := newTestService(t, st, &fakeRetriever{err: errors.New("retrieval down")}, nil, native, "")

	emitter := &fakeEmitter{}
	require.NoError(t, svc.HandleTurn(context.Background(), "alice", turnRequest("s1", "hi"), emitter))
	assert.Empty(t, emitter.errors())
	assert.Equal(t, "hi", native.lastReq.Messages[len(native.lastReq.Messages)-1].Content)
}

func TestHandleTurnPersonaResolution(t *testing.T) {
	st := newFakeStore()
	seedSession(st, "s1", "alice", "persona:tutor")
	st.personas["tutor"] = &domain.Persona{PersonaID: "tutor", Name: "Tutor", Model: "llama3:70b"}
	native := &fakeNative{chunks: []ollama.StreamChunk{{Content: "ok"}, {Done: true}}}
	svc := newTestService(t, st, nil, nil, native, "")

	emitter := &fakeEmitter{}
	require.NoError(t, svc.HandleTurn(context.Background(), "alice", turnRequest("s1", "hi"), emitter))
	assert.Equal(t, "llama3:70b", native.lastReq.Model)
	assert.Equal(t, "llama3:70b", st.messages[1].Model)
}

func TestHandleTurnPolicyBlock(t *testing.T) {
	blocking := `
package chat_policy

default decision = "allow"

decision = "block" {
	startswith(input.model, "gpt-")
}
`
	st := newFakeStore()
	seedSession(st, "s1", "alice", "gpt-4o")
	svc := newTestService(t, st, nil, nil, &fakeNative{}, blocking)

	emitter := &fakeEmitter{}
	err := svc.HandleTurn(context.Background(), "alice", turnRequest("s1", "hi"), emitter)
	require.Error(t, err)

	errs := emitter.errors()
	require.Len(t, errs, 1)
	assert.Equal(t, protocol.ErrorCodeModelAccessDenied, errs[0].Code)
	// The user message was admitted before the policy check.
	require.Len(t, st.messages, 1)
	assert.Equal(t, domain.RoleUser, st.messages[0].Role)
}
