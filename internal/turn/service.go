package turn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/qmuntal/stateless"

	"chatrelay/internal/domain"
	"chatrelay/internal/ollama"
	"chatrelay/internal/plugin"
	"chatrelay/internal/policy"
	"chatrelay/internal/protocol"
	"chatrelay/internal/resolver"
	"chatrelay/internal/retrieval"
	"chatrelay/internal/stats"
	"chatrelay/internal/store"
	"chatrelay/pkg/logger"
	"chatrelay/pkg/metrics"
)

// DefaultBatchDelay paces emulated plugin streams. Tests pass zero.
const DefaultBatchDelay = 50 * time.Millisecond

// Emitter delivers server events for one connection. Emit failures mean the
// client is gone; the turn keeps running so the transcript stays complete.
type Emitter interface {
	Emit(event interface{}) error
}

// NativeBackend is the streaming generation contract the native path uses.
type NativeBackend interface {
	ChatStream(ctx context.Context, req *ollama.ChatRequest, callback ollama.StreamCallback) error
}

// Service runs chat turns: validate, persist the user message, augment,
// resolve, dispatch to a backend, relay chunks, persist the result. One
// Service is shared by all connections; all per-turn state lives in the
// TurnContext.
type Service struct {
	store           store.Store
	retriever       retrieval.Retriever
	resolver        *resolver.Resolver
	registry        *plugin.Registry
	native          NativeBackend
	policy          *policy.Engine
	batchDelay      time.Duration
	generateTimeout time.Duration
}

// NewService wires the turn orchestrator. retriever may be nil when no
// retrieval backend is configured.
func NewService(st store.Store, retriever retrieval.Retriever, res *resolver.Resolver, registry *plugin.Registry, native NativeBackend, pol *policy.Engine, batchDelay, generateTimeout time.Duration) *Service {
	if batchDelay < 0 {
		batchDelay = DefaultBatchDelay
	}
	return &Service{
		store:           st,
		retriever:       retriever,
		resolver:        res,
		registry:        registry,
		native:          native,
		policy:          pol,
		batchDelay:      batchDelay,
		generateTimeout: generateTimeout,
	}
}

// HandleTurn runs one chat turn to its terminal event. Every failure is
// reported to the client as an error event before returning; the returned
// error is for the caller's log only.
func (s *Service) HandleTurn(ctx context.Context, userID string, req *domain.TurnRequest, emit Emitter) error {
	start := time.Now()
	fsm := newMachine()

	session, err := s.store.GetOwnedSession(ctx, req.SessionID, userID)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			s.reject(fsm, emit, protocol.ErrorCodeSessionNotFound,
				"session not found or not owned by user", req.SessionID, userID)
			return err
		}
		s.fail(fsm, emit, protocol.ErrorCodePersistenceFailed, err, req.SessionID, userID)
		return err
	}
	fire(fsm, TriggerSessionValidated)

	tc := &domain.TurnContext{
		Session:       session,
		UserID:        userID,
		RawText:       req.Content,
		Images:        req.Images,
		Format:        req.Format,
		Options:       req.Options,
		CorrelationID: req.AssistantMessageID,
	}

	// The user message is stored verbatim before any augmentation so the
	// transcript reflects what the user actually typed.
	userMsg := &domain.Message{
		MessageID: "msg_" + uuid.NewString()[:8],
		SessionID: session.SessionID,
		Role:      domain.RoleUser,
		Content:   req.Content,
		Images:    req.Images,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.AppendMessage(ctx, userMsg); err != nil {
		s.fail(fsm, emit, protocol.ErrorCodePersistenceFailed, err, session.SessionID, userID)
		return err
	}
	s.emit(emit, &protocol.UserMessageEvent{
		BaseMessage: base(protocol.TypeUserMessage),
		Message:     *userMsg,
	})

	if s.retriever != nil {
		snippets, err := s.retriever.Query(ctx, req.Content, session.SessionID)
		switch {
		case err != nil:
			logger.L.Warn("retrieval query failed, continuing without context",
				"session_id", session.SessionID, "error", err)
		case len(snippets) > 0:
			tc.AugmentedText = retrieval.Augment(req.Content, snippets)
		}
	}
	fire(fsm, TriggerContextBuilt)

	tc.ResolvedModel = s.resolver.Resolve(ctx, session, userID)
	fire(fsm, TriggerModelResolved)

	decision, err := s.policy.Evaluate(ctx, policy.Input{
		UserID:    userID,
		SessionID: session.SessionID,
		Model:     tc.ResolvedModel,
	})
	if err != nil {
		logger.L.Warn("policy evaluation failed, admitting turn",
			"session_id", session.SessionID, "error", err)
		decision = policy.DecisionAllow
	}
	if decision == policy.DecisionBlock {
		s.reject(fsm, emit, protocol.ErrorCodeModelAccessDenied,
			fmt.Sprintf("access to model %q denied by policy", tc.ResolvedModel),
			session.SessionID, userID)
		return fmt.Errorf("policy blocked model %q for user %q", tc.ResolvedModel, userID)
	}

	history, err := s.store.ListMessages(ctx, session.SessionID, 0)
	if err != nil {
		s.fail(fsm, emit, protocol.ErrorCodePersistenceFailed, err, session.SessionID, userID)
		return err
	}

	var turnStats *domain.Statistics
	if d := s.registry.Find(tc.ResolvedModel); d != nil {
		fire(fsm, TriggerPluginDispatch)
		err = s.runPlugin(ctx, d, tc, history, emit)
		if err != nil {
			// A broken plugin must not break the turn. Retry the same
			// context against the native backend.
			logger.L.Warn("plugin completion failed, falling back to native backend",
				"plugin_id", d.ID, "model", tc.ResolvedModel, "error", err)
			metrics.DispatchTotal.WithLabelValues("plugin_fallback").Inc()
			fire(fsm, TriggerPluginFellThru)
			turnStats, err = s.runNative(ctx, tc, history, emit)
		}
	} else {
		fire(fsm, TriggerNativeStream)
		turnStats, err = s.runNative(ctx, tc, history, emit)
	}
	if err != nil {
		s.fail(fsm, emit, protocol.ErrorCodeGenerationFailed, err, session.SessionID, userID)
		return err
	}

	assistantMsg := &domain.Message{
		MessageID: tc.CorrelationID,
		SessionID: session.SessionID,
		Role:      domain.RoleAssistant,
		Content:   string(tc.Buffer),
		Model:     tc.ResolvedModel,
		Stats:     turnStats,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.AppendMessage(ctx, assistantMsg); err != nil {
		s.fail(fsm, emit, protocol.ErrorCodePersistenceFailed, err, session.SessionID, userID)
		return err
	}
	fire(fsm, TriggerPersisted)

	s.emit(emit, &protocol.AssistantCompleteEvent{
		BaseMessage: base(protocol.TypeAssistantComplete),
		Message:     *assistantMsg,
	})
	fire(fsm, TriggerCompleted)

	metrics.TurnsTotal.WithLabelValues("completed").Inc()
	metrics.TurnDuration.Observe(time.Since(start).Seconds())
	return nil
}

// runPlugin runs a one-shot plugin completion and emulates streaming over
// its response. The emitted events are indistinguishable from native ones.
func (s *Service) runPlugin(ctx context.Context, d *plugin.Descriptor, tc *domain.TurnContext, history []domain.Message, emit Emitter) error {
	content, err := d.Completer.Complete(ctx, tc.ResolvedModel, backendHistory(tc, history), tc.Options)
	if err != nil {
		return err
	}
	metrics.DispatchTotal.WithLabelValues("plugin").Inc()

	for i, b := range plugin.SplitBatches(content, plugin.TokensPerBatch) {
		if i > 0 && s.batchDelay > 0 {
			time.Sleep(s.batchDelay)
		}
		s.emit(emit, &protocol.AssistantChunkEvent{
			BaseMessage: base(protocol.TypeAssistantChunk),
			Content:     b.Delta,
			Total:       b.Total,
			Done:        b.Done,
			MessageID:   tc.CorrelationID,
		})
		metrics.ChunksRelayed.Inc()
	}
	tc.Buffer = []byte(content)
	return nil
}

// runNative streams from the native backend, relaying each chunk as it
// lands and extracting statistics from the terminal one.
func (s *Service) runNative(ctx context.Context, tc *domain.TurnContext, history []domain.Message, emit Emitter) (*domain.Statistics, error) {
	metrics.DispatchTotal.WithLabelValues("native").Inc()

	if s.generateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.generateTimeout)
		defer cancel()
	}

	req := &ollama.ChatRequest{
		Model:    tc.ResolvedModel,
		Messages: wireMessages(backendHistory(tc, history)),
		Format:   tc.Format,
		Options:  tc.Options,
	}

	tc.Buffer = tc.Buffer[:0]
	var turnStats *domain.Statistics
	err := s.native.ChatStream(ctx, req, func(chunk *ollama.StreamChunk) error {
		tc.Buffer = append(tc.Buffer, chunk.Content...)
		if chunk.Done {
			turnStats = stats.Extract(chunk, tc.ResolvedModel, time.Now().UTC())
		}
		s.emit(emit, &protocol.AssistantChunkEvent{
			BaseMessage: base(protocol.TypeAssistantChunk),
			Content:     chunk.Content,
			Total:       string(tc.Buffer),
			Done:        chunk.Done,
			MessageID:   tc.CorrelationID,
		})
		metrics.ChunksRelayed.Inc()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return turnStats, nil
}

// backendHistory is the transcript as the backend sees it: the final user
// message carries the augmented text and the turn's images, while the stored
// transcript keeps the verbatim original.
func backendHistory(tc *domain.TurnContext, history []domain.Message) []domain.Message {
	out := make([]domain.Message, len(history))
	copy(out, history)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i].Role == domain.RoleUser {
			out[i].Content = tc.Augmented()
			out[i].Images = tc.Images
			break
		}
	}
	return out
}

func wireMessages(history []domain.Message) []ollama.Message {
	out := make([]ollama.Message, len(history))
	for i, m := range history {
		out[i] = ollama.Message{Role: m.Role, Content: m.Content, Images: m.Images}
	}
	return out
}

// reject reports a policy or ownership rejection. Nothing from the turn has
// reached, or will reach, the transcript.
func (s *Service) reject(fsm *stateless.StateMachine, emit Emitter, code, msg, sessionID, userID string) {
	s.emit(emit, &protocol.ErrorEvent{
		BaseMessage: base(protocol.TypeError),
		Error:       msg,
		Code:        code,
		Message:     msg,
		SessionID:   sessionID,
		UserID:      userID,
	})
	fire(fsm, TriggerFailed)
	metrics.TurnsTotal.WithLabelValues("rejected").Inc()
}

// fail reports a mid-turn failure to the client and marks the turn failed.
func (s *Service) fail(fsm *stateless.StateMachine, emit Emitter, code string, cause error, sessionID, userID string) {
	s.emit(emit, &protocol.ErrorEvent{
		BaseMessage: base(protocol.TypeError),
		Error:       cause.Error(),
		Code:        code,
		SessionID:   sessionID,
		UserID:      userID,
	})
	fire(fsm, TriggerFailed)
	metrics.TurnsTotal.WithLabelValues("failed").Inc()
}

func (s *Service) emit(emit Emitter, event interface{}) {
	if err := emit.Emit(event); err != nil {
		logger.L.Warn("failed to emit event", "error", err)
	}
}

func base(msgType string) protocol.BaseMessage {
	return protocol.BaseMessage{Type: msgType, Ts: time.Now().UnixMilli()}
}

func fire(fsm *stateless.StateMachine, trigger FSMTrigger) {
	if err := fsm.Fire(trigger); err != nil {
		logger.L.Error("turn state transition rejected", "trigger", trigger, "error", err)
	}
}
