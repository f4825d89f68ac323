package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/coachd/internal/observability"
	"github.com/haasonsaas/coachd/internal/sessions"
	"github.com/haasonsaas/coachd/pkg/models"
)

// Prompt is the assembled context for one model call.
type Prompt struct {
	System   []SystemBlock
	Messages []CompletionMessage
	Tools    []ToolDefinition
}

// ContextBuilder rebuilds the prompt from a session's event log.
type ContextBuilder interface {
	Build(ctx context.Context, session *models.Session, tools []ToolDefinition) (*Prompt, error)
}

// KnowledgeInitializer appends knowledge events for a new user message.
// It is best-effort: an error never fails the turn.
type KnowledgeInitializer interface {
	Initialize(ctx context.Context, session *models.Session, text string) ([]*models.Event, error)
}

// LoopConfig configures the agent loop.
type LoopConfig struct {
	// MaxIterations caps model calls per turn.
	// Default: 10
	MaxIterations int

	// Model overrides the provider's default model.
	Model string

	// MaxTokens is the max tokens per model response.
	// Default: 4096
	MaxTokens int

	// TurnTimeout bounds a whole turn. Zero means no limit.
	TurnTimeout time.Duration

	// DisableInitializer skips the knowledge initializer.
	DisableInitializer bool
}

// DefaultLoopConfig returns the default loop configuration.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		MaxIterations: 10,
		MaxTokens:     4096,
	}
}

func sanitizeLoopConfig(cfg LoopConfig) LoopConfig {
	defaults := DefaultLoopConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaults.MaxIterations
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaults.MaxTokens
	}
	if cfg.TurnTimeout < 0 {
		cfg.TurnTimeout = 0
	}
	return cfg
}

// TurnRequest starts a turn. An empty SessionID creates a new session owned
// by User.
type TurnRequest struct {
	SessionID string
	User      models.User
	Message   string
}

// Stop reasons reported on TurnResult.
const (
	StopIdle          = "idle"
	StopAsk           = "ask"
	StopMaxIterations = "max_iterations"
	StopError         = "error"
)

// TurnResult summarizes a finished turn.
type TurnResult struct {
	SessionID string
	// Messages are the notify and ask texts in the order they were sent.
	Messages []string
	// Artifact is the last artifact attached by notify.
	Artifact   *models.Artifact
	Status     models.SessionStatus
	Iterations int
	StopReason string
}

// Orchestrator runs the bounded tool-use loop for a single user turn.
//
// Each iteration rebuilds the prompt from the event log, makes exactly one
// model call that must return exactly one tool call, and dispatches it. The
// loop stops when the model calls idle or ask, and fails after
// MaxIterations model calls.
//
//	┌──────┐   ┌───────────┐   ┌──────────┐   ┌──────────┐   ┌──────────┐
//	│ user │──▶│ knowledge │──▶│ assemble │──▶│ complete │──▶│ dispatch │
//	└──────┘   └───────────┘   └──────────┘   └──────────┘   └──────────┘
//	                                ▲                              │
//	                                └────── not idle / ask ────────┘
type Orchestrator struct {
	provider    LLMProvider
	tools       *ToolRegistry
	store       sessions.Store
	builder     ContextBuilder
	initializer KnowledgeInitializer
	locker      *sessions.TurnLocker
	artifacts   ArtifactResolver
	scratch     ScratchStore
	cost        CostFunc
	config      LoopConfig

	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

// OrchestratorOption customizes an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithInitializer enables the knowledge initializer.
func WithInitializer(init KnowledgeInitializer) OrchestratorOption {
	return func(o *Orchestrator) { o.initializer = init }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics records Prometheus metrics.
func WithMetrics(metrics *observability.Metrics) OrchestratorOption {
	return func(o *Orchestrator) { o.metrics = metrics }
}

// WithTracer records spans.
func WithTracer(tracer *observability.Tracer) OrchestratorOption {
	return func(o *Orchestrator) { o.tracer = tracer }
}

// WithScratch injects a scratch store into tool executions.
func WithScratch(store ScratchStore) OrchestratorOption {
	return func(o *Orchestrator) { o.scratch = store }
}

// WithArtifactResolver replaces the event-backed artifact resolver.
func WithArtifactResolver(resolver ArtifactResolver) OrchestratorOption {
	return func(o *Orchestrator) { o.artifacts = resolver }
}

// WithTurnLocker shares a locker between orchestrators.
func WithTurnLocker(locker *sessions.TurnLocker) OrchestratorOption {
	return func(o *Orchestrator) { o.locker = locker }
}

// WithCostFunc sets the pricing function.
func WithCostFunc(fn CostFunc) OrchestratorOption {
	return func(o *Orchestrator) { o.cost = fn }
}

// NewOrchestrator wires the loop. The tool registry must already hold the
// control tools.
func NewOrchestrator(provider LLMProvider, tools *ToolRegistry, store sessions.Store, builder ContextBuilder, config LoopConfig, opts ...OrchestratorOption) (*Orchestrator, error) {
	if provider == nil {
		return nil, ErrNoProvider
	}
	if tools == nil {
		return nil, errors.New("tool registry is required")
	}
	if store == nil {
		return nil, errors.New("session store is required")
	}
	if builder == nil {
		return nil, errors.New("context builder is required")
	}
	for name := range reservedToolNames {
		if _, ok := tools.Get(name); !ok {
			return nil, fmt.Errorf("control tool %s is not registered", name)
		}
	}

	o := &Orchestrator{
		provider: provider,
		tools:    tools,
		store:    store,
		builder:  builder,
		locker:   sessions.NewTurnLocker(),
		cost:     NewPriceTable(nil).Cost,
		config:   sanitizeLoopConfig(config),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.artifacts == nil {
		o.artifacts = NewEventArtifactResolver(store)
	}
	o.logger = o.logger.With("component", "agent")
	return o, nil
}

// Config returns the effective loop configuration.
func (o *Orchestrator) Config() LoopConfig {
	return o.config
}

// RunTurn runs one user turn to completion.
//
// Progress goes to sink, which may be nil. The returned result is non-nil
// whenever a session was opened, including when the turn failed; in that
// case the error is a *LoopError and the session status is error.
// ErrSessionBusy is returned, with no result, when another turn is running
// for the same session.
func (o *Orchestrator) RunTurn(ctx context.Context, req TurnRequest, sink EventSink) (*TurnResult, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, ErrEmptyMessage
	}
	if sink == nil {
		sink = NopSink{}
	}
	if o.config.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.config.TurnTimeout)
		defer cancel()
	}

	session, err := o.openSession(ctx, req)
	if err != nil {
		return nil, err
	}
	release, err := o.locker.TryAcquire(session.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx = observability.AddSessionID(ctx, session.ID)
	if req.User.ID != "" {
		ctx = observability.AddUserID(ctx, req.User.ID)
	}
	ctx, span := o.tracer.TraceTurn(ctx, session.ID)
	defer span.End()

	start := time.Now()
	if o.metrics != nil {
		o.metrics.ActiveTurns.Inc()
		defer o.metrics.ActiveTurns.Dec()
	}

	result := &TurnResult{SessionID: session.ID, Status: models.SessionActive}
	o.logger.InfoContext(ctx, "turn started")
	sink.Emit(ctx, StreamEvent{Type: StreamStatus, SessionID: session.ID, Status: models.SessionActive, Time: time.Now().UTC()})

	runErr := o.run(ctx, session, req, sink, result)
	if runErr != nil {
		o.fail(ctx, session, runErr, sink, result)
		o.tracer.RecordError(span, runErr)
	} else {
		o.finish(ctx, session, sink, result)
	}

	if o.metrics != nil {
		o.metrics.TurnsTotal.WithLabelValues(result.StopReason).Inc()
		o.metrics.TurnDuration.Observe(time.Since(start).Seconds())
		o.metrics.TurnIterations.Observe(float64(result.Iterations))
	}
	o.tracer.SetAttributes(span, "turn.iterations", result.Iterations, "turn.stop_reason", result.StopReason)
	o.logger.InfoContext(ctx, "turn finished",
		"status", result.Status,
		"stop_reason", result.StopReason,
		"iterations", result.Iterations,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	if runErr != nil {
		return result, runErr
	}
	return result, nil
}

func (o *Orchestrator) openSession(ctx context.Context, req TurnRequest) (*models.Session, error) {
	if req.SessionID == "" {
		if req.User.ID == "" {
			return nil, loopErr(PhaseInit, 0, errors.New("caller identity is required"))
		}
		session := &models.Session{
			OwnerID: req.User.ID,
			Title:   sessionTitle(req.Message),
			Status:  models.SessionActive,
		}
		if err := o.store.CreateSession(ctx, session); err != nil {
			return nil, loopErr(PhaseInit, 0, fmt.Errorf("failed to create session: %w", err))
		}
		return session, nil
	}

	session, err := o.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, loopErr(PhaseInit, 0, err)
	}
	if req.User.ID != "" && session.OwnerID != req.User.ID {
		return nil, loopErr(PhaseInit, 0, sessions.ErrSessionNotFound)
	}
	return session, nil
}

func (o *Orchestrator) run(ctx context.Context, session *models.Session, req TurnRequest, sink EventSink, result *TurnResult) error {
	if session.Status != models.SessionActive {
		if err := o.store.UpdateStatus(ctx, session.ID, models.SessionActive); err != nil {
			return loopErr(PhaseInit, 0, err)
		}
		session.Status = models.SessionActive
	}
	if _, err := o.store.Append(ctx, session.ID, models.EventUserMessage, models.UserMessagePayload{Text: req.Message}, sessions.AppendOptions{}); err != nil {
		return loopErr(PhaseInit, 0, fmt.Errorf("failed to append user message: %w", err))
	}

	o.loadKnowledge(ctx, session, req.Message, sink)

	env := &ToolEnv{
		SessionID: session.ID,
		User:      req.User,
		Artifacts: o.artifacts,
		Scratch:   o.scratch,
	}
	for iteration := 1; ; iteration++ {
		if iteration > o.config.MaxIterations {
			result.StopReason = StopMaxIterations
			return loopErr(PhaseComplete, iteration, ErrMaxIterations)
		}
		if err := ctx.Err(); err != nil {
			return loopErr(PhaseComplete, iteration, err)
		}
		result.Iterations = iteration

		halt, err := o.iterate(ctx, session, env, iteration, sink, result)
		if err != nil {
			return err
		}
		if halt != ControlNone {
			result.StopReason = string(halt)
			return nil
		}
	}
}

// loadKnowledge runs the initializer. Failures only degrade context.
func (o *Orchestrator) loadKnowledge(ctx context.Context, session *models.Session, text string, sink EventSink) {
	if o.initializer == nil || o.config.DisableInitializer {
		return
	}
	events, err := o.initializer.Initialize(ctx, session, text)
	if err != nil {
		o.logger.WarnContext(ctx, "knowledge initializer failed", "error", err, "phase", PhaseKnowledge)
	}
	for _, ev := range events {
		var payload models.KnowledgePayload
		if err := ev.Decode(&payload); err != nil {
			continue
		}
		sink.Emit(ctx, StreamEvent{
			Type:      StreamKnowledge,
			SessionID: session.ID,
			Source:    payload.Source,
			Params:    payload.Params,
			Time:      time.Now().UTC(),
		})
	}
}

func (o *Orchestrator) iterate(ctx context.Context, session *models.Session, env *ToolEnv, iteration int, sink EventSink, result *TurnResult) (ControlSignal, error) {
	prompt, err := o.builder.Build(ctx, session, o.tools.Definitions())
	if err != nil {
		return ControlNone, loopErr(PhaseAssemble, iteration, err)
	}
	req := &CompletionRequest{
		Model:     o.config.Model,
		System:    prompt.System,
		Messages:  prompt.Messages,
		Tools:     prompt.Tools,
		MaxTokens: o.config.MaxTokens,
	}
	if _, err := o.store.Append(ctx, session.ID, models.EventLLMRequest, models.LLMRequestPayload{
		Iteration:    iteration,
		Model:        o.config.Model,
		MessageCount: len(req.Messages),
		ToolCount:    len(req.Tools),
		Breakpoints:  req.Breakpoints(),
	}, sessions.AppendOptions{}); err != nil {
		return ControlNone, loopErr(PhasePersist, iteration, err)
	}

	resp, elapsed, callErr := o.callModel(ctx, req, iteration)
	if resp == nil {
		return ControlNone, loopErr(PhaseComplete, iteration, callErr)
	}

	usage := models.SessionUsage{
		InputTokens:      resp.Usage.InputTokens,
		OutputTokens:     resp.Usage.OutputTokens,
		CacheReadTokens:  resp.Usage.CacheReadTokens,
		CacheWriteTokens: resp.Usage.CacheWriteTokens,
	}
	if o.cost != nil {
		usage.CostUSD = o.cost(resp.Model, resp.Usage)
	}
	if _, err := o.store.Append(ctx, session.ID, models.EventLLMResponse, models.LLMResponsePayload{
		Iteration:  iteration,
		Provider:   resp.Provider,
		Model:      resp.Model,
		StopReason: resp.StopReason,
		ToolName:   resp.ToolCall.Name,
		Usage:      usage,
	}, sessions.AppendOptions{Duration: elapsed}); err != nil {
		return ControlNone, loopErr(PhasePersist, iteration, err)
	}
	if err := o.store.AddUsage(ctx, session.ID, usage); err != nil {
		o.logger.WarnContext(ctx, "failed to update session usage", "error", err)
	}
	if o.metrics != nil {
		o.metrics.RecordLLMUsage(resp.Provider, resp.Model, usage.InputTokens, usage.OutputTokens, usage.CacheReadTokens, usage.CacheWriteTokens, usage.CostUSD)
	}
	if callErr != nil {
		return ControlNone, loopErr(PhaseComplete, iteration, callErr)
	}
	if len(resp.Dropped) > 0 {
		names := make([]string, len(resp.Dropped))
		for i, call := range resp.Dropped {
			names[i] = call.Name
		}
		o.logger.WarnContext(ctx, "model returned extra tool calls; only the first runs",
			"iteration", iteration, "kept", resp.ToolCall.Name, "dropped", names)
	}

	call := resp.ToolCall
	if call.ID == "" {
		call.ID = "call_" + uuid.NewString()
	}
	if _, err := o.store.Append(ctx, session.ID, models.EventToolCall, models.ToolCallPayload{
		CallID:    call.ID,
		Name:      call.Name,
		Arguments: call.Input,
	}, sessions.AppendOptions{}); err != nil {
		return ControlNone, loopErr(PhasePersist, iteration, err)
	}
	sink.Emit(ctx, StreamEvent{
		Type:      StreamToolStart,
		SessionID: session.ID,
		Iteration: iteration,
		Tool:      call.Name,
		CallID:    call.ID,
		Time:      time.Now().UTC(),
	})

	dispatch, err := o.dispatch(ctx, env, call)
	if err != nil {
		o.closeCall(ctx, session.ID, call, err)
		return ControlNone, loopErr(PhaseDispatch, iteration, err)
	}
	if err := o.recordResult(ctx, session, iteration, dispatch, sink, result); err != nil {
		o.closeCall(ctx, session.ID, call, err)
		return ControlNone, err
	}
	if dispatch.Success && dispatch.Control.Halts() {
		return dispatch.Control, nil
	}
	return ControlNone, nil
}

func (o *Orchestrator) callModel(ctx context.Context, req *CompletionRequest, iteration int) (*CompletionResponse, time.Duration, error) {
	ctx, span := o.tracer.TraceLLMRequest(ctx, o.provider.Name(), req.Model, iteration)
	defer span.End()

	start := time.Now()
	resp, err := o.provider.Complete(ctx, req)
	elapsed := time.Since(start)
	if err == nil && resp == nil {
		err = ErrNoToolCall
	}
	if err == nil && resp.ToolCall.Name == "" {
		err = ErrNoToolCall
	}
	if err != nil && !errors.Is(err, ErrNoToolCall) {
		resp = nil
	}

	if o.metrics != nil {
		model := req.Model
		if resp != nil && resp.Model != "" {
			model = resp.Model
		}
		o.metrics.LLMRequestDuration.WithLabelValues(o.provider.Name(), model).Observe(elapsed.Seconds())
		o.metrics.LLMRequestCounter.WithLabelValues(o.provider.Name(), model, observability.StatusLabel(err == nil)).Inc()
	}
	if err != nil {
		o.tracer.RecordError(span, err)
	}
	if resp == nil {
		return nil, elapsed, err
	}
	if resp.Provider == "" {
		resp.Provider = o.provider.Name()
	}
	if resp.Model == "" {
		resp.Model = req.Model
	}
	return resp, elapsed, err
}

func (o *Orchestrator) dispatch(ctx context.Context, env *ToolEnv, call ToolCall) (*DispatchResult, error) {
	ctx, span := o.tracer.TraceToolExecution(ctx, call.Name)
	defer span.End()

	result, err := o.tools.Dispatch(ctx, env, call)
	if err != nil {
		o.tracer.RecordError(span, err)
		return nil, err
	}
	if result.Err != nil {
		o.tracer.RecordError(span, result.Err)
		o.logger.WarnContext(ctx, "tool call failed", "tool", call.Name, "call_id", call.ID, "error", result.Err)
	}
	if o.metrics != nil {
		o.metrics.ToolExecutionCounter.WithLabelValues(call.Name, observability.StatusLabel(result.Success)).Inc()
		o.metrics.ToolExecutionDuration.WithLabelValues(call.Name).Observe(result.Duration.Seconds())
	}
	return result, nil
}

// recordResult persists the tool result, and the artifact it created, on a
// context that outlives the turn deadline. A result that fails to persist
// leaves the call open for closeCall.
func (o *Orchestrator) recordResult(ctx context.Context, session *models.Session, iteration int, dispatch *DispatchResult, sink EventSink, result *TurnResult) error {
	persistCtx := context.WithoutCancel(ctx)

	var created *models.Artifact
	if out := dispatch.Output; out != nil && out.Artifact != nil {
		artifact := *out.Artifact
		if artifact.ID == "" {
			artifact.ID = uuid.NewString()
		}
		if artifact.CreatedAt.IsZero() {
			artifact.CreatedAt = time.Now().UTC()
		}
		_, err := o.artifacts.ResolveArtifact(persistCtx, session.ID, artifact.ID)
		switch {
		case err == nil:
			rejectDispatch(dispatch, fmt.Errorf("%w: %s", ErrDuplicateArtifact, artifact.ID))
			o.logger.WarnContext(ctx, "tool reused an artifact id", "tool", dispatch.Name, "artifact_id", artifact.ID)
		case errors.Is(err, ErrArtifactNotFound):
			out.Artifact = &artifact
			created = &artifact
		default:
			return loopErr(PhasePersist, iteration, err)
		}
	}

	payload := models.ToolResultPayload{
		CallID:  dispatch.CallID,
		Name:    dispatch.Name,
		Success: dispatch.Success,
		Content: dispatch.Formatted,
		Data:    dispatch.Data(),
	}
	stream := StreamEvent{
		Type:      StreamToolResult,
		SessionID: session.ID,
		Iteration: iteration,
		Tool:      dispatch.Name,
		CallID:    dispatch.CallID,
		Success:   boolPtr(dispatch.Success),
	}

	if created != nil {
		if _, err := o.store.Append(persistCtx, session.ID, models.EventArtifact, models.ArtifactPayload{Artifact: *created}, sessions.AppendOptions{}); err != nil {
			return loopErr(PhasePersist, iteration, err)
		}
		payload.Artifact = created
		stream.Artifact = created
	}
	if out := dispatch.Output; out != nil {
		payload.Warning = out.Warning
		stream.Warning = out.Warning
		if out.Attachment != nil {
			payload.Artifact = out.Attachment
			stream.Artifact = out.Attachment
		}
		if dispatch.Control != ControlNone && out.Message != "" {
			stream.Text = out.Message
			result.Messages = append(result.Messages, out.Message)
		}
		if dispatch.Control == ControlNotify && out.Attachment != nil {
			result.Artifact = out.Attachment
		}
	} else if dispatch.Err != nil {
		stream.Error = dispatch.Err.Error()
	}

	if _, err := o.store.Append(persistCtx, session.ID, models.EventToolResult, payload, sessions.AppendOptions{Duration: dispatch.Duration}); err != nil {
		return loopErr(PhasePersist, iteration, err)
	}
	stream.Time = time.Now().UTC()
	sink.Emit(ctx, stream)
	return nil
}

// rejectDispatch turns a tool's output into a recoverable failure.
func rejectDispatch(dispatch *DispatchResult, err error) {
	dispatch.Success = false
	dispatch.Err = err
	dispatch.Output = nil
	dispatch.Formatted = WrapResult(err.Error(), false)
}

// closeCall appends a failed tool_result for a call whose own result was
// never persisted. Every tool_call in the log must be answered or the
// session history no longer folds into a prompt.
func (o *Orchestrator) closeCall(ctx context.Context, sessionID string, call ToolCall, cause error) {
	_, err := o.store.Append(context.WithoutCancel(ctx), sessionID, models.EventToolResult, models.ToolResultPayload{
		CallID:  call.ID,
		Name:    call.Name,
		Success: false,
		Content: WrapResult(cause.Error(), false),
	}, sessions.AppendOptions{})
	if err != nil {
		o.logger.ErrorContext(ctx, "failed to close tool call", "tool", call.Name, "call_id", call.ID, "error", err)
	}
}

func (o *Orchestrator) finish(ctx context.Context, session *models.Session, sink EventSink, result *TurnResult) {
	result.Status = models.SessionCompleted
	if err := o.store.UpdateStatus(ctx, session.ID, models.SessionCompleted); err != nil {
		o.logger.WarnContext(ctx, "failed to mark session completed", "error", err)
	}
	sink.Emit(ctx, StreamEvent{
		Type:      StreamDone,
		SessionID: session.ID,
		Iteration: result.Iterations,
		Status:    result.Status,
		Messages:  result.Messages,
		Artifact:  result.Artifact,
		Time:      time.Now().UTC(),
	})
}

// fail records a fatal error. Each step is best effort so a broken store
// still yields an error event on the stream.
func (o *Orchestrator) fail(ctx context.Context, session *models.Session, runErr error, sink EventSink, result *TurnResult) {
	result.Status = models.SessionError
	if result.StopReason == "" {
		result.StopReason = StopError
	}

	payload := models.ErrorPayload{Message: runErr.Error()}
	var le *LoopError
	if errors.As(runErr, &le) {
		payload.Phase = string(le.Phase)
		payload.Iteration = le.Iteration
		if le.Cause != nil {
			payload.Message = le.Cause.Error()
		}
	}

	// The turn context may be the reason we failed.
	persistCtx := context.WithoutCancel(ctx)
	if _, err := o.store.Append(persistCtx, session.ID, models.EventError, payload, sessions.AppendOptions{}); err != nil {
		o.logger.ErrorContext(ctx, "failed to append error event", "error", err)
	}
	if err := o.store.UpdateStatus(persistCtx, session.ID, models.SessionError); err != nil {
		o.logger.ErrorContext(ctx, "failed to mark session errored", "error", err)
	}
	o.logger.ErrorContext(ctx, "turn failed", "error", runErr, "phase", payload.Phase, "iteration", payload.Iteration)

	sink.Emit(ctx, StreamEvent{
		Type:      StreamError,
		SessionID: session.ID,
		Iteration: payload.Iteration,
		Status:    result.Status,
		Error:     payload.Message,
		Messages:  result.Messages,
		Time:      time.Now().UTC(),
	})
}

func sessionTitle(message string) string {
	title := strings.Join(strings.Fields(message), " ")
	runes := []rune(title)
	if len(runes) > 60 {
		return string(runes[:57]) + "..."
	}
	return title
}
