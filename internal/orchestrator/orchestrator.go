// Package orchestrator runs multi-step session conversations: a model turn
// may request tools, each tool runs as a job through the dispatcher, and
// every step is reported to a sink as an ordered session event.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/autosage/internal/dispatch"
	"github.com/haasonsaas/autosage/internal/jobs"
	"github.com/haasonsaas/autosage/internal/observability"
	"github.com/haasonsaas/autosage/internal/sessions"
	"github.com/haasonsaas/autosage/internal/tools"
	"github.com/haasonsaas/autosage/pkg/models"
)

// ErrEmptyPrompt is returned when a run has nothing to respond to.
var ErrEmptyPrompt = errors.New("prompt is required")

// Config bounds a run.
type Config struct {
	MaxIterations int
	ToolWait      time.Duration
}

// Reply is the aggregated outcome of a run.
type Reply struct {
	SessionID string                `json:"session_id"`
	Reply     string                `json:"reply"`
	ToolCalls []models.ToolCallInfo `json:"tool_calls"`
	Manifest  *sessions.Manifest    `json:"manifest"`
}

// Orchestrator drives runs for every session.
type Orchestrator struct {
	sessions   *sessions.Store
	dispatcher *dispatch.Dispatcher
	model      Model
	locker     *sessions.Locker
	config     Config

	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	now     func() time.Time
}

// Option configures optional collaborators.
type Option func(*Orchestrator)

func WithLogger(l *observability.Logger) Option   { return func(o *Orchestrator) { o.logger = l } }
func WithMetrics(m *observability.Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }
func WithTracer(t *observability.Tracer) Option   { return func(o *Orchestrator) { o.tracer = t } }

// New creates an orchestrator. A nil model uses ScriptedModel.
func New(store *sessions.Store, d *dispatch.Dispatcher, model Model, cfg Config, opts ...Option) *Orchestrator {
	if model == nil {
		model = ScriptedModel{}
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 4
	}
	if cfg.ToolWait <= 0 {
		cfg.ToolWait = 30 * time.Second
	}
	o := &Orchestrator{
		sessions:   store,
		dispatcher: d,
		model:      model,
		locker:     sessions.NewLocker(),
		config:     cfg,
		logger:     observability.NopLogger(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Sessions returns the session store.
func (o *Orchestrator) Sessions() *sessions.Store { return o.sessions }

// emitter numbers events and stops writing to a sink that has failed, so a
// gone client never interrupts the run itself.
type emitter struct {
	sessionID string
	sink      Sink
	seq       uint64
	broken    bool
	o         *Orchestrator
}

func (e *emitter) emit(ctx context.Context, ev models.SessionEvent) {
	e.seq++
	ev.Sequence = e.seq
	ev.SessionID = e.sessionID
	ev.Time = e.o.now().UTC()
	if e.broken {
		return
	}
	if err := e.sink.Emit(ctx, ev); err != nil {
		e.broken = true
		e.o.logger.Warn(ctx, "session sink failed; continuing without it", "error", err)
		return
	}
	e.o.metrics.RecordStreamEvent(string(ev.Type))
}

// Run answers prompt within the session, emitting events to sink. Runs on
// the same session are serialized.
func (o *Orchestrator) Run(ctx context.Context, sessionID, prompt string, sink Sink) (reply *Reply, err error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, ErrEmptyPrompt
	}
	if sink == nil {
		sink = discardSink{}
	}
	ctx = observability.AddSessionID(ctx, sessionID)
	ctx, span := o.tracer.Start(ctx, "orchestrator.run", "session.id", sessionID, "model", o.model.Name())
	defer span.End()
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
			o.tracer.RecordError(span, err)
		}
		o.metrics.RecordSessionRun(status)
	}()

	unlock, err := o.locker.Lock(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	manifest, err := o.sessions.Update(sessionID, func(m *sessions.Manifest) error {
		m.History = append(m.History, sessions.HistoryEntry{Time: o.now().UTC(), Role: sessions.RoleUser, Text: prompt})
		return nil
	})
	if err != nil {
		return nil, err
	}

	em := &emitter{sessionID: sessionID, sink: sink, o: o}
	messages := append(historyMessages(manifest), Message{Role: RoleUser, Content: prompt})
	descriptors := o.dispatcher.Registry().List(tools.Filter{})

	var texts []string
	var calls []models.ToolCallInfo
	var toolHistory []sessions.HistoryEntry

	for iter := 0; iter < o.config.MaxIterations; iter++ {
		current, _ := o.sessions.Get(sessionID)
		text, requested, err := o.turn(ctx, em, &Request{
			SessionID: sessionID,
			Manifest:  current,
			Messages:  messages,
			Tools:     descriptors,
		})
		if err != nil {
			return nil, err
		}
		if text != "" {
			texts = append(texts, text)
		}
		messages = append(messages, Message{Role: RoleAssistant, Content: text, ToolCalls: requested})
		if len(requested) == 0 {
			break
		}

		for _, call := range requested {
			em.emit(ctx, models.SessionEvent{
				Type: models.SessionEventToolCallStart,
				Tool: &models.ToolCallInfo{Name: call.Name, Status: string(jobs.StatusRunning)},
			})
			info := o.invokeTool(ctx, sessionID, call)
			em.emit(ctx, models.SessionEvent{Type: models.SessionEventToolCallComplete, Tool: &info})

			calls = append(calls, info)
			toolHistory = append(toolHistory, sessions.HistoryEntry{
				Time:   o.now().UTC(),
				Role:   sessions.RoleTool,
				Text:   info.Summary,
				Tool:   info.Name,
				JobID:  info.JobID,
				Status: info.Status,
			})
			messages = append(messages, Message{
				Role:       RoleTool,
				Content:    toolMessage(info),
				ToolCallID: call.ID,
				ToolName:   call.Name,
			})
		}
	}

	final := strings.Join(texts, "\n\n")
	manifest, err = o.sessions.Update(sessionID, func(m *sessions.Manifest) error {
		m.History = append(m.History, toolHistory...)
		m.History = append(m.History, sessions.HistoryEntry{Time: o.now().UTC(), Role: sessions.RoleAssistant, Text: final})
		m.Turns++
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}
	em.emit(ctx, models.SessionEvent{Type: models.SessionEventStateUpdate, State: manifest})

	o.logger.Info(ctx, "session run finished", "tool_calls", len(calls), "turns", manifest.Turns)
	if calls == nil {
		calls = []models.ToolCallInfo{}
	}
	return &Reply{SessionID: sessionID, Reply: final, ToolCalls: calls, Manifest: manifest}, nil
}

// turn streams one model turn, forwarding text deltas as they arrive.
func (o *Orchestrator) turn(ctx context.Context, em *emitter, req *Request) (string, []ToolCall, error) {
	chunks, err := o.model.Stream(ctx, req)
	if err != nil {
		return "", nil, err
	}
	var text strings.Builder
	var calls []ToolCall
	for chunk := range chunks {
		switch {
		case chunk.Err != nil:
			for range chunks {
			}
			return "", nil, chunk.Err
		case chunk.ToolCall != nil:
			calls = append(calls, *chunk.ToolCall)
		case chunk.Text != "":
			text.WriteString(chunk.Text)
			em.emit(ctx, models.SessionEvent{
				Type: models.SessionEventTextDelta,
				Text: &models.TextDelta{Text: chunk.Text},
			})
		}
	}
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}
	return text.String(), calls, nil
}

// invokeTool runs one tool call as a job and copies its artifacts into the
// session. Jobs still running after the tool wait are reported as such.
func (o *Orchestrator) invokeTool(ctx context.Context, sessionID string, call ToolCall) models.ToolCallInfo {
	start := time.Now()
	info := models.ToolCallInfo{Name: call.Name}

	h, err := o.dispatcher.Submit(ctx, &dispatch.Request{Tool: call.Name, Input: call.Input, SessionID: sessionID})
	if err != nil {
		var f *dispatch.Failure
		if !errors.As(err, &f) {
			f = &dispatch.Failure{Code: models.ErrInternal, Message: err.Error()}
		}
		info.Status = string(models.ResultError)
		info.Summary = f.Message
		info.Result = f.Result(call.Name)
		info.DurationMs = time.Since(start).Milliseconds()
		return info
	}

	job := o.dispatcher.Await(ctx, h, o.config.ToolWait)
	info.JobID = job.ID
	info.Status = string(job.Status)
	info.DurationMs = time.Since(start).Milliseconds()
	if !job.Status.Terminal() {
		info.Summary = fmt.Sprintf("still %s; poll /v1/jobs/%s", job.Status, job.ID)
		return info
	}

	info.Result = job.Result
	if job.Result != nil {
		info.Summary = job.Result.Summary
		o.importArtifacts(ctx, sessionID, job.ID, job.Result.Artifacts)
	}
	return info
}

func (o *Orchestrator) importArtifacts(ctx context.Context, sessionID, jobID string, artifacts []models.Artifact) {
	if len(artifacts) == 0 {
		return
	}
	dir, ok := o.dispatcher.Store().Dir(jobID)
	if !ok {
		return
	}
	names := make([]string, len(artifacts))
	for i, a := range artifacts {
		names[i] = a.Name
	}
	if _, err := o.sessions.ImportJobFiles(sessionID, jobID, dir, names); err != nil {
		o.logger.Warn(ctx, "failed to import job artifacts", "job_id", jobID, "error", err)
	}
}

// historyMessages replays earlier turns. Tool entries are folded into
// assistant text since their call ids are not kept.
func historyMessages(m *sessions.Manifest) []Message {
	entries := m.History
	if n := len(entries); n > 0 && entries[n-1].Role == sessions.RoleUser {
		entries = entries[:n-1]
	}
	var out []Message
	for _, e := range entries {
		switch e.Role {
		case sessions.RoleUser:
			out = append(out, Message{Role: RoleUser, Content: e.Text})
		case sessions.RoleAssistant:
			out = append(out, Message{Role: RoleAssistant, Content: e.Text})
		case sessions.RoleTool:
			out = append(out, Message{
				Role:    RoleAssistant,
				Content: fmt.Sprintf("[tool %s job %s %s] %s", e.Tool, e.JobID, e.Status, e.Text),
			})
		}
	}
	return out
}

// toolMessage renders a tool outcome for the model.
func toolMessage(info models.ToolCallInfo) string {
	if info.Result == nil {
		return info.Summary
	}
	payload := map[string]any{
		"status":  info.Result.Status,
		"summary": info.Result.Summary,
		"job_id":  info.JobID,
	}
	if len(info.Result.Output) > 0 {
		payload["output"] = info.Result.Output
	}
	if len(info.Result.Artifacts) > 0 {
		names := make([]string, len(info.Result.Artifacts))
		for i, a := range info.Result.Artifacts {
			names[i] = a.Name
		}
		payload["artifacts"] = names
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return info.Summary
	}
	return string(data)
}
