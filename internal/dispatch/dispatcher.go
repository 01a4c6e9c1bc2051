// Package dispatch turns tool requests into jobs and bridges callers that
// wait for a result to executions that run on their own goroutine.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/haasonsaas/autosage/internal/jobs"
	"github.com/haasonsaas/autosage/internal/observability"
	"github.com/haasonsaas/autosage/internal/results"
	"github.com/haasonsaas/autosage/internal/tools"
	"github.com/haasonsaas/autosage/pkg/models"
)

// Admission policies.
const (
	PolicyReject = "reject"
	PolicyQueue  = "queue"
)

// ErrCapacity is returned when the concurrent job cap is reached.
var ErrCapacity = errors.New("capacity exceeded")

// Config controls admission and waiting behavior.
type Config struct {
	MaxConcurrent int
	Policy        string
	QueueTimeout  time.Duration
	PollInterval  time.Duration
	MinWait       time.Duration
	MaxWait       time.Duration
	Limits        results.Limits
}

func (c Config) withDefaults() Config {
	if c.Policy == "" {
		c.Policy = PolicyReject
	}
	if c.QueueTimeout <= 0 {
		c.QueueTimeout = 5 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Millisecond
	}
	if c.MinWait <= 0 {
		c.MinWait = time.Millisecond
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 120 * time.Second
	}
	if c.Limits == (results.Limits{}) {
		c.Limits = results.DefaultLimits()
	}
	return c
}

// Request is one tool invocation.
type Request struct {
	Tool  string
	Input json.RawMessage
	// Context is optional caller metadata passed through to the tool.
	Context   json.RawMessage
	Limits    *results.Overrides
	SessionID string
}

// Failure is a request rejected before a job exists.
type Failure struct {
	Status  int
	Code    models.ErrorCode
	Message string
	Details map[string]any
	Err     error
}

func (f *Failure) Error() string {
	return string(f.Code) + ": " + f.Message
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Result renders the failure as an error tool result.
func (f *Failure) Result(solver string) *models.ToolResult {
	return models.ErrorResult(solver, f.Code, f.Message, f.Details)
}

// Info renders the failure as an error envelope body.
func (f *Failure) Info() models.ErrorInfo {
	return models.ErrorInfo{Code: f.Code, Message: f.Message, Details: f.Details}
}

func invalid(format string, args ...any) *Failure {
	return &Failure{Status: http.StatusBadRequest, Code: models.ErrInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

// Handle tracks a submitted job.
type Handle struct {
	// Job is the snapshot taken when the job was created.
	Job  *jobs.Job
	done chan struct{}
}

// ID returns the job id.
func (h *Handle) ID() string {
	return h.Job.ID
}

// Done is closed once the job reaches a terminal state in the store.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Dispatcher validates requests, admits them, and runs them as jobs.
type Dispatcher struct {
	store    *jobs.Store
	registry *tools.Registry
	logger   *observability.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer

	config Config
	sem    *semaphore.Weighted

	limitsMu sync.RWMutex
	limits   results.Limits

	wg sync.WaitGroup
}

// Option configures optional collaborators.
type Option func(*Dispatcher)

func WithLogger(l *observability.Logger) Option   { return func(d *Dispatcher) { d.logger = l } }
func WithMetrics(m *observability.Metrics) Option { return func(d *Dispatcher) { d.metrics = m } }
func WithTracer(t *observability.Tracer) Option   { return func(d *Dispatcher) { d.tracer = t } }

// New creates a dispatcher. A non-positive MaxConcurrent disables admission control.
func New(store *jobs.Store, registry *tools.Registry, cfg Config, opts ...Option) (*Dispatcher, error) {
	if store == nil || registry == nil {
		return nil, errors.New("dispatch: store and registry are required")
	}
	cfg = cfg.withDefaults()
	switch cfg.Policy {
	case PolicyReject, PolicyQueue:
	default:
		return nil, fmt.Errorf("dispatch: unknown admission policy %q", cfg.Policy)
	}
	d := &Dispatcher{
		store:    store,
		registry: registry,
		config:   cfg,
		limits:   cfg.Limits,
		logger:   observability.NopLogger(),
	}
	if cfg.MaxConcurrent > 0 {
		d.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Store returns the job store.
func (d *Dispatcher) Store() *jobs.Store { return d.store }

// Registry returns the tool registry.
func (d *Dispatcher) Registry() *tools.Registry { return d.registry }

// Limits returns the base execution limits.
func (d *Dispatcher) Limits() results.Limits {
	d.limitsMu.RLock()
	defer d.limitsMu.RUnlock()
	return d.limits
}

// SetLimits replaces the base execution limits for future jobs.
func (d *Dispatcher) SetLimits(l results.Limits) {
	d.limitsMu.Lock()
	d.limits = l
	d.limitsMu.Unlock()
}

// Validate checks a request without creating anything.
func (d *Dispatcher) Validate(req *Request) (tools.Tool, *Failure) {
	if req == nil {
		return nil, invalid("request body is required")
	}
	name := strings.TrimSpace(req.Tool)
	if name == "" {
		return nil, invalid("tool name is required")
	}
	tool, ok := d.registry.Tool(name)
	if !ok {
		return nil, &Failure{
			Status:  http.StatusNotFound,
			Code:    models.ErrUnknownTool,
			Message: fmt.Sprintf("unknown tool %q", name),
			Details: map[string]any{"tool": name},
		}
	}

	input := bytes.TrimSpace(req.Input)
	if len(input) == 0 || bytes.Equal(input, []byte("null")) {
		input = []byte("{}")
	}
	if input[0] != '{' {
		return nil, invalid("input must be a JSON object")
	}
	req.Input = input

	if err := d.registry.Validate(name, input); err != nil {
		var verr *tools.ValidationError
		if errors.As(err, &verr) {
			return nil, &Failure{
				Status:  http.StatusBadRequest,
				Code:    models.ErrInvalidRequest,
				Message: "input does not match the tool schema",
				Details: map[string]any{"tool": name, "errors": strings.Join(verr.Errors, "; ")},
				Err:     err,
			}
		}
		return nil, invalid("%v", err)
	}
	if callCtx := bytes.TrimSpace(req.Context); len(callCtx) > 0 && !bytes.Equal(callCtx, []byte("null")) {
		if callCtx[0] != '{' || !json.Valid(callCtx) {
			return nil, invalid("context must be a JSON object")
		}
		req.Context = callCtx
	} else {
		req.Context = nil
	}
	if req.Limits != nil {
		if err := req.Limits.Validate(); err != nil {
			return nil, invalid("invalid limits: %v", err)
		}
	}
	return tool, nil
}

func (d *Dispatcher) admit(ctx context.Context) error {
	if d.sem == nil {
		return nil
	}
	if d.config.Policy == PolicyQueue {
		waitCtx, cancel := context.WithTimeout(ctx, d.config.QueueTimeout)
		defer cancel()
		if err := d.sem.Acquire(waitCtx, 1); err == nil {
			return nil
		}
	} else if d.sem.TryAcquire(1) {
		return nil
	}
	d.metrics.RecordAdmissionRejection()
	return &Failure{
		Status:  http.StatusTooManyRequests,
		Code:    models.ErrCapacityExceeded,
		Message: fmt.Sprintf("too many concurrent jobs (max %d)", d.config.MaxConcurrent),
		Details: map[string]any{"max_concurrent_jobs": d.config.MaxConcurrent},
		Err:     ErrCapacity,
	}
}

func (d *Dispatcher) release() {
	if d.sem != nil {
		d.sem.Release(1)
	}
}

// Submit validates and admits req, creates its job and starts execution.
// Errors before the job exists are returned as *Failure.
func (d *Dispatcher) Submit(ctx context.Context, req *Request) (*Handle, error) {
	tool, failure := d.Validate(req)
	if failure != nil {
		return nil, failure
	}
	if err := d.admit(ctx); err != nil {
		return nil, err
	}

	name := tool.Descriptor().Name
	job, err := d.store.Create(ctx, name, req.Input)
	if err != nil {
		d.release()
		return nil, &Failure{
			Status:  http.StatusInternalServerError,
			Code:    models.ErrInternal,
			Message: "failed to create job",
			Err:     err,
		}
	}
	if err := d.store.Start(job.ID); err != nil {
		d.release()
		return nil, d.abandon(job.ID, err)
	}

	call := &tools.Call{
		JobID:     job.ID,
		SessionID: req.SessionID,
		WorkDir:   job.WorkDir,
		Input:     req.Input,
		Context:   req.Context,
		Limits:    d.Limits().WithOverrides(req.Limits),
	}
	h := &Handle{Job: job, done: make(chan struct{})}

	// Work outlives the request that submitted it.
	runCtx := context.WithoutCancel(ctx)
	runCtx = observability.AddJobID(runCtx, job.ID)
	runCtx = observability.AddTool(runCtx, name)
	if req.SessionID != "" {
		runCtx = observability.AddSessionID(runCtx, req.SessionID)
	}

	d.wg.Add(1)
	go d.run(runCtx, tool, name, call, h.done)
	d.PublishCounts()
	return h, nil
}

// abandon fails a job that was created but could not be started, so it
// never lingers as queued.
func (d *Dispatcher) abandon(id string, cause error) *Failure {
	f := &Failure{Status: http.StatusInternalServerError, Code: models.ErrInternal, Message: "failed to start job", Err: cause}
	info := f.Info()
	if err := d.store.Fail(id, &info, nil); err != nil {
		d.logger.Error(context.Background(), "failed to record job start failure", "job_id", id, "error", err)
	}
	d.PublishCounts()
	return f
}

func (d *Dispatcher) run(ctx context.Context, tool tools.Tool, name string, call *tools.Call, done chan struct{}) {
	defer d.wg.Done()
	defer close(done)
	defer d.release()

	ctx, span := d.tracer.Start(ctx, "dispatch.execute", "job.id", call.JobID, "tool.name", name)
	defer span.End()

	start := time.Now()
	result, info := d.invoke(ctx, tool, name, call)
	elapsed := time.Since(start)

	if result == nil {
		result = models.ErrorResult(name, info.Code, info.Message, info.Details)
	}
	if len(result.Artifacts) == 0 {
		if artifacts, ok := d.store.ListArtifacts(call.JobID); ok && len(artifacts) > 0 {
			result.Artifacts = artifacts
		}
	}
	report := results.Apply(result, call.Limits)
	if fired := report.Fired(); len(fired) > 0 {
		d.logger.Debug(ctx, "execution limits applied", "limits", strings.Join(fired, ", "))
	}

	var err error
	if result.OK() {
		err = d.store.Complete(call.JobID, result, result.Summary)
	} else {
		if info == nil {
			info = reportedError(result)
		}
		d.tracer.RecordError(span, info)
		err = d.store.Fail(call.JobID, info, result)
	}
	if err != nil {
		d.logger.Error(ctx, "failed to record job outcome", "error", err)
	}

	d.metrics.RecordToolExecution(name, string(result.Status), elapsed.Seconds())
	d.PublishCounts()
	d.logger.Info(ctx, "job finished",
		"status", string(result.Status),
		"duration_ms", elapsed.Milliseconds(),
		"artifacts", len(result.Artifacts),
	)
}

// invoke runs the tool and converts every failure mode into an error info.
func (d *Dispatcher) invoke(ctx context.Context, tool tools.Tool, name string, call *tools.Call) (result *models.ToolResult, info *models.ErrorInfo) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error(ctx, "tool panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			result = nil
			info = &models.ErrorInfo{Code: models.ErrSolverFailed, Message: fmt.Sprintf("tool %s failed unexpectedly", name)}
		}
	}()

	ctx, span := d.tracer.TraceToolExecution(ctx, name, call.JobID)
	defer span.End()

	raw, err := tool.Execute(ctx, call)
	if err != nil {
		d.tracer.RecordError(span, err)
		var terr *tools.Error
		if errors.As(err, &terr) {
			return nil, terr.Info()
		}
		return nil, &models.ErrorInfo{Code: models.ErrSolverFailed, Message: err.Error()}
	}

	result, err = results.Normalize(raw, name)
	if err != nil {
		d.logger.Warn(ctx, "tool returned invalid output", "error", err)
		return nil, &models.ErrorInfo{Code: models.ErrInvalidToolOutput, Message: err.Error()}
	}
	return result, nil
}

// reportedError derives the job error for a result the tool itself marked
// as failed.
func reportedError(result *models.ToolResult) *models.ErrorInfo {
	code := result.ErrorCode()
	if code == "" {
		code = models.ErrToolError
	}
	message, _ := result.Metrics[models.MetricErrorMessage].(string)
	if message == "" {
		message = result.Summary
	}
	if message == "" {
		message = "tool reported an error"
	}
	return &models.ErrorInfo{Code: code, Message: message}
}

// Execute submits req and blocks until the job finishes. It always returns a
// tool result along with the HTTP status that should accompany it.
func (d *Dispatcher) Execute(ctx context.Context, req *Request) (*models.ToolResult, int) {
	solver := ""
	if req != nil {
		solver = strings.TrimSpace(req.Tool)
	}
	h, err := d.Submit(ctx, req)
	if err != nil {
		var f *Failure
		if !errors.As(err, &f) {
			f = &Failure{Status: http.StatusInternalServerError, Code: models.ErrInternal, Message: err.Error()}
		}
		return f.Result(solver), f.Status
	}

	<-h.Done()

	job, ok := d.store.Get(h.ID())
	if !ok || job.Result == nil {
		return models.ErrorResult(solver, models.ErrSolverFailed, "job result unavailable", map[string]any{"job_id": h.ID()}), http.StatusInternalServerError
	}
	if job.Result.OK() {
		return job.Result, http.StatusOK
	}
	return job.Result, http.StatusInternalServerError
}

// Wait polls the store until the job is terminal, timeout elapses or ctx is
// done. The second return is false when the job does not exist.
func (d *Dispatcher) Wait(ctx context.Context, id string, timeout time.Duration) (*jobs.Job, bool) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		job, ok := d.store.Get(id)
		if !ok {
			return nil, false
		}
		if job.Status.Terminal() || !time.Now().Before(deadline) {
			return job, true
		}
		select {
		case <-ctx.Done():
			return job, true
		case <-ticker.C:
		}
	}
}

// Await blocks on the handle up to timeout and returns the latest job view.
func (d *Dispatcher) Await(ctx context.Context, h *Handle, timeout time.Duration) *jobs.Job {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-h.Done():
	case <-timer.C:
	case <-ctx.Done():
	}
	job, ok := d.store.Get(h.ID())
	if !ok {
		return h.Job
	}
	return job
}

// ClampWait converts a caller supplied wait in milliseconds into a duration
// within the configured bounds.
func (d *Dispatcher) ClampWait(ms int64) time.Duration {
	if ms <= 0 {
		return d.config.MinWait
	}
	// Compare in milliseconds first; large values overflow a Duration.
	if ms >= d.config.MaxWait.Milliseconds() {
		return d.config.MaxWait
	}
	wait := time.Duration(ms) * time.Millisecond
	if wait < d.config.MinWait {
		return d.config.MinWait
	}
	return wait
}

// Drain waits for in-flight jobs to finish or ctx to end.
func (d *Dispatcher) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishCounts refreshes the job gauges from the store.
func (d *Dispatcher) PublishCounts() {
	if d.metrics == nil {
		return
	}
	counts := d.store.Counts()
	out := make(map[string]int, 4)
	for _, status := range []jobs.Status{jobs.StatusQueued, jobs.StatusRunning, jobs.StatusSucceeded, jobs.StatusFailed} {
		out[string(status)] = counts[status]
	}
	d.metrics.SetJobCounts(out)
}
