package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/autosage/internal/jobs"
	"github.com/haasonsaas/autosage/internal/observability"
	"github.com/haasonsaas/autosage/internal/results"
	"github.com/haasonsaas/autosage/internal/tools"
	"github.com/haasonsaas/autosage/internal/tools/builtin"
	"github.com/haasonsaas/autosage/pkg/models"
)

type fixture struct {
	dispatcher *Dispatcher
	store      *jobs.Store
	registry   *tools.Registry
	metrics    *observability.Metrics
}

func newFixture(t *testing.T, cfg Config, extra ...tools.Tool) *fixture {
	t.Helper()
	store, err := jobs.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	registry := tools.NewRegistry()
	if err := builtin.Register(registry); err != nil {
		t.Fatalf("register builtins: %v", err)
	}
	registry.MustRegister(extra...)

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	d, err := New(store, registry, cfg, WithMetrics(metrics))
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Drain(ctx)
	})
	return &fixture{dispatcher: d, store: store, registry: registry, metrics: metrics}
}

func funcTool(name string, fn func(ctx context.Context, call *tools.Call) (any, error)) tools.Tool {
	return tools.Func{Desc: tools.Descriptor{Name: name, Description: name}, Fn: fn}
}

// gate blocks a tool until released.
type gate struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGate() *gate {
	return &gate{started: make(chan struct{}, 16), release: make(chan struct{})}
}

func (g *gate) tool(name string) tools.Tool {
	return funcTool(name, func(ctx context.Context, call *tools.Call) (any, error) {
		g.started <- struct{}{}
		<-g.release
		return map[string]any{"status": "ok", "summary": "released"}, nil
	})
}

func (g *gate) open() {
	g.once.Do(func() { close(g.release) })
}

func TestValidate(t *testing.T) {
	f := newFixture(t, Config{})

	tests := []struct {
		name   string
		req    *Request
		status int
		code   models.ErrorCode
	}{
		{name: "nil request", req: nil, status: http.StatusBadRequest, code: models.ErrInvalidRequest},
		{name: "empty name", req: &Request{Tool: "  "}, status: http.StatusBadRequest, code: models.ErrInvalidRequest},
		{name: "unknown tool", req: &Request{Tool: "nope"}, status: http.StatusNotFound, code: models.ErrUnknownTool},
		{name: "array input", req: &Request{Tool: "echo_json", Input: json.RawMessage(`[1]`)}, status: http.StatusBadRequest, code: models.ErrInvalidRequest},
		{name: "schema mismatch", req: &Request{Tool: "sleep", Input: json.RawMessage(`{"ms":"soon"}`)}, status: http.StatusBadRequest, code: models.ErrInvalidRequest},
		{name: "bad limits", req: &Request{Tool: "echo_json", Limits: &results.Overrides{MaxArtifacts: intPtr(-1)}}, status: http.StatusBadRequest, code: models.ErrInvalidRequest},
		{name: "array context", req: &Request{Tool: "echo_json", Context: json.RawMessage(`["x"]`)}, status: http.StatusBadRequest, code: models.ErrInvalidRequest},
		{name: "broken context", req: &Request{Tool: "echo_json", Context: json.RawMessage(`{"x":`)}, status: http.StatusBadRequest, code: models.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, failure := f.dispatcher.Validate(tt.req)
			if failure == nil {
				t.Fatal("expected failure")
			}
			if failure.Status != tt.status || failure.Code != tt.code {
				t.Fatalf("failure = %d %s, want %d %s", failure.Status, failure.Code, tt.status, tt.code)
			}
		})
	}

	req := &Request{Tool: "echo_json"}
	if _, failure := f.dispatcher.Validate(req); failure != nil {
		t.Fatalf("unexpected failure: %v", failure)
	}
	if string(req.Input) != "{}" {
		t.Fatalf("missing input should normalize to {}, got %s", req.Input)
	}
	req = &Request{Tool: "echo_json", Context: json.RawMessage(`null`)}
	if _, failure := f.dispatcher.Validate(req); failure != nil || req.Context != nil {
		t.Fatalf("null context should be dropped: %v %s", failure, req.Context)
	}
	if len(f.store.List(0, 0)) != 0 {
		t.Fatal("validation must not create jobs")
	}
}

func TestExecuteEcho(t *testing.T) {
	f := newFixture(t, Config{})

	result, status := f.dispatcher.Execute(context.Background(), &Request{
		Tool:  "echo_json",
		Input: json.RawMessage(`{"message":"hello"}`),
	})
	if status != http.StatusOK {
		t.Fatalf("status = %d, result = %+v", status, result)
	}
	if result.Status != models.ResultOK || result.Solver != "echo_json" {
		t.Fatalf("unexpected result: %+v", result)
	}
	var out map[string]any
	if err := json.Unmarshal(result.Output, &out); err != nil || out["message"] != "hello" {
		t.Fatalf("output = %s (%v)", result.Output, err)
	}

	list := f.store.List(0, 0)
	if len(list) != 1 || list[0].Status != jobs.StatusSucceeded {
		t.Fatalf("expected one succeeded job, got %+v", list)
	}
	if got := testutil.ToFloat64(f.metrics.ToolExecutionCounter.WithLabelValues("echo_json", "ok")); got != 1 {
		t.Fatalf("tool execution counter = %v", got)
	}
}

func TestExecuteUnknownToolReturnsResult(t *testing.T) {
	f := newFixture(t, Config{})
	result, status := f.dispatcher.Execute(context.Background(), &Request{Tool: "missing"})
	if status != http.StatusNotFound {
		t.Fatalf("status = %d", status)
	}
	if result.Status != models.ResultError || result.ErrorCode() != models.ErrUnknownTool {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Solver != "missing" {
		t.Fatalf("solver = %q", result.Solver)
	}
}

func TestExecuteFailureModes(t *testing.T) {
	f := newFixture(t, Config{},
		funcTool("panics", func(ctx context.Context, call *tools.Call) (any, error) {
			panic("boom: secret internals")
		}),
		funcTool("plain_error", func(ctx context.Context, call *tools.Call) (any, error) {
			return nil, errors.New("disk full")
		}),
		funcTool("typed_error", func(ctx context.Context, call *tools.Call) (any, error) {
			return nil, tools.NewError(models.ErrTimeout, "took too long").WithDetails(map[string]any{"timeout_ms": 10})
		}),
		funcTool("bad_output", func(ctx context.Context, call *tools.Call) (any, error) {
			return []int{1, 2, 3}, nil
		}),
		funcTool("reports_error", func(ctx context.Context, call *tools.Call) (any, error) {
			return &models.ToolResult{
				Status:  models.ResultError,
				Summary: "netlist rejected",
				Metrics: map[string]any{models.MetricErrorCode: "validation_failed"},
			}, nil
		}),
		funcTool("reports_plain_error", func(ctx context.Context, call *tools.Call) (any, error) {
			return map[string]any{"status": "error", "summary": "nope"}, nil
		}),
	)

	tests := []struct {
		tool string
		code models.ErrorCode
	}{
		{tool: "panics", code: models.ErrSolverFailed},
		{tool: "plain_error", code: models.ErrSolverFailed},
		{tool: "typed_error", code: models.ErrTimeout},
		{tool: "bad_output", code: models.ErrInvalidToolOutput},
		{tool: "reports_error", code: models.ErrValidationFailed},
		{tool: "reports_plain_error", code: models.ErrToolError},
	}
	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			result, status := f.dispatcher.Execute(context.Background(), &Request{Tool: tt.tool})
			if status != http.StatusInternalServerError {
				t.Fatalf("status = %d", status)
			}
			if result.Status != models.ResultError || result.Solver != tt.tool {
				t.Fatalf("unexpected result: %+v", result)
			}
			if strings.Contains(result.Summary, "secret internals") {
				t.Fatalf("panic text leaked into result: %q", result.Summary)
			}

			list := f.store.List(0, 0)
			job := list[len(list)-1]
			if job.Status != jobs.StatusFailed {
				t.Fatalf("job status = %s", job.Status)
			}
			if job.Error == nil || job.Error.Code != tt.code {
				t.Fatalf("job error = %+v, want code %s", job.Error, tt.code)
			}
			if job.Result == nil {
				t.Fatal("failed job should keep its result")
			}
		})
	}
}

func TestSubmitReturnsQueuedSnapshotAndCompletes(t *testing.T) {
	g := newGate()
	f := newFixture(t, Config{}, g.tool("slow"))

	h, err := f.dispatcher.Submit(context.Background(), &Request{Tool: "slow"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if h.Job.Status != jobs.StatusQueued {
		t.Fatalf("snapshot status = %s", h.Job.Status)
	}
	<-g.started

	job, ok := f.dispatcher.Wait(context.Background(), h.ID(), 30*time.Millisecond)
	if !ok {
		t.Fatal("job should exist")
	}
	if job.Status != jobs.StatusRunning {
		t.Fatalf("expected running after bounded wait, got %s", job.Status)
	}

	g.open()
	<-h.Done()
	job, _ = f.store.Get(h.ID())
	if job.Status != jobs.StatusSucceeded || job.Summary != "released" {
		t.Fatalf("unexpected terminal job: %+v", job)
	}
}

func TestSubmitSurvivesCallerCancellation(t *testing.T) {
	g := newGate()
	f := newFixture(t, Config{}, g.tool("slow"))

	ctx, cancel := context.WithCancel(context.Background())
	h, err := f.dispatcher.Submit(ctx, &Request{Tool: "slow"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-g.started
	cancel()
	g.open()

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("job did not finish after caller cancelled")
	}
	job, _ := f.store.Get(h.ID())
	if job.Status != jobs.StatusSucceeded {
		t.Fatalf("status = %s", job.Status)
	}
}

func TestAdmissionReject(t *testing.T) {
	g := newGate()
	f := newFixture(t, Config{MaxConcurrent: 1, Policy: PolicyReject}, g.tool("slow"))
	defer g.open()

	first, err := f.dispatcher.Submit(context.Background(), &Request{Tool: "slow"})
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	<-g.started

	_, err = f.dispatcher.Submit(context.Background(), &Request{Tool: "slow"})
	if !errors.Is(err, ErrCapacity) {
		t.Fatalf("expected ErrCapacity, got %v", err)
	}
	var failure *Failure
	if !errors.As(err, &failure) || failure.Status != http.StatusTooManyRequests || failure.Code != models.ErrCapacityExceeded {
		t.Fatalf("unexpected failure: %+v", failure)
	}
	if n := len(f.store.List(0, 0)); n != 1 {
		t.Fatalf("rejected submission must not create a job, have %d", n)
	}
	if got := testutil.ToFloat64(f.metrics.AdmissionRejections); got != 1 {
		t.Fatalf("admission rejections = %v", got)
	}

	g.open()
	<-first.Done()
	if _, err := f.dispatcher.Submit(context.Background(), &Request{Tool: "echo_json"}); err != nil {
		t.Fatalf("slot should be free after completion: %v", err)
	}
}

func TestAdmissionQueue(t *testing.T) {
	g := newGate()
	f := newFixture(t, Config{MaxConcurrent: 1, Policy: PolicyQueue, QueueTimeout: 2 * time.Second}, g.tool("slow"))

	if _, err := f.dispatcher.Submit(context.Background(), &Request{Tool: "slow"}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	<-g.started

	go func() {
		time.Sleep(50 * time.Millisecond)
		g.open()
	}()
	h, err := f.dispatcher.Submit(context.Background(), &Request{Tool: "echo_json"})
	if err != nil {
		t.Fatalf("queued submit should be admitted once a slot frees: %v", err)
	}
	<-h.Done()
}

func TestAdmissionQueueTimeout(t *testing.T) {
	g := newGate()
	f := newFixture(t, Config{MaxConcurrent: 1, Policy: PolicyQueue, QueueTimeout: 20 * time.Millisecond}, g.tool("slow"))
	defer g.open()

	if _, err := f.dispatcher.Submit(context.Background(), &Request{Tool: "slow"}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	<-g.started
	if _, err := f.dispatcher.Submit(context.Background(), &Request{Tool: "echo_json"}); !errors.Is(err, ErrCapacity) {
		t.Fatalf("expected ErrCapacity after queue timeout, got %v", err)
	}
}

func TestExecuteAppliesLimitsAndFillsArtifacts(t *testing.T) {
	f := newFixture(t, Config{}, funcTool("writer", func(ctx context.Context, call *tools.Call) (any, error) {
		for i := 0; i < 3; i++ {
			name := filepath.Join(call.WorkDir, fmt.Sprintf("out-%d.txt", i))
			if err := os.WriteFile(name, []byte("data"), 0o644); err != nil {
				return nil, err
			}
		}
		return map[string]any{"status": "ok", "summary": "wrote files", "stdout": strings.Repeat("x", 100)}, nil
	}))

	result, status := f.dispatcher.Execute(context.Background(), &Request{
		Tool:   "writer",
		Limits: &results.Overrides{MaxArtifacts: intPtr(2), MaxStdoutBytes: intPtr(10)},
	})
	if status != http.StatusOK {
		t.Fatalf("status = %d: %+v", status, result)
	}
	if len(result.Artifacts) != 2 {
		t.Fatalf("artifacts = %d, want 2", len(result.Artifacts))
	}
	if result.Artifacts[0].Name != "out-0.txt" {
		t.Fatalf("artifacts should keep listing order, got %q", result.Artifacts[0].Name)
	}
	if len(result.Stdout) != 10 {
		t.Fatalf("stdout length = %d", len(result.Stdout))
	}
	if !strings.Contains(result.Summary, "[limits: stdout truncated, artifact count capped]") {
		t.Fatalf("summary = %q", result.Summary)
	}
}

func TestClampWait(t *testing.T) {
	f := newFixture(t, Config{})
	tests := []struct {
		ms   int64
		want time.Duration
	}{
		{ms: -5, want: time.Millisecond},
		{ms: 0, want: time.Millisecond},
		{ms: 250, want: 250 * time.Millisecond},
		{ms: 10_000_000, want: 120 * time.Second},
		{ms: 120_000, want: 120 * time.Second},
		{ms: 1 << 62, want: 120 * time.Second},
		{ms: math.MaxInt64, want: 120 * time.Second},
	}
	for _, tt := range tests {
		if got := f.dispatcher.ClampWait(tt.ms); got != tt.want {
			t.Errorf("ClampWait(%d) = %v, want %v", tt.ms, got, tt.want)
		}
	}
}

func TestAbandonFailsQueuedJob(t *testing.T) {
	f := newFixture(t, Config{})
	job, err := f.store.Create(context.Background(), "echo_json", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	failure := f.dispatcher.abandon(job.ID, jobs.ErrInvalidTransition)
	if failure.Status != http.StatusInternalServerError || !errors.Is(failure, jobs.ErrInvalidTransition) {
		t.Fatalf("failure = %+v", failure)
	}
	got, ok := f.store.Get(job.ID)
	if !ok {
		t.Fatal("job missing")
	}
	if got.Status != jobs.StatusFailed || got.Error == nil || got.Error.Code != models.ErrInternal {
		t.Fatalf("job = %+v", got)
	}
	if got.FinishedAt.IsZero() {
		t.Fatal("failed job should have a finish time")
	}
}

func TestWaitUnknownJob(t *testing.T) {
	f := newFixture(t, Config{})
	if _, ok := f.dispatcher.Wait(context.Background(), "missing", 10*time.Millisecond); ok {
		t.Fatal("unknown job should not be found")
	}
}

func TestConcurrentExecutions(t *testing.T) {
	f := newFixture(t, Config{})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			input := json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))
			if _, status := f.dispatcher.Execute(context.Background(), &Request{Tool: "echo_json", Input: input}); status != http.StatusOK {
				t.Errorf("execution %d status = %d", i, status)
			}
		}(i)
	}
	wg.Wait()
	if counts := f.store.Counts(); counts[jobs.StatusSucceeded] != 20 {
		t.Fatalf("counts = %v", counts)
	}
}

func intPtr(v int) *int { return &v }
