package diag

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rocketbitz/gni-go/gni"
	"github.com/rocketbitz/gni-go/reduce"
)

func testOptions() Options {
	opts := DefaultOptions()
	opts.Transfers = 3
	opts.Length = 16
	opts.CqEntries = 64
	opts.Timeout = 20 * time.Second
	return opts
}

func runScenario(t *testing.T, opts Options, scenario Scenario) Summary {
	t.Helper()
	summary, err := Run(context.Background(), opts, Config{}, scenario)
	if err != nil {
		t.Fatalf("Run %s: %v", scenario.Name(), err)
	}
	return summary
}

func expectClean(t *testing.T, s Summary, passed int) {
	t.Helper()
	if s.ExitCode() != 0 {
		t.Fatalf("unexpected failures: %s\n%s", s, strings.Join(s.Failures, "\n"))
	}
	if s.Passed != passed {
		t.Fatalf("passed checks: got %d want %d (%s)", s.Passed, passed, s)
	}
}

func TestRdmaPutRing(t *testing.T) {
	opts := testOptions()
	s := runScenario(t, opts, RdmaPut)
	// local event ids for data and flag, plus the data check, per iteration
	expectClean(t, s, opts.Ranks*opts.Transfers*3)
}

func TestRdmaGetWithEventIDsAndDestinationQueue(t *testing.T) {
	opts := testOptions()
	opts.EventIDs = true
	opts.DestCQ = true
	s := runScenario(t, opts, RdmaGet)
	perRank := opts.Transfers*2 + opts.Transfers + 1
	expectClean(t, s, opts.Ranks*perRank)
}

func TestFmaPutOverrun(t *testing.T) {
	opts := testOptions()
	opts.DestCQ = true
	opts.Overrun = true
	s := runScenario(t, opts, FmaPut)
	expectClean(t, s, opts.Ranks*(opts.Transfers*3+1))
}

func TestAmoVariants(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Options)
		perRank func(n int) int
	}{
		{"and", func(*Options) {}, func(n int) int { return 3 * n }},
		{"fetching_cswap", func(o *Options) { o.Cswap = true }, func(n int) int { return 4 * n }},
		{"fetching_add", func(o *Options) { o.Add = true; o.Fetch = true }, func(n int) int { return 4 * n }},
		{"add_destination_queue", func(o *Options) { o.Add = true; o.DestCQ = true }, func(n int) int { return 4*n + 1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := testOptions()
			tc.mutate(&opts)
			s := runScenario(t, opts, AMO{})
			expectClean(t, s, opts.Ranks*tc.perRank(opts.Transfers))
		})
	}
}

func TestAmoEveryCommand(t *testing.T) {
	for _, cmd := range reduce.AmoCommands() {
		cmd := cmd
		t.Run(cmd.String(), func(t *testing.T) {
			opts := testOptions()
			opts.Ranks = 3
			s := runScenario(t, opts, AMO{Command: &cmd})
			perRank := 3 * opts.Transfers
			if cmd.Fetching() {
				perRank += opts.Transfers
			}
			expectClean(t, s, opts.Ranks*perRank)
		})
	}
}

func TestCeReduceTrees(t *testing.T) {
	cases := []struct {
		name         string
		ranks, ppn   int
		branches     int
		leadersOnly  bool
		command      string
		participants int
	}{
		{"single_node_and", 4, 0, 1, false, "and", 4},
		{"chain_iadd", 6, 2, 1, false, "iadd", 6},
		{"binary_imin_gidx", 8, 2, 2, false, "imin_gidx", 8},
		{"quad_fmax_lidx", 10, 2, 4, false, "fmax_lidx", 10},
		{"leaders_only_fadd", 6, 2, 2, true, "fadd", 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := testOptions()
			opts.Ranks = tc.ranks
			opts.RanksPerNode = tc.ppn
			opts.Branches = tc.branches
			opts.LeadersOnly = tc.leadersOnly
			opts.CeCommand = tc.command
			s := runScenario(t, opts, CE{})
			// completion id, status and value per participant
			expectClean(t, s, 3*tc.participants)
		})
	}
}

func TestCeEveryCommand(t *testing.T) {
	for _, cmd := range reduce.CeCommands() {
		cmd := cmd
		t.Run(cmd.String(), func(t *testing.T) {
			opts := testOptions()
			opts.Ranks = 6
			opts.RanksPerNode = 2
			opts.Branches = 2
			s := runScenario(t, opts, CE{Command: &cmd})
			expectClean(t, s, 3*opts.Ranks)
		})
	}
}

func TestCeFaddToleratedOnGemini(t *testing.T) {
	opts := testOptions()
	opts.Generation = gni.GenerationGemini
	opts.CeCommand = "fadd"
	s := runScenario(t, opts, CE{})
	if s.ExitCode() != 0 || s.Passed != 0 || s.Tolerated != opts.Ranks {
		t.Fatalf("unexpected summary on gemini: %s", s)
	}
}

func TestMailboxRing(t *testing.T) {
	opts := testOptions()
	opts.Ranks = 3
	opts.Transfers = 4
	s := runScenario(t, opts, Mailbox{})
	expectClean(t, s, opts.Ranks*opts.Transfers*3)
}

// faultScenario injects a fault ahead of rank 0's only transaction.
type faultScenario struct {
	recoverable bool
}

func (faultScenario) Name() string { return "fault" }

func (s faultScenario) Run(ctx context.Context, r *Rank) error {
	fc, err := r.Open(ctx, ContextConfig{Endpoints: true, Scheme: r.Options.Scheme()})
	if err != nil {
		return err
	}
	defer fc.Release()
	region, err := fc.Register(make([]byte, 64))
	if err != nil {
		return err
	}
	remotes, err := ExchangeMemory(ctx, fc.Proc, region)
	if err != nil {
		return err
	}
	if fc.Rank == 0 {
		r.Fabric.InjectFault(gni.Fault{Code: gni.RcTransactionError, Recoverable: s.recoverable, Message: "injected link error"})
		desc := &gni.PostDescriptor{
			Type:            gni.PostFmaPut,
			CqMode:          gni.CqModeLocalEvent,
			LocalAddr:       region.Address(),
			LocalMemHandle:  region.Handle(),
			RemoteAddr:      remotes[1].Address,
			RemoteMemHandle: remotes[1].Handle,
			Length:          8,
		}
		if err := fc.Endpoints[1].PostFma(desc); err != nil {
			return err
		}
		c, err := NewReaper(fc).ReapLocal(ctx, 1)
		if err != nil {
			return err
		}
		if c.Outcome != OutcomeTransactionError || c.Descriptor != desc || !desc.Failed() {
			return fmt.Errorf("unexpected completion %s", c.Outcome)
		}
	}
	return fc.Barrier(ctx)
}

func TestRecoverableTransactionErrorIsCounted(t *testing.T) {
	opts := testOptions()
	opts.Ranks = 2
	metrics := newMetricRecorder()
	summary, err := Run(context.Background(), opts, Config{Metrics: metrics}, faultScenario{recoverable: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Failed != 1 || summary.Aborted != 0 {
		t.Fatalf("unexpected summary: %s", summary)
	}
	if !strings.Contains(summary.Failures[0], "transaction") {
		t.Fatalf("failure line does not name the transaction: %q", summary.Failures[0])
	}
	if got := metrics.failures("transaction_error"); got != 1 {
		t.Fatalf("transaction_error failures: got %d want 1", got)
	}
}

func TestUnrecoverableTransactionErrorAbortsRank(t *testing.T) {
	opts := testOptions()
	opts.Ranks = 2
	summary, err := Run(context.Background(), opts, Config{}, faultScenario{recoverable: false})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Aborted != 1 || summary.ExitCode() != 1 {
		t.Fatalf("unexpected summary: %s", summary)
	}
	if !strings.Contains(summary.Failures[0], "rank 0: aborted") {
		t.Fatalf("abort not attributed to rank 0: %q", summary.Failures[0])
	}
}

func TestRunRejectsInvalidOptions(t *testing.T) {
	opts := testOptions()
	opts.Transfers = 0
	if _, err := Run(context.Background(), opts, Config{}, RdmaPut); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestRunTelemetry(t *testing.T) {
	logger, logs := newObservedLogger()
	tp, recorder := newTestTracerProvider()
	metrics := newMetricRecorder()
	opts := testOptions()
	opts.Ranks = 2
	opts.Verbosity = 3

	summary, err := Run(context.Background(), opts, Config{
		Logger:           logger,
		StructuredLogger: logger,
		Tracer:           NewOTelTracer(tp.Tracer("diag-test")),
		Metrics:          metrics,
	}, FmaPut)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.ExitCode() != 0 {
		t.Fatalf("unexpected failures: %s", summary)
	}

	for _, event := range []string{"scenario_started", "attached", "posted", "check_passed", "scenario_stopped"} {
		if !hasLogEvent(logs, event) {
			t.Fatalf("missing log event %q", event)
		}
	}

	spans := recorder.Ended()
	if len(spans) != 1 || spans[0].Name() != "gni-diag-fma_put" {
		t.Fatalf("expected one ended gni-diag-fma_put span, got %d", len(spans))
	}

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if metrics.started != 1 || metrics.stopped != 1 {
		t.Fatalf("scenario metrics: started=%d stopped=%d", metrics.started, metrics.stopped)
	}
	if want := opts.Ranks * opts.Transfers * 2; metrics.posted != want {
		t.Fatalf("posted: got %d want %d", metrics.posted, want)
	}
	if metrics.reaped != metrics.posted {
		t.Fatalf("reaped %d of %d posted transactions", metrics.reaped, metrics.posted)
	}
	if metrics.checks["pass"] != summary.Passed {
		t.Fatalf("check metrics: got %d passes, summary has %d", metrics.checks["pass"], summary.Passed)
	}
}

func TestRankAbortReleasesPeers(t *testing.T) {
	opts := testOptions()
	opts.Ranks = 3
	boom := errors.New("boom")
	scenario := scenarioFunc{name: "abort", fn: func(ctx context.Context, r *Rank) error {
		if r.Proc.Rank() == 1 {
			return boom
		}
		return r.Proc.Barrier(ctx)
	}}
	summary, err := Run(context.Background(), opts, Config{}, scenario)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Aborted != 1 {
		t.Fatalf("aborted ranks: got %d want 1", summary.Aborted)
	}
}

func TestCeReductionIDMismatchAbortsThroughListener(t *testing.T) {
	opts := testOptions()
	scenario := scenarioFunc{name: "ce_reduce", fn: func(ctx context.Context, r *Rank) error {
		if r.Proc.Rank() == 3 {
			r.Options.ReductionID = 7
		}
		return CE{}.Run(ctx, r)
	}}
	summary, err := Run(context.Background(), opts, Config{}, scenario)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Aborted != 1 {
		t.Fatalf("aborted ranks: got %d want 1 (%s)", summary.Aborted, summary)
	}
	// one status failure per participant plus the leader's channel fault
	if summary.Failed != opts.Ranks+1 {
		t.Fatalf("failed checks: got %d want %d\n%s", summary.Failed, opts.Ranks+1, strings.Join(summary.Failures, "\n"))
	}
	var channel, aborted bool
	for _, line := range summary.Failures {
		channel = channel || strings.Contains(line, "ce_channel")
		aborted = aborted || strings.Contains(line, "rank 0: aborted")
		if strings.Contains(line, "ce_value") {
			t.Fatalf("value checked after a failed status: %q", line)
		}
	}
	if !channel || !aborted {
		t.Fatalf("missing channel fault or leader abort:\n%s", strings.Join(summary.Failures, "\n"))
	}
}

func TestTeardownFailureIsRecorded(t *testing.T) {
	opts := testOptions()
	opts.Ranks = 2
	scenario := scenarioFunc{name: "teardown", fn: func(ctx context.Context, r *Rank) error {
		fc, err := r.Open(ctx, ContextConfig{Scheme: r.Options.Scheme()})
		if err != nil {
			return err
		}
		defer fc.Release()
		// left bound to the source queue, so the queue cannot be destroyed
		if _, err := fc.Nic.EpCreate(fc.SrcCQ); err != nil {
			return err
		}
		return fc.Barrier(ctx)
	}}
	summary, err := Run(context.Background(), opts, Config{}, scenario)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Failed != opts.Ranks || summary.Aborted != 0 {
		t.Fatalf("unexpected summary: %s", summary)
	}
	for _, line := range summary.Failures {
		if !strings.Contains(line, "teardown") || !strings.Contains(line, "source completion queue") {
			t.Fatalf("failure does not name the rejected release: %q", line)
		}
	}
}

type scenarioFunc struct {
	name string
	fn   func(ctx context.Context, r *Rank) error
}

func (s scenarioFunc) Name() string { return s.name }

func (s scenarioFunc) Run(ctx context.Context, r *Rank) error { return s.fn(ctx, r) }

func newObservedLogger() (*zap.SugaredLogger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	return logger.Sugar(), logs
}

func newTestTracerProvider() (*tracesdk.TracerProvider, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder))
	return tp, recorder
}

func hasLogEvent(logs *observer.ObservedLogs, event string) bool {
	for _, entry := range logs.All() {
		if evt, ok := entry.ContextMap()["event"].(string); ok && evt == event {
			return true
		}
	}
	return false
}

type metricRecorder struct {
	mu      sync.Mutex
	started int
	stopped int
	posted  int
	reaped  int
	failed  map[string]int
	checks  map[string]int
}

func newMetricRecorder() *metricRecorder {
	return &metricRecorder{failed: make(map[string]int), checks: make(map[string]int)}
}

func (m *metricRecorder) ScenarioStarted(_ map[string]string) {
	m.mu.Lock()
	m.started++
	m.mu.Unlock()
}

func (m *metricRecorder) ScenarioStopped(_ map[string]string) {
	m.mu.Lock()
	m.stopped++
	m.mu.Unlock()
}

func (m *metricRecorder) TransactionPosted(_ map[string]string) {
	m.mu.Lock()
	m.posted++
	m.mu.Unlock()
}

func (m *metricRecorder) CompletionReaped(_ map[string]string) {
	m.mu.Lock()
	m.reaped++
	m.mu.Unlock()
}

func (m *metricRecorder) CompletionFailed(kind string, _ error, _ map[string]string) {
	m.mu.Lock()
	m.failed[kind]++
	m.mu.Unlock()
}

func (m *metricRecorder) CheckRecorded(attrs map[string]string) {
	m.mu.Lock()
	m.checks[attrs[labelStatus]]++
	m.mu.Unlock()
}

func (m *metricRecorder) failures(kind string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failed[kind]
}
