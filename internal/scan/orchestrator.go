// Package scan drives a scan from target specifications to a final report.
package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ppiankov/otterhound/internal/probe"
	"github.com/ppiankov/otterhound/internal/report"
	"github.com/ppiankov/otterhound/internal/store"
	"github.com/ppiankov/otterhound/internal/target"
	"github.com/ppiankov/otterhound/internal/telemetry"
)

// ErrWorkerPool is returned when probing cannot be scheduled. The report
// returned alongside it is still complete in length.
var ErrWorkerPool = errors.New("cannot allocate worker")

// Defaults applied by New.
const (
	DefaultConcurrency = 100
	DefaultTimeout     = 3 * time.Second
)

// TLSMode selects which open targets get a TLS inspection.
type TLSMode string

const (
	TLSOff    TLSMode = "off"
	TLSHinted TLSMode = "hinted"
	TLSAll    TLSMode = "all"
)

// ParseTLSMode maps a flag value to a TLSMode. Empty means hinted.
func ParseTLSMode(s string) (TLSMode, error) {
	switch m := TLSMode(strings.ToLower(strings.TrimSpace(s))); m {
	case TLSOff, TLSHinted, TLSAll:
		return m, nil
	case "":
		return TLSHinted, nil
	default:
		return "", fmt.Errorf("unknown TLS mode %q (use off, hinted or all)", s)
	}
}

// Observer receives per-target outcomes as they happen.
type Observer interface {
	ObserveProbe(store.ProbeResult)
	ObserveHandshake(error)
}

type nopObserver struct{}

func (nopObserver) ObserveProbe(store.ProbeResult) {}
func (nopObserver) ObserveHandshake(error)         {}

// Options configures an Orchestrator. Enumerator and Prober are required.
type Options struct {
	Enumerator *target.Enumerator
	Prober     *probe.Prober
	// Inspector is required unless TLSMode is off.
	Inspector *probe.Inspector
	Tracer    trace.Tracer
	Observer  Observer
	Logger    *slog.Logger
	// OnPhase is called after every state change.
	OnPhase     func(from, to store.Phase)
	TLSMode     TLSMode
	Concurrency int
	// Timeout bounds each connection attempt and handshake.
	Timeout time.Duration
	// Deadline bounds the whole probing phase. Zero means none.
	Deadline time.Duration
}

// Orchestrator runs one scan. It is not reusable.
type Orchestrator struct {
	log   *slog.Logger
	opts  Options
	mu    sync.Mutex
	phase store.Phase
	// poolReady, when set, sees the worker pool before the first submission.
	poolReady func(*ants.PoolWithFunc)
}

// New validates opts and fills defaults.
func New(opts Options) (*Orchestrator, error) {
	if opts.Enumerator == nil {
		return nil, errors.New("scan: enumerator is required")
	}
	if opts.Prober == nil {
		return nil, errors.New("scan: prober is required")
	}
	if opts.TLSMode == "" {
		opts.TLSMode = TLSHinted
	}
	if opts.TLSMode != TLSOff && opts.Inspector == nil {
		return nil, fmt.Errorf("scan: TLS mode %s needs an inspector", opts.TLSMode)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Deadline < 0 {
		return nil, fmt.Errorf("scan: negative deadline %s", opts.Deadline)
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("otterhound")
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{opts: opts, log: log, phase: store.PhaseIdle}, nil
}

// Run enumerates specs, probes every target and returns the report in
// enumeration order. Invalid specifications are reported, not fatal. When
// the deadline passes or ctx is cancelled, unresolved targets are marked
// incomplete and the report is flagged. The only error is ErrWorkerPool.
func (o *Orchestrator) Run(ctx context.Context, specs []string) (store.Report, error) {
	started := time.Now()
	ctx, span := o.opts.Tracer.Start(ctx, "scan")
	defer span.End()

	o.transition(store.PhaseEnumerating)
	targets, specErrs := o.opts.Enumerator.Enumerate(specs)
	invalid := make([]store.InvalidSpec, 0, len(specErrs))
	for _, se := range specErrs {
		o.log.Warn("skipping target specification", "spec", se.Spec, "reason", se.Reason)
		invalid = append(invalid, store.InvalidSpec{Spec: se.Spec, Reason: se.Reason})
	}
	span.SetAttributes(telemetry.AttrTargetCount.Int(len(targets)))
	o.log.Info("targets enumerated", "targets", len(targets), "invalid", len(invalid))

	agg := report.New(targets)

	o.transition(store.PhaseProbing)
	runCtx, cancel := o.runContext(ctx)
	poolErr := o.probeAll(runCtx, targets, agg)
	stopErr := runCtx.Err()
	cancel()

	o.transition(store.PhaseFinalizing)
	rep, err := agg.Finalize(time.Now())
	if err != nil {
		// only reachable if the aggregator leaked out of Run
		panic(fmt.Sprintf("scan: finalize: %v", err))
	}
	rep.StartedAt = started
	rep.InvalidSpecs = invalid
	switch {
	case errors.Is(stopErr, context.DeadlineExceeded):
		rep.DeadlineExceeded = true
	case stopErr != nil:
		rep.Cancelled = true
	}

	o.transition(store.PhaseDone)
	rep.Phase = store.PhaseDone

	if poolErr != nil {
		span.SetStatus(codes.Error, poolErr.Error())
		o.log.Error("probing aborted", "error", poolErr)
	}
	counts := rep.CountByStatus()
	o.log.Info("scan finished",
		"duration", rep.FinishedAt.Sub(rep.StartedAt).Round(time.Millisecond),
		"open", counts[store.StatusOpen],
		"closed", counts[store.StatusClosed],
		"filtered", counts[store.StatusFiltered],
		"error", counts[store.StatusError],
		"incomplete", counts[store.StatusIncomplete],
	)
	return rep, poolErr
}

func (o *Orchestrator) runContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.opts.Deadline > 0 {
		return context.WithTimeout(ctx, o.opts.Deadline)
	}
	return context.WithCancel(ctx)
}

// probeAll submits targets to a bounded worker pool and waits for every
// submitted target. Submission stops as soon as ctx is done.
func (o *Orchestrator) probeAll(ctx context.Context, targets []store.Target, agg *report.Aggregator) error {
	var wg sync.WaitGroup
	pool, err := ants.NewPoolWithFunc(o.opts.Concurrency, func(item interface{}) {
		defer wg.Done()
		o.probeOne(ctx, item.(store.Target), agg)
	}, ants.WithPanicHandler(func(p interface{}) {
		o.log.Error("probe worker panicked", "panic", p)
	}))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWorkerPool, err)
	}
	defer pool.Release()
	if o.poolReady != nil {
		o.poolReady(pool)
	}

	for _, t := range targets {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		if err := pool.Invoke(t); err != nil {
			wg.Done()
			wg.Wait()
			return fmt.Errorf("%w: %w", ErrWorkerPool, err)
		}
	}
	wg.Wait()
	return nil
}

func (o *Orchestrator) probeOne(ctx context.Context, t store.Target, agg *report.Aggregator) {
	tctx, span := telemetry.StartTargetSpan(ctx, o.opts.Tracer, t)

	res := o.opts.Prober.Probe(tctx, t, o.opts.Timeout)
	o.opts.Observer.ObserveProbe(res)

	var (
		summary *store.TLSSummary
		tlsErr  error
	)
	if res.Status == store.StatusOpen && o.wantsTLS(t) {
		summary, tlsErr = o.opts.Inspector.Inspect(tctx, t, o.opts.Timeout)
		o.opts.Observer.ObserveHandshake(tlsErr)
	}
	telemetry.EndTargetSpan(span, res, summary, tlsErr)

	o.log.Debug("target probed", "target", t.String(), "status", res.Status, "latency", res.Latency, "tls_error", tlsErr)
	if err := agg.Record(t, res, summary, tlsErr); err != nil {
		o.log.Warn("dropping result", "target", t.String(), "error", err)
	}
}

func (o *Orchestrator) wantsTLS(t store.Target) bool {
	switch o.opts.TLSMode {
	case TLSAll:
		return true
	case TLSHinted:
		return t.Protocol == store.ProtocolTLS
	default:
		return false
	}
}
