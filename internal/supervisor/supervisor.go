// Package supervisor coordinates worker sessions: admission, backend
// selection, protocol routing, retries, stops and shutdown.
//
// All session state is owned by a single event loop. Public methods post an
// event and wait for the loop's reply; backends, stops and telemetry sampling
// run on their own goroutines and report back through the same queue, so one
// slow worker never holds up another.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/dull-quay940/mcp-supervisor/internal/admission"
	"github.com/dull-quay940/mcp-supervisor/internal/async"
	"github.com/dull-quay940/mcp-supervisor/internal/backend"
	"github.com/dull-quay940/mcp-supervisor/internal/catalog"
	apperrors "github.com/dull-quay940/mcp-supervisor/internal/errors"
	"github.com/dull-quay940/mcp-supervisor/internal/logging"
	"github.com/dull-quay940/mcp-supervisor/internal/observability"
	"github.com/dull-quay940/mcp-supervisor/internal/policy"
	"github.com/dull-quay940/mcp-supervisor/internal/protocol"
	"github.com/dull-quay940/mcp-supervisor/internal/reaper"
	"github.com/dull-quay940/mcp-supervisor/internal/session"
)

var (
	// ErrClosed is returned once Shutdown has begun.
	ErrClosed = errors.New("supervisor closed")
	// ErrUnknownWorkerType is returned for a type id missing from the catalog.
	ErrUnknownWorkerType = errors.New("unknown worker type")
)

const (
	defaultStopTimeout    = 30 * time.Second
	defaultStormThreshold = 5
	defaultStormWindow    = time.Minute
	eventQueueSize        = 256
)

// Config tunes the supervisor.
type Config struct {
	// ContainersEnabled allows workers that ask for a container to get one.
	ContainersEnabled bool
	// DefaultRetryLimit applies to workers without their own retry_limit.
	DefaultRetryLimit int
	// DefaultMaxRuntime applies to workers without their own max_runtime.
	// Zero disables the timeout.
	DefaultMaxRuntime time.Duration
	// StopTimeout bounds one backend stop call.
	StopTimeout time.Duration

	RetryStormThreshold int
	RetryStormWindow    time.Duration
}

func (c Config) withDefaults() Config {
	if c.StopTimeout <= 0 {
		c.StopTimeout = defaultStopTimeout
	}
	if c.RetryStormThreshold <= 0 {
		c.RetryStormThreshold = defaultStormThreshold
	}
	if c.RetryStormWindow <= 0 {
		c.RetryStormWindow = defaultStormWindow
	}
	if c.DefaultRetryLimit < 0 {
		c.DefaultRetryLimit = 0
	}
	return c
}

// Deps are the supervisor's collaborators. Policy, Catalog and Process are
// required; a nil Container disables container execution and a nil Reaper
// disables timeouts, sampling and eviction.
type Deps struct {
	Policy    *policy.Store
	Catalog   *catalog.Catalog
	Process   backend.Backend
	Container backend.Backend
	Reaper    *reaper.Reaper
	Logger    logging.Logger
	Metrics   *Metrics
	Tracer    trace.Tracer
	Now       func() time.Time
}

// Stats counts sessions currently held.
type Stats struct {
	Total   int
	Active  int
	ByState map[session.State]int
}

type liveSession struct {
	spec    catalog.WorkerSpec
	backend backend.Backend
	handle  backend.Handle
	reply   chan spawnReply

	stopWanted bool
	stopIssued bool
	stopDone   chan struct{}
	stopOnce   sync.Once
}

func (ls *liveSession) markStopped() {
	ls.stopOnce.Do(func() { close(ls.stopDone) })
}

// Supervisor is the orchestrator.
type Supervisor struct {
	cfg       Config
	policy    *policy.Store
	catalog   *catalog.Catalog
	gate      *admission.Gate
	process   backend.Backend
	container backend.Backend
	reaper    *reaper.Reaper
	logger    logging.Logger
	metrics   *Metrics
	tracer    trace.Tracer
	now       func() time.Time

	// Owned by the loop goroutine.
	registry *session.Registry
	live     map[string]*liveSession
	watchers map[string][]chan session.Session
	storms   *retryWindow
	sampling bool

	events       chan event
	quit         chan struct{}
	loopDone     chan struct{}
	bgCtx        context.Context
	bgCancel     context.CancelFunc
	reaperCancel context.CancelFunc
	workers      sync.WaitGroup
	closing      atomic.Bool
	closeOnce    sync.Once
	closeErr     error
}

// New validates deps and starts the event loop and, when configured, the
// reaper ticker.
func New(cfg Config, deps Deps) (*Supervisor, error) {
	if deps.Policy == nil {
		return nil, fmt.Errorf("supervisor: policy is required")
	}
	if deps.Catalog == nil {
		return nil, fmt.Errorf("supervisor: catalog is required")
	}
	if deps.Process == nil {
		return nil, fmt.Errorf("supervisor: process backend is required")
	}
	cfg = cfg.withDefaults()
	if deps.Tracer == nil {
		deps.Tracer = noop.NewTracerProvider().Tracer(observability.TracerName)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	s := &Supervisor{
		cfg:       cfg,
		policy:    deps.Policy,
		catalog:   deps.Catalog,
		gate:      admission.NewGate(deps.Policy),
		process:   deps.Process,
		container: deps.Container,
		reaper:    deps.Reaper,
		logger:    logging.OrNop(deps.Logger).With("component", "supervisor"),
		metrics:   deps.Metrics,
		tracer:    deps.Tracer,
		now:       deps.Now,
		registry:  session.NewRegistry(),
		live:      make(map[string]*liveSession),
		watchers:  make(map[string][]chan session.Session),
		storms:    newRetryWindow(cfg.RetryStormThreshold, cfg.RetryStormWindow),
		events:    make(chan event, eventQueueSize),
		quit:      make(chan struct{}),
		loopDone:  make(chan struct{}),
		bgCtx:     bgCtx,
		bgCancel:  bgCancel,
	}

	async.Go(s.logger, "supervisor-loop", s.loop)
	if s.reaper != nil {
		reaperCtx, cancel := context.WithCancel(bgCtx)
		s.reaperCancel = cancel
		s.reaper.Start(reaperCtx, s)
	}
	return s, nil
}

// SpawnAgent admits and starts a session of the given worker type. It returns
// once the backend is running, or with the admission or spawn failure.
func (s *Supervisor) SpawnAgent(ctx context.Context, workerType string, params protocol.Params) (session.Session, error) {
	ctx, span := s.tracer.Start(ctx, observability.SpanSpawn, trace.WithAttributes(
		attribute.String(observability.AttrWorkerType, workerType),
	))
	defer span.End()

	sess, err := s.spawnAgent(ctx, workerType, params)
	if sess.ID != "" {
		span.SetAttributes(attribute.String(observability.AttrSessionID, sess.ID))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return sess, err
}

func (s *Supervisor) spawnAgent(ctx context.Context, workerType string, params protocol.Params) (session.Session, error) {
	if s.closing.Load() {
		return session.Session{}, ErrClosed
	}
	spec, ok := s.catalog.Lookup(workerType)
	if !ok {
		return session.Session{}, fmt.Errorf("%w: %s", ErrUnknownWorkerType, workerType)
	}
	reply := make(chan spawnReply, 1)
	r, err := call(ctx, s, spawnRequest{spec: spec, params: params.Clone(), reply: reply}, reply)
	if err != nil {
		return session.Session{}, err
	}
	return r.session, r.err
}

// Check runs admission for a request without creating anything.
func (s *Supervisor) Check(ctx context.Context, workerType string, params protocol.Params) error {
	spec, ok := s.catalog.Lookup(workerType)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorkerType, workerType)
	}
	stats, err := s.Stats(ctx)
	if err != nil {
		return err
	}
	return s.gate.Admit(spec, params, stats.Active)
}

// StopAgent stops a non-terminal session. It returns false when the session
// is unknown or already terminal.
func (s *Supervisor) StopAgent(ctx context.Context, sessionID string) bool {
	ctx, span := s.tracer.Start(ctx, observability.SpanStop, trace.WithAttributes(
		attribute.String(observability.AttrSessionID, sessionID),
	))
	defer span.End()

	reply := make(chan bool, 1)
	stopped, err := call(ctx, s, stopRequest{sessionID: sessionID, reply: reply}, reply)
	if err != nil {
		span.RecordError(err)
		return false
	}
	span.SetAttributes(attribute.Bool(observability.AttrStopped, stopped))
	return stopped
}

// Get returns a snapshot of the session.
func (s *Supervisor) Get(ctx context.Context, sessionID string) (session.Session, bool) {
	reply := make(chan queryReply, 1)
	r, err := call(ctx, s, queryRequest{sessionID: sessionID, reply: reply}, reply)
	if err != nil {
		return session.Session{}, false
	}
	return r.session, r.found
}

// List returns snapshots of every session held, oldest first.
func (s *Supervisor) List(ctx context.Context) ([]session.Session, error) {
	reply := make(chan []session.Session, 1)
	return call(ctx, s, listRequest{reply: reply}, reply)
}

// Stats counts sessions per state.
func (s *Supervisor) Stats(ctx context.Context) (Stats, error) {
	reply := make(chan Stats, 1)
	return call(ctx, s, statsRequest{reply: reply}, reply)
}

// Await blocks until the session, or the retry that replaced it, reaches a
// terminal state and returns that final snapshot.
func (s *Supervisor) Await(ctx context.Context, sessionID string) (session.Session, error) {
	reply := make(chan (<-chan session.Session), 1)
	ch, err := call(ctx, s, awaitRequest{sessionID: sessionID, reply: reply}, reply)
	if err != nil {
		return session.Session{}, err
	}
	if ch == nil {
		return session.Session{}, fmt.Errorf("await %s: %w", sessionID, apperrors.ErrUnknownSession)
	}
	select {
	case sess := <-ch:
		return sess, nil
	case <-ctx.Done():
		return session.Session{}, ctx.Err()
	case <-s.loopDone:
		return session.Session{}, ErrClosed
	}
}

// ScheduleSweep queues a reaper pass. It implements reaper.Scheduler.
func (s *Supervisor) ScheduleSweep(ctx context.Context, now time.Time) error {
	return s.post(ctx, sweepEvent{now: now})
}

// Shutdown stops every active session, waits for the stops, releases backend
// resources and ends the loop. Later calls return the first result.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { s.closeErr = s.shutdown(ctx) })
	return s.closeErr
}

func (s *Supervisor) shutdown(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, observability.SpanShutdown)
	defer span.End()

	s.closing.Store(true)
	if s.reaperCancel != nil {
		s.reaperCancel()
	}

	reply := make(chan []<-chan struct{}, 1)
	pending, err := call(ctx, s, shutdownRequest{reply: reply}, reply)
	if err != nil {
		return err
	}
	s.logger.Info("shutting down", "stopping", len(pending))

	var errs []error
	g, gctx := errgroup.WithContext(ctx)
	for _, done := range pending {
		g.Go(func() error {
			select {
			case <-done:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	if err := g.Wait(); err != nil {
		errs = append(errs, fmt.Errorf("await stops: %w", err))
	}

	for _, b := range s.backends() {
		if err := b.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s backend: %w", b.Kind(), err))
		}
	}

	close(s.quit)
	<-s.loopDone
	s.bgCancel()
	if err := s.waitWorkers(ctx); err != nil {
		errs = append(errs, err)
	}

	err = errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (s *Supervisor) backends() []backend.Backend {
	out := []backend.Backend{s.process}
	if s.container != nil {
		out = append(out, s.container)
	}
	return out
}

func (s *Supervisor) waitWorkers(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("await background work: %w", ctx.Err())
	}
}

func (s *Supervisor) post(ctx context.Context, ev event) error {
	select {
	case <-s.loopDone:
		return ErrClosed
	default:
	}
	select {
	case s.events <- ev:
		return nil
	case <-s.loopDone:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func call[T any](ctx context.Context, s *Supervisor, ev event, reply chan T) (T, error) {
	var zero T
	if err := s.post(ctx, ev); err != nil {
		return zero, err
	}
	select {
	case v := <-reply:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-s.loopDone:
		select {
		case v := <-reply:
			return v, nil
		default:
			return zero, ErrClosed
		}
	}
}

// goWorker runs fn as tracked background work. Only called from the loop.
func (s *Supervisor) goWorker(name string, fn func()) {
	s.workers.Add(1)
	async.Go(s.logger, name, func() {
		defer s.workers.Done()
		fn()
	})
}

func (s *Supervisor) loop() {
	defer close(s.loopDone)
	for {
		select {
		case <-s.quit:
			return
		case ev := <-s.events:
			s.handle(ev)
			s.metrics.SetActive(s.registry.CountActive())
		}
	}
}

func (s *Supervisor) handle(ev event) {
	switch e := ev.(type) {
	case spawnRequest:
		s.handleSpawn(e)
	case backendStarted:
		s.handleStarted(e)
	case messageReceived:
		s.handleMessage(e)
	case backendExited:
		s.handleExit(e)
	case stopRequest:
		e.reply <- s.handleStop(e.sessionID)
	case queryRequest:
		sess, ok := s.registry.Get(e.sessionID)
		e.reply <- queryReply{session: sess, found: ok}
	case listRequest:
		e.reply <- s.registry.List()
	case statsRequest:
		e.reply <- Stats{
			Total:   s.registry.Len(),
			Active:  s.registry.CountActive(),
			ByState: s.registry.CountByState(),
		}
	case awaitRequest:
		e.reply <- s.handleAwait(e.sessionID)
	case sweepEvent:
		s.handleSweep(e.now)
	case telemetrySampled:
		s.sampling = false
		s.reaper.Apply(s.registry, e.readings, s.now())
	case shutdownRequest:
		e.reply <- s.handleShutdown()
	default:
		s.logger.Error("unhandled supervisor event", "type", fmt.Sprintf("%T", ev))
	}
}

func (s *Supervisor) handleSpawn(req spawnRequest) {
	if s.closing.Load() {
		req.reply <- spawnReply{err: ErrClosed}
		return
	}
	if err := s.admit(req.spec, req.params, s.registry.CountActive()); err != nil {
		req.reply <- spawnReply{err: err}
		return
	}
	if _, err := s.launch(req.spec, req.params, 0, "", req.reply); err != nil {
		req.reply <- spawnReply{err: err}
	}
}

func (s *Supervisor) admit(spec catalog.WorkerSpec, params protocol.Params, active int) error {
	err := s.gate.Admit(spec, params, active)
	if err != nil {
		reason := apperrors.RejectionReason(err)
		s.metrics.IncRejection(spec.TypeID, reason)
		s.logger.Info("spawn rejected", "worker_type", spec.TypeID, "reason", reason)
	}
	return err
}

// launch registers a new STARTING session and starts its backend in the
// background. reply, when set, receives the outcome of the start.
func (s *Supervisor) launch(spec catalog.WorkerSpec, params protocol.Params, retryCount int, previousID string, reply chan spawnReply) (session.Session, error) {
	now := s.now()
	b := s.selectBackend(spec)
	sess := session.Session{
		ID:           session.NewID(),
		PreviousID:   previousID,
		WorkerTypeID: spec.TypeID,
		Params:       params,
		RetryCount:   retryCount,
		RetryLimit:   s.retryLimit(spec),
		MaxRuntime:   s.maxRuntime(spec),
		Backend:      b.Kind(),
		Handle:       backend.Ref{Kind: b.Kind()},
		CreatedAt:    now,
	}
	if err := s.registry.Insert(sess); err != nil {
		return session.Session{}, err
	}
	if err := s.registry.UpdateState(sess.ID, session.StateStarting, now); err != nil {
		return session.Session{}, err
	}
	s.live[sess.ID] = &liveSession{
		spec:     spec,
		backend:  b,
		reply:    reply,
		stopDone: make(chan struct{}),
	}

	req := backend.StartRequest{
		SessionID:     sess.ID,
		Worker:        spec,
		Params:        params,
		AllowAutonomy: s.policy.AutonomyEnabled(),
		Limits:        s.policy.ResourceLimits(),
		Container:     s.policy.ContainerDefaults(),
		AllowedRoots:  s.policy.AllowedRoots(),
	}
	logging.ForSession(s.logger, sess.ID).Info("starting session",
		"worker_type", spec.TypeID, "backend", b.Kind(), "retry", retryCount, "previous_id", previousID)

	id := sess.ID
	s.goWorker("backend-start", func() {
		h, err := b.Start(s.bgCtx, req)
		if postErr := s.post(s.bgCtx, backendStarted{sessionID: id, handle: h, err: err}); postErr != nil && h != nil {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StopTimeout)
			defer cancel()
			_ = b.SignalStop(ctx, h, false)
		}
	})

	snapshot, _ := s.registry.Get(id)
	return snapshot, nil
}

func (s *Supervisor) selectBackend(spec catalog.WorkerSpec) backend.Backend {
	if s.cfg.ContainersEnabled && s.container != nil && spec.WantsContainer() {
		return s.container
	}
	return s.process
}

func (s *Supervisor) retryLimit(spec catalog.WorkerSpec) int {
	if spec.RetryLimit != nil {
		return *spec.RetryLimit
	}
	return s.cfg.DefaultRetryLimit
}

func (s *Supervisor) maxRuntime(spec catalog.WorkerSpec) time.Duration {
	if spec.MaxRuntime > 0 {
		return spec.MaxRuntime
	}
	return s.cfg.DefaultMaxRuntime
}

func (s *Supervisor) handleStarted(ev backendStarted) {
	id := ev.sessionID
	ls, ok := s.live[id]
	if !ok {
		if ev.handle != nil {
			s.logger.Warn("backend started for unknown session", "session_id", id)
		}
		return
	}
	logger := logging.ForSession(s.logger, id)
	kind := ls.backend.Kind()

	if ev.err != nil {
		failure := &apperrors.SpawnFailureError{WorkerType: ls.spec.TypeID, Backend: string(kind), Err: ev.err}
		logger.Error("backend failed to start", "worker_type", ls.spec.TypeID, "backend", kind, "error", ev.err)
		s.metrics.IncSpawnFailure(ls.spec.TypeID, string(kind))
		if sess, found := s.registry.Get(id); found && !sess.State.Terminal() {
			_ = s.registry.UpdateOutcome(id, func(o *session.Outcome) { o.ErrorMessage = failure.Error() })
			_ = s.registry.UpdateState(id, session.StateFailed, s.now())
			s.finish(id)
		}
		delete(s.live, id)
		ls.markStopped()
		s.replySpawn(ls, id, failure)
		return
	}

	ls.handle = ev.handle
	_ = s.registry.SetHandle(id, kind, ev.handle.Ref())
	s.metrics.IncSpawned(ls.spec.TypeID, string(kind))
	if sess, found := s.registry.Get(id); found && sess.State == session.StateStarting {
		_ = s.registry.UpdateState(id, session.StateRunning, s.now())
		logger.Info("session running", "ref", ev.handle.Ref().String())
	}
	if ls.stopWanted {
		s.issueStop(id, ls)
	}
	s.forward(id, ev.handle)
	s.replySpawn(ls, id, nil)
}

func (s *Supervisor) replySpawn(ls *liveSession, id string, err error) {
	if ls.reply == nil {
		return
	}
	snapshot, _ := s.registry.Get(id)
	ls.reply <- spawnReply{session: snapshot, err: err}
	ls.reply = nil
}

// forward relays handle events into the loop. Once the loop is gone it keeps
// draining so the backend never blocks on a full channel.
func (s *Supervisor) forward(id string, h backend.Handle) {
	s.goWorker("session-events", func() {
		delivering := true
		for ev := range h.Events() {
			if !delivering {
				continue
			}
			var out event
			switch {
			case ev.Message != nil:
				out = messageReceived{sessionID: id, message: *ev.Message}
			case ev.Exit != nil:
				out = backendExited{sessionID: id, exit: *ev.Exit}
			default:
				continue
			}
			if err := s.post(s.bgCtx, out); err != nil {
				delivering = false
			}
		}
	})
}

func (s *Supervisor) handleMessage(ev messageReceived) {
	sess, ok := s.registry.Get(ev.sessionID)
	if !ok || sess.State.Terminal() {
		return
	}
	msg := ev.message
	if msg.IsComplete() && sess.State == session.StateRunning {
		_ = s.registry.UpdateState(ev.sessionID, session.StateCompleting, s.now())
	}
	_ = s.registry.UpdateTelemetry(ev.sessionID, func(t *session.Telemetry) {
		if msg.Progress != nil {
			p := *msg.Progress
			t.Progress = &p
		}
		if msg.Status != nil {
			t.LastStatus = *msg.Status
		}
		if msg.Message != nil {
			t.LastMessage = *msg.Message
		}
	})
	if msg.Result != nil || msg.Error != nil {
		_ = s.registry.UpdateOutcome(ev.sessionID, func(o *session.Outcome) {
			if msg.Result != nil {
				r := *msg.Result
				o.Result = &r
			}
			if msg.Error != nil {
				o.ErrorMessage = *msg.Error
			}
		})
	}
}

func (s *Supervisor) handleExit(ev backendExited) {
	id := ev.sessionID
	ls := s.live[id]
	delete(s.live, id)

	sess, ok := s.registry.Get(id)
	if !ok {
		return
	}
	logger := logging.ForSession(s.logger, id)
	code := ev.exit.Code
	_ = s.registry.UpdateOutcome(id, func(o *session.Outcome) {
		o.ExitCode = &code
		o.Signal = ev.exit.Signal
	})
	if sess.State.Terminal() {
		logger.Debug("worker exited after terminal state", "state", sess.State, "exit", ev.exit.String())
		return
	}

	now := s.now()
	if ev.exit.Success() {
		_ = s.registry.UpdateState(id, session.StateCompleted, now)
		s.finish(id)
		return
	}
	if ev.exit.StartFailure {
		s.failUnstarted(sess, ev.exit, now)
		return
	}

	failure := &apperrors.WorkerFailureError{ExitCode: code, Signal: ev.exit.Signal}
	_ = s.registry.UpdateOutcome(id, func(o *session.Outcome) {
		if o.ErrorMessage == "" {
			o.ErrorMessage = failure.Error()
		}
	})
	logger.Warn("worker failed", "exit", ev.exit.String(), "retry", sess.RetryCount, "retry_limit", sess.RetryLimit, "stderr", ev.exit.StderrTail)

	if sess.RetryCount < sess.RetryLimit && s.retry(sess, ls, now) {
		return
	}
	_ = s.registry.UpdateState(id, session.StateFailed, now)
	s.finish(id)
}

// failUnstarted ends a session whose worker never ran even though the backend
// launch succeeded. Like any spawn failure it is terminal and not retried.
func (s *Supervisor) failUnstarted(sess session.Session, exit backend.Exit, now time.Time) {
	kind := string(sess.Backend)
	cause := fmt.Errorf("launcher %s", exit.String())
	if tail := strings.TrimSpace(exit.StderrTail); tail != "" {
		cause = fmt.Errorf("launcher %s: %s", exit.String(), tail)
	}
	failure := &apperrors.SpawnFailureError{WorkerType: sess.WorkerTypeID, Backend: kind, Err: cause}
	logging.ForSession(s.logger, sess.ID).Error("worker never started",
		"worker_type", sess.WorkerTypeID, "backend", kind, "exit", exit.String(), "stderr", exit.StderrTail)
	s.metrics.IncSpawnFailure(sess.WorkerTypeID, kind)
	_ = s.registry.UpdateOutcome(sess.ID, func(o *session.Outcome) { o.ErrorMessage = failure.Error() })
	_ = s.registry.UpdateState(sess.ID, session.StateFailed, now)
	s.finish(sess.ID)
}

// retry replaces a failed session with a fresh attempt. The replacement goes
// through admission with the failed session's slot released.
func (s *Supervisor) retry(old session.Session, ls *liveSession, now time.Time) bool {
	logger := logging.ForSession(s.logger, old.ID)
	if s.closing.Load() {
		logger.Info("retry skipped: shutting down")
		return false
	}
	spec, ok := s.specFor(old, ls)
	if !ok {
		logger.Warn("retry skipped: worker type no longer in catalog", "worker_type", old.WorkerTypeID)
		return false
	}
	if err := s.admit(spec, old.Params, s.registry.CountActive()-1); err != nil {
		logger.Warn("retry rejected", "reason", apperrors.RejectionReason(err))
		return false
	}

	next, err := s.launch(spec, old.Params, old.RetryCount+1, old.ID, nil)
	if err != nil {
		logger.Error("retry launch failed", "error", err)
		return false
	}
	s.registry.Remove(old.ID)
	s.metrics.IncRetry(spec.TypeID)
	if count, storm := s.storms.record(spec.TypeID, now); storm {
		logger.Warn("retry storm", "worker_type", spec.TypeID, "retries", count, "window", s.cfg.RetryStormWindow)
		s.metrics.IncRetryStorm(spec.TypeID)
	}
	if waiters := s.watchers[old.ID]; len(waiters) > 0 {
		s.watchers[next.ID] = append(s.watchers[next.ID], waiters...)
		delete(s.watchers, old.ID)
	}
	logger.Info("retrying session", "next_session_id", next.ID, "retry", next.RetryCount, "retry_limit", next.RetryLimit)
	return true
}

func (s *Supervisor) specFor(sess session.Session, ls *liveSession) (catalog.WorkerSpec, bool) {
	if ls != nil {
		return ls.spec, true
	}
	return s.catalog.Lookup(sess.WorkerTypeID)
}

func (s *Supervisor) handleStop(id string) bool {
	sess, ok := s.registry.Get(id)
	if !ok || sess.State.Terminal() {
		return false
	}
	s.stopSession(id)
	return true
}

// stopSession marks the session STOPPED and signals its backend.
func (s *Supervisor) stopSession(id string) {
	if err := s.registry.UpdateState(id, session.StateStopped, s.now()); err != nil {
		s.logger.Warn("stop session", "session_id", id, "error", err)
		return
	}
	s.finish(id)
	if ls, ok := s.live[id]; ok {
		s.issueStop(id, ls)
	}
}

// issueStop signals the backend once. A session still starting is stopped as
// soon as its handle arrives.
func (s *Supervisor) issueStop(id string, ls *liveSession) {
	if ls.handle == nil {
		ls.stopWanted = true
		return
	}
	if ls.stopIssued {
		return
	}
	ls.stopIssued = true

	b, h := ls.backend, ls.handle
	logger := logging.ForSession(s.logger, id)
	s.goWorker("signal-stop", func() {
		defer ls.markStopped()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StopTimeout)
		defer cancel()
		if err := b.SignalStop(ctx, h, true); err != nil {
			logger.Warn("backend stop failed", "ref", h.Ref().String(), "error", err)
		}
	})
}

func (s *Supervisor) handleAwait(id string) <-chan session.Session {
	sess, ok := s.registry.Get(id)
	if !ok {
		// The session may already have been replaced by a retry.
		if sess, ok = s.successor(id); !ok {
			return nil
		}
		id = sess.ID
	}
	ch := make(chan session.Session, 1)
	if sess.State.Terminal() {
		ch <- sess
		return ch
	}
	s.watchers[id] = append(s.watchers[id], ch)
	return ch
}

// successor returns the latest attempt in the retry chain that started at id.
func (s *Supervisor) successor(id string) (session.Session, bool) {
	next := make(map[string]session.Session)
	for _, sess := range s.registry.List() {
		if sess.PreviousID != "" {
			next[sess.PreviousID] = sess
		}
	}
	var found session.Session
	for range len(next) {
		sess, ok := next[id]
		if !ok {
			break
		}
		found, id = sess, sess.ID
	}
	return found, found.ID != ""
}

func (s *Supervisor) handleSweep(now time.Time) {
	if s.reaper == nil {
		return
	}
	res := s.reaper.Sweep(s.registry, now)
	for _, timedOut := range res.TimedOut {
		logging.ForSession(s.logger, timedOut.ID).Warn("session timed out",
			"runtime", timedOut.Telemetry.Runtime, "max_runtime", timedOut.MaxRuntime)
		s.finish(timedOut.ID)
		if ls, ok := s.live[timedOut.ID]; ok {
			s.issueStop(timedOut.ID, ls)
		}
	}
	for _, id := range res.Evicted {
		s.logger.Debug("session evicted", "session_id", id)
		delete(s.watchers, id)
	}
	if len(res.Targets) == 0 || s.sampling {
		return
	}
	s.sampling = true
	targets := res.Targets
	s.goWorker("telemetry-sample", func() {
		readings := s.reaper.Collect(s.bgCtx, targets)
		_ = s.post(s.bgCtx, telemetrySampled{readings: readings})
	})
}

func (s *Supervisor) handleShutdown() []<-chan struct{} {
	var pending []<-chan struct{}
	for _, sess := range s.registry.List() {
		if sess.State.Terminal() {
			continue
		}
		s.stopSession(sess.ID)
		if ls, ok := s.live[sess.ID]; ok {
			pending = append(pending, ls.stopDone)
		}
	}
	return pending
}

// finish records a terminal transition and wakes anyone awaiting it.
func (s *Supervisor) finish(id string) {
	sess, ok := s.registry.Get(id)
	if !ok {
		return
	}
	s.metrics.ObserveTerminal(sess.WorkerTypeID, string(sess.State), sess.Telemetry.Runtime)
	logging.ForSession(s.logger, id).Info("session finished",
		"worker_type", sess.WorkerTypeID, "state", sess.State, "runtime", sess.Telemetry.Runtime, "retry", sess.RetryCount)
	for _, ch := range s.watchers[id] {
		ch <- sess
	}
	delete(s.watchers, id)
}
