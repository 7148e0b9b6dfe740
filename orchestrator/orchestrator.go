// Package orchestrator drives one page context through a resumable
// list/detail session: it restores progress, classifies the view, walks the
// list rows dispatching each to a detail worker, paginates and terminates.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/use-agent/harvest/config"
	"github.com/use-agent/harvest/detect"
	"github.com/use-agent/harvest/models"
	"github.com/use-agent/harvest/worker"
)

// ErrBusy is returned when a cycle already owns the context.
var ErrBusy = errors.New("orchestrator: cycle already active")

// errStopped unwinds the loop after the session was stopped.
var errStopped = errors.New("orchestrator: session stopped")

// Deps are the collaborators of one orchestrator. Reporter is only used by
// detail contexts; Notifier may be nil.
type Deps struct {
	View       View
	Changes    Changes
	Progress   Progress
	Dispatcher Dispatcher
	Extractor  Extractor
	Reporter   Reporter
	Notifier   Notifier
}

// Orchestrator is the state machine of one page context. The session state
// it holds is written only by its own methods.
type Orchestrator struct {
	cfg  config.SessionConfig
	deps Deps

	mu    sync.Mutex
	phase Phase
	state models.State
	page  int // page currently rendered by the view

	// saveMu orders persists; each one snapshots the newest state.
	saveMu sync.Mutex
}

// New creates an idle orchestrator.
func New(cfg config.SessionConfig, deps Deps) *Orchestrator {
	return &Orchestrator{
		cfg:   cfg,
		deps:  deps,
		state: models.DefaultState(),
	}
}

// ContextID returns the id of the context this orchestrator drives.
func (o *Orchestrator) ContextID() string { return o.deps.View.ContextID() }

// Phase returns the current state.
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// State returns a copy of the in-memory session state.
func (o *Orchestrator) State() models.State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.Clone()
}

// Boot runs on every fresh load of the context. A detail view opened for
// extraction extracts once and reports back; a list view resumes the
// persisted session, fast-forwarding to the persisted page first.
//
// Boot blocks until the cycle ends. It returns ErrBusy without side effects
// when a cycle is already active.
func (o *Orchestrator) Boot(ctx context.Context) error {
	st, ok, err := o.resume(ctx)
	if !ok {
		return err
	}

	o.setPhase(PhaseClassifying)
	pageURL, detail, err := o.classify(ctx)
	if err != nil {
		o.setPhase(PhaseIdle)
		return err
	}
	if detail {
		return o.runDetail(ctx, pageURL)
	}
	if !st.Running || o.deps.Dispatcher == nil {
		o.setPhase(PhaseIdle)
		return nil
	}

	slog.Info("resuming session",
		"context", o.ContextID(), "records", len(st.Records),
		"page", st.Progress.Page, "row", st.Progress.Row)
	return o.cycle(ctx, true)
}

// Resume continues the persisted session in a context whose document was
// not replaced, such as after a same-document navigation. It is a no-op
// returning ErrBusy while a cycle is active.
func (o *Orchestrator) Resume(ctx context.Context) error {
	st, ok, err := o.resume(ctx)
	if !ok {
		return err
	}
	if !st.Running || o.deps.Dispatcher == nil {
		o.setPhase(PhaseIdle)
		return nil
	}
	return o.cycle(ctx, false)
}

// Start resets the session state and drives a new session from page 0.
func (o *Orchestrator) Start(ctx context.Context, sessionID, source string) error {
	if o.deps.Dispatcher == nil {
		return models.NewHarvestError(models.ErrCodeInvalidInput,
			"context cannot drive a list session", nil)
	}
	if !o.enter() {
		return models.NewHarvestError(models.ErrCodeSessionActive,
			"a session cycle is already active in this context", ErrBusy)
	}

	o.mu.Lock()
	o.state = models.NewSessionState(sessionID, source)
	o.page = 0
	o.mu.Unlock()

	if err := o.persist(ctx); err != nil {
		o.setPhase(PhaseIdle)
		return err
	}
	slog.Info("session started", "context", o.ContextID(), "session", sessionID, "source", source)
	return o.cycle(ctx, false)
}

// Stop marks the session stopped and persists it. An in-flight dispatch is
// not cancelled; its record is discarded when it arrives.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.state.Running {
		o.mu.Unlock()
		return nil
	}
	o.state.Running = false
	o.mu.Unlock()

	if o.deps.Changes != nil {
		o.deps.Changes.Cancel()
	}
	slog.Info("session stopped", "context", o.ContextID())
	return o.persist(ctx)
}

// enter claims the context for a cycle.
func (o *Orchestrator) enter() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.phase.Active() {
		return false
	}
	o.phase = PhaseResuming
	return true
}

func (o *Orchestrator) resume(ctx context.Context) (models.State, bool, error) {
	if !o.enter() {
		slog.Debug("re-entry ignored", "context", o.ContextID(), "phase", o.Phase())
		return models.State{}, false, ErrBusy
	}
	st, err := o.deps.Progress.Load(ctx)
	if err != nil {
		o.setPhase(PhaseIdle)
		return models.State{}, false, err
	}
	o.mu.Lock()
	o.state = st
	o.mu.Unlock()
	return st, true, nil
}

// classify reports whether the view is a detail view opened for extraction:
// its URL carries the marker and no list rows are rendered.
func (o *Orchestrator) classify(ctx context.Context) (string, bool, error) {
	pageURL, err := o.deps.View.URL(ctx)
	if err != nil {
		return "", false, models.NewHarvestError(models.ErrCodeNavigation, "failed to read page location", err)
	}
	if !worker.IsTagged(pageURL, o.cfg.Marker) {
		return pageURL, false, nil
	}
	rows, err := o.deps.View.RowTexts(ctx)
	if err != nil {
		return pageURL, false, models.NewHarvestError(models.ErrCodeNavigation, "failed to read list rows", err)
	}
	return pageURL, len(rows) == 0, nil
}

// ── detail context ──

func (o *Orchestrator) runDetail(ctx context.Context, pageURL string) error {
	slog.Info("detail view detected; extracting", "context", o.ContextID(), "url", pageURL)
	rec := o.extract(ctx, pageURL)
	o.setPhase(PhaseTerminated)

	if rec.Failed() {
		slog.Warn("detail extraction failed", "context", o.ContextID(), "url", pageURL, "error", rec.Err())
	}
	if err := o.deps.Reporter.ReportCompleted(ctx, rec); err != nil {
		slog.Error("failed to report detail record", "context", o.ContextID(), "error", err)
		return err
	}
	return nil
}

func (o *Orchestrator) extract(ctx context.Context, pageURL string) models.Record {
	if err := o.deps.View.WaitReady(ctx, o.cfg.ReadyTimeout); err != nil {
		return models.ErrorRecord(pageURL, models.NewHarvestError(models.ErrCodeNavigation, "detail view never became ready", err))
	}
	if err := sleep(ctx, o.cfg.SettleDelay); err != nil {
		return models.ErrorRecord(pageURL, err)
	}
	html, err := o.deps.View.HTML(ctx)
	if err != nil {
		return models.ErrorRecord(pageURL, models.NewHarvestError(models.ErrCodeNavigation, "failed to snapshot detail view", err))
	}
	fields, err := o.deps.Extractor.Extract(pageURL, html)
	if err != nil {
		return models.ErrorRecord(pageURL, models.NewHarvestError(models.ErrCodeExtraction, "extraction failed", err))
	}
	return models.NewRecord(pageURL, fields)
}

// ── list driver ──

// cycle runs list iteration and pagination until the session ends.
func (o *Orchestrator) cycle(ctx context.Context, fresh bool) error {
	if fresh {
		if err := o.fastForward(ctx); err != nil {
			return o.finish(ctx, err)
		}
	}

	for {
		exhausted, err := o.iterate(ctx)
		if err != nil {
			return o.finish(ctx, err)
		}
		switch {
		case !o.running():
			o.setPhase(PhaseIdle)
			return nil
		case o.capReached():
			slog.Info("record cap reached", "context", o.ContextID(), "cap", o.cfg.RecordCap)
			return o.finish(ctx, nil)
		case !exhausted:
			slog.Info("row cap per pass reached", "context", o.ContextID(), "rows", o.cfg.RowsPerPass)
			return o.finish(ctx, nil)
		}

		more, err := o.paginate(ctx)
		if err != nil {
			return o.finish(ctx, err)
		}
		if !o.running() {
			o.setPhase(PhaseIdle)
			return nil
		}
		if !more {
			return o.finish(ctx, nil)
		}
	}
}

// iterate processes rows from the cursor until the page is exhausted
// (true), a cap is hit or the session is stopped (false).
func (o *Orchestrator) iterate(ctx context.Context) (bool, error) {
	o.setPhase(PhaseListIterating)
	processed := 0
	for {
		if !o.running() || o.capReached() {
			return false, nil
		}
		if o.cfg.RowsPerPass > 0 && processed >= o.cfg.RowsPerPass {
			return false, nil
		}

		// Rows are re-resolved before every dispatch; the list may have
		// been re-rendered since the last one.
		rows, err := o.deps.View.RowTexts(ctx)
		if err != nil {
			return false, models.NewHarvestError(models.ErrCodeNavigation, "failed to read list rows", err)
		}
		row := o.cursor().Row
		if row >= len(rows) {
			return true, nil
		}

		o.setPhase(PhaseDispatching)
		rec, err := o.dispatchRow(ctx, row, rows[row])
		if errors.Is(err, errStopped) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if err := o.commit(ctx, row, rec); err != nil {
			if errors.Is(err, errStopped) {
				return false, nil
			}
			return false, err
		}
		processed++
		o.setPhase(PhaseListIterating)
	}
}

// dispatchRow acquires the record of one row. Row-level failures come back
// as error records; only plumbing failures that survive the retries are
// returned as errors.
func (o *Orchestrator) dispatchRow(ctx context.Context, row int, text string) (models.Record, error) {
	target, err := o.rowURL(ctx, row)
	if err != nil {
		slog.Warn("could not resolve row target", "context", o.ContextID(), "row", row, "error", err)
		rec := models.ErrorRecord("", models.NewHarvestError(models.ErrCodeNavigation, "could not resolve row target", err))
		rec["row"] = text
		return rec, nil
	}

	var lastErr error
	for attempt := 0; attempt <= o.cfg.DispatchRetries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, o.cfg.SettleDelay); err != nil {
				return nil, err
			}
			if !o.running() {
				return nil, errStopped
			}
		}

		slog.Info("dispatching row", "context", o.ContextID(), "row", row, "url", target, "attempt", attempt+1)
		rec, err := o.deps.Dispatcher.Dispatch(ctx, target)
		if err == nil {
			if rec == nil {
				rec = models.ErrorRecord(target, models.NewHarvestError(models.ErrCodeExtraction, "worker returned no record", nil))
			}
			if rec.URL() == "" {
				rec = rec.Clone()
				rec[models.RecordKeyURL] = target
			}
			return rec, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		slog.Warn("dispatch failed", "context", o.ContextID(), "row", row, "attempt", attempt+1, "error", err)
	}
	return nil, lastErr
}

// rowURL prefers the row's link and falls back to opening the row in place.
func (o *Orchestrator) rowURL(ctx context.Context, row int) (string, error) {
	link, err := o.deps.View.RowLink(ctx, row)
	if err != nil {
		return "", err
	}
	if link != "" {
		return link, nil
	}
	slog.Debug("row has no link; opening in place", "context", o.ContextID(), "row", row)
	return o.deps.View.OpenRowInPlace(ctx, row)
}

// commit appends the record, advances the cursor and persists.
func (o *Orchestrator) commit(ctx context.Context, row int, rec models.Record) error {
	o.mu.Lock()
	if !o.state.Running {
		o.mu.Unlock()
		slog.Info("session stopped; discarding in-flight record", "context", o.ContextID(), "row", row)
		return errStopped
	}
	o.state.Records = append(o.state.Records, rec.Clone())
	o.state.Progress.Row = row + 1
	count := len(o.state.Records)
	o.mu.Unlock()

	slog.Info("row done", "context", o.ContextID(), "row", row, "records", count, "failed", rec.Failed())
	return o.persist(ctx)
}

// paginate moves to the next page. It returns false at the natural end of
// the list.
func (o *Orchestrator) paginate(ctx context.Context) (bool, error) {
	o.setPhase(PhasePaginating)

	ok, err := o.deps.View.HasNext(ctx)
	if err != nil {
		slog.Warn("next control lookup failed", "context", o.ContextID(), "error", err)
		return false, nil
	}
	if !ok {
		slog.Info("no next page", "context", o.ContextID())
		return false, nil
	}

	before, err := o.deps.View.RowTexts(ctx)
	if err != nil {
		return false, models.NewHarvestError(models.ErrCodeNavigation, "failed to read list rows", err)
	}

	o.mu.Lock()
	if !o.state.Running {
		o.mu.Unlock()
		return false, nil
	}
	o.state.Progress = models.Cursor{Page: o.state.Progress.Page + 1, Row: 0}
	o.mu.Unlock()
	if err := o.persist(ctx); err != nil {
		return false, err
	}

	return o.advance(ctx, before)
}

// advance triggers the next control and waits for the rows to change from
// before. A timeout is the end of pagination, not an error.
func (o *Orchestrator) advance(ctx context.Context, before []string) (bool, error) {
	if err := o.deps.View.TriggerNext(ctx); err != nil {
		slog.Warn("failed to trigger next page", "context", o.ContextID(), "error", err)
		return false, nil
	}

	o.setPhase(PhaseWaitingForChange)
	res, err := o.waitForPage(ctx, before)
	switch {
	case err == nil:
		o.mu.Lock()
		o.page++
		page := o.page
		o.mu.Unlock()
		slog.Info("page advanced", "context", o.ContextID(), "page", page,
			"rows", len(res.Rows), "channel", res.Channel, "elapsed", res.Elapsed)
		return true, nil
	case errors.Is(err, detect.ErrTimeout):
		slog.Info("no change after next; end of list", "context", o.ContextID())
		return false, nil
	case errors.Is(err, detect.ErrSuperseded):
		return false, nil
	default:
		return false, err
	}
}

// waitForPage waits for a non-empty row set that differs from before. An
// empty list is a loading state of the next page, not the page itself.
func (o *Orchestrator) waitForPage(ctx context.Context, before []string) (detect.Result, error) {
	deadline := time.Now().Add(o.cfg.PaginationTimeout)
	ref := before
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return detect.Result{}, detect.ErrTimeout
		}
		res, err := o.deps.Changes.Wait(ctx, ref, remaining)
		if err != nil {
			return res, err
		}
		if len(res.Rows) > 0 && detect.Changed(before, res.Rows) {
			return res, nil
		}
		slog.Debug("list still loading after next", "context", o.ContextID(), "rows", len(res.Rows))
		ref = res.Rows
	}
}

// fastForward pages a freshly loaded list view up to the persisted page.
func (o *Orchestrator) fastForward(ctx context.Context) error {
	target := o.cursor().Page
	for {
		o.mu.Lock()
		page := o.page
		o.mu.Unlock()
		if page >= target || !o.running() {
			return nil
		}

		o.setPhase(PhasePaginating)
		ok, err := o.deps.View.HasNext(ctx)
		if err != nil || !ok {
			return models.NewHarvestError(models.ErrCodeNavigation,
				fmt.Sprintf("cannot reach persisted page %d from page %d", target, page), err)
		}
		before, err := o.deps.View.RowTexts(ctx)
		if err != nil {
			return models.NewHarvestError(models.ErrCodeNavigation, "failed to read list rows", err)
		}
		more, err := o.advance(ctx, before)
		if err != nil {
			return err
		}
		if !more && o.running() {
			return models.NewHarvestError(models.ErrCodeNavigation,
				fmt.Sprintf("list did not change while paging to %d", target), nil)
		}
	}
}

// finish terminates the session. cause is nil at the natural end. When
// ctx itself is done the session is left running so it resumes later.
func (o *Orchestrator) finish(ctx context.Context, cause error) error {
	if ctx.Err() != nil {
		o.setPhase(PhaseIdle)
		slog.Info("cycle interrupted; session left resumable", "context", o.ContextID())
		return ctx.Err()
	}

	o.mu.Lock()
	if !o.state.Running {
		// Stopped while the failing step was in flight.
		o.phase = PhaseIdle
		o.mu.Unlock()
		return cause
	}
	o.phase = PhaseTerminated
	o.state.Running = false
	if cause != nil {
		o.state.LastError = cause.Error()
	}
	st := o.state.Clone()
	o.mu.Unlock()

	if err := o.persist(ctx); err != nil {
		slog.Error("failed to persist terminated session", "context", o.ContextID(), "error", err)
	}

	if cause != nil {
		slog.Error("session stopped on failure", "context", o.ContextID(), "records", len(st.Records), "error", cause)
	} else {
		slog.Info("session finished", "context", o.ContextID(), "records", len(st.Records),
			"failures", st.Failures(), "page", st.Progress.Page, "row", st.Progress.Row)
	}
	if o.deps.Notifier != nil {
		o.deps.Notifier.SessionFinished(ctx, st, o.reportInfo(st))
	}
	return cause
}

// reportInfo is the session metadata shipped with the records.
func (o *Orchestrator) reportInfo(st models.State) map[string]any {
	source := st.Source
	if source == "" {
		source, _ = o.deps.View.URL(context.Background())
	}
	keyword := ""
	if u, err := url.Parse(source); err == nil {
		keyword = u.Query().Get("keyword")
	}
	info := map[string]any{
		"keyword":    keyword,
		"session_id": st.SessionID,
		"source":     source,
		"records":    len(st.Records),
		"failures":   st.Failures(),
		"page":       st.Progress.Page,
		"row":        st.Progress.Row,
	}
	if st.LastError != "" {
		info["error"] = st.LastError
	}
	return info
}

func (o *Orchestrator) persist(ctx context.Context) error {
	o.saveMu.Lock()
	defer o.saveMu.Unlock()
	st := o.State()
	if err := o.deps.Progress.Save(ctx, st); err != nil {
		var he *models.HarvestError
		if errors.As(err, &he) {
			return err
		}
		return models.NewHarvestError(models.ErrCodeStoreUnavailable, "failed to persist session state", err)
	}
	return nil
}

func (o *Orchestrator) setPhase(p Phase) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.phase = p
}

func (o *Orchestrator) running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.Running
}

func (o *Orchestrator) cursor() models.Cursor {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.Progress
}

func (o *Orchestrator) capReached() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg.RecordCap > 0 && len(o.state.Records) >= o.cfg.RecordCap
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
