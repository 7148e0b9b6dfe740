// Package hub is the coordinator layer. It owns the progress store and the
// worker coordinator, serves every bus message addressed to neither a list
// nor a detail context, and attaches an orchestrator to each page context
// the browser loads.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/use-agent/harvest/bus"
	"github.com/use-agent/harvest/config"
	"github.com/use-agent/harvest/detect"
	"github.com/use-agent/harvest/models"
	"github.com/use-agent/harvest/orchestrator"
	"github.com/use-agent/harvest/store"
	"github.com/use-agent/harvest/webhook"
	"github.com/use-agent/harvest/worker"
)

// listLoadTimeout bounds the wait for a freshly navigated list view to boot.
const listLoadTimeout = 30 * time.Second

// Page is a rendered context an orchestrator can drive.
type Page interface {
	orchestrator.View
	Changes(poll time.Duration) *detect.Detector
}

// attached is the orchestrator bound to one context. ctx ends when the
// context closes or the hub shuts down.
type attached struct {
	orch   *orchestrator.Orchestrator
	ctx    context.Context
	cancel context.CancelFunc
}

// Hub wires the bus, the store, the browser host and the orchestrators.
type Hub struct {
	cfg       config.SessionConfig
	report    config.ReportConfig
	bus       bus.Bus
	store     store.Store
	host      worker.Host
	coord     *worker.Coordinator
	extractor orchestrator.Extractor
	activity  *activity

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	listID    string
	listReady chan struct{}
	contexts  map[string]*attached
}

// New creates a Hub and registers its bus handlers.
func New(cfg config.SessionConfig, report config.ReportConfig, b bus.Bus, st store.Store, host worker.Host, ex orchestrator.Extractor) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		cfg:       cfg,
		report:    report,
		bus:       b,
		store:     st,
		host:      host,
		coord:     worker.NewCoordinator(host, b, cfg.Marker),
		extractor: ex,
		activity:  newActivity(activityCapacity),
		ctx:       ctx,
		cancel:    cancel,
		contexts:  make(map[string]*attached),
	}
	host.OnContextClosed(h.closed)

	b.Handle(bus.KindPersistState, h.handlePersistState)
	b.Handle(bus.KindRequestLoadState, h.handleLoadState)
	b.Handle(bus.KindOpenWorkerFor, h.handleOpenWorker)
	b.Handle(bus.KindWorkerCompleted, h.handleWorkerCompleted)
	b.Handle(bus.KindShipLog, h.handleShipLog)
	b.Handle(bus.KindStartSession, h.handleStartSession)
	b.Handle(bus.KindStopSession, h.handleStopSession)
	return h
}

// Attach boots the orchestrator of p's context after a page load. A
// same-document navigation resumes instead. Both are no-ops while a cycle
// owns the context. Attach blocks for as long as the cycle runs.
func (h *Hub) Attach(p Page, sameDocument bool) {
	id := p.ContextID()

	h.mu.Lock()
	if h.ctx.Err() != nil {
		h.mu.Unlock()
		return
	}
	a, known := h.contexts[id]
	if !known {
		a = h.newAttached(p)
		h.contexts[id] = a
	}
	isList := id == h.listID
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	var err error
	if sameDocument && known {
		err = a.orch.Resume(a.ctx)
	} else {
		err = a.orch.Boot(a.ctx)
	}
	if isList {
		h.markReady(id)
	}
	h.cycleEnded(id, err)
}

// newAttached builds the orchestrator for context p. Only the designated
// list context gets a dispatcher; every other context can at most extract
// a detail view. Caller holds h.mu.
func (h *Hub) newAttached(p Page) *attached {
	id := p.ContextID()
	deps := orchestrator.Deps{
		View:      p,
		Changes:   p.Changes(h.cfg.PollInterval),
		Progress:  busProgress{b: h.bus, from: id},
		Extractor: h.extractor,
		Reporter:  busReporter{b: h.bus, from: id},
	}
	if id == h.listID {
		deps.Dispatcher = worker.NewClient(h.bus, id, h.cfg.DispatchTimeout)
		deps.Notifier = listNotifier{h: h, from: id}
	}
	ctx, cancel := context.WithCancel(h.ctx)
	return &attached{orch: orchestrator.New(h.cfg, deps), ctx: ctx, cancel: cancel}
}

func (h *Hub) cycleEnded(id string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, orchestrator.ErrBusy):
		slog.Debug("page load during active cycle", "context", id)
	case errors.Is(err, context.Canceled):
		slog.Debug("cycle cancelled", "context", id)
	default:
		slog.Warn("cycle ended with error", "context", id, "error", err)
	}
}

// closed forgets a context. A list driver closed mid-cycle leaves the
// session running so Recover can pick it up.
func (h *Hub) closed(id string) {
	h.mu.Lock()
	a, ok := h.contexts[id]
	delete(h.contexts, id)
	if id == h.listID {
		h.listID = ""
		h.listReady = nil
	}
	h.mu.Unlock()
	if ok {
		a.cancel()
	}
}

func (h *Hub) markReady(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if id == h.listID && h.listReady != nil {
		close(h.listReady)
		h.listReady = nil
	}
}

func (h *Hub) lookup(id string) *attached {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.contexts[id]
}

func (h *Hub) listDriver() (string, *attached) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.listID, h.contexts[h.listID]
}

// openList points the list context at listURL, opening a foreground tab
// when there is none. The returned channel closes once the new document
// has booted.
func (h *Hub) openList(ctx context.Context, listURL string) (string, <-chan struct{}, error) {
	h.mu.Lock()
	id := h.listID
	h.mu.Unlock()

	if id == "" {
		var err error
		id, err = h.host.Open(ctx, "", true)
		if err != nil {
			return "", nil, err
		}
	}

	// Designate the context before navigating so its first load is
	// attached as the list driver.
	ready := make(chan struct{})
	h.mu.Lock()
	h.listID = id
	h.listReady = ready
	h.mu.Unlock()

	if err := h.host.Navigate(ctx, id, listURL); err != nil {
		return "", nil, err
	}
	return id, ready, nil
}

// Start opens listURL (or the configured list URL) in the list context and
// starts a new session there. It returns the new session id.
func (h *Hub) Start(ctx context.Context, listURL string) (string, error) {
	if listURL == "" {
		listURL = h.cfg.ListURL
	}
	if listURL == "" {
		return "", models.NewHarvestError(models.ErrCodeInvalidInput, "list_url is required", nil)
	}

	_, driver := h.listDriver()
	if driver != nil && driver.orch.Phase().Active() {
		return "", models.NewHarvestError(models.ErrCodeSessionActive, "a session is already running", nil)
	}
	st, err := h.store.Load(ctx)
	if err != nil {
		return "", err
	}
	if st.Running {
		if driver != nil {
			return "", models.NewHarvestError(models.ErrCodeSessionActive, "a session is already running", nil)
		}
		// No context drives it any more; the new session replaces it.
		st.Running = false
		st.LastError = "superseded by a new session"
		if err := h.store.Save(ctx, st); err != nil {
			return "", err
		}
		slog.Warn("superseding orphaned session", "session", st.SessionID, "records", len(st.Records))
	}

	id, ready, err := h.openList(ctx, listURL)
	if err != nil {
		return "", err
	}
	timer := time.NewTimer(listLoadTimeout)
	defer timer.Stop()
	select {
	case <-ready:
	case <-timer.C:
		return "", models.NewHarvestError(models.ErrCodeNavigation, "list view did not load", nil)
	case <-ctx.Done():
		return "", ctx.Err()
	}

	sessionID := uuid.NewString()
	body := models.StartSessionBody{SessionID: sessionID, Source: listURL}
	if err := h.bus.Send(ctx, bus.NewEnvelope(bus.KindStartSession, "", id, body)); err != nil {
		return "", err
	}
	h.activity.add(levelInfo, "session started: "+listURL)
	return sessionID, nil
}

// Stop ends the running session. The in-flight row is discarded.
func (h *Hub) Stop(ctx context.Context) error {
	id, _ := h.listDriver()
	if _, err := h.bus.Request(ctx, bus.NewEnvelope(bus.KindStopSession, "", id, nil)); err != nil {
		return err
	}
	h.activity.add(levelInfo, "session stopped")
	return nil
}

// Status reports the persisted progress and the list driver's phase.
func (h *Hub) Status(ctx context.Context) (models.StatusResponse, error) {
	st, err := h.store.Load(ctx)
	if err != nil {
		return models.StatusResponse{}, err
	}
	phase := orchestrator.PhaseIdle
	if _, driver := h.listDriver(); driver != nil {
		phase = driver.orch.Phase()
	}
	return models.StatusResponse{
		SessionID: st.SessionID,
		Source:    st.Source,
		Running:   st.Running,
		Phase:     phase.String(),
		Progress:  st.Progress,
		Records:   len(st.Records),
		Failures:  st.Failures(),
		Workers:   h.coord.InFlight(),
		StartedAt: st.StartedAt,
		UpdatedAt: st.UpdatedAt,
		LastError: st.LastError,
	}, nil
}

// Export returns the records collected so far.
func (h *Hub) Export(ctx context.Context) ([]models.Record, error) {
	st, err := h.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	return st.Records, nil
}

// Recover reopens the list view of a session that was still running when
// the process last exited. Booting the new context resumes it at the
// persisted cursor.
func (h *Hub) Recover(ctx context.Context) error {
	st, err := h.store.Load(ctx)
	if err != nil {
		return err
	}
	if !st.Running {
		return nil
	}
	if st.Source == "" {
		st.Running = false
		st.LastError = "cannot resume: session has no list URL"
		h.activity.add(levelError, st.LastError)
		return h.store.Save(ctx, st)
	}

	if _, _, err := h.openList(ctx, st.Source); err != nil {
		return err
	}
	slog.Info("recovering session", "session", st.SessionID, "records", len(st.Records),
		"page", st.Progress.Page, "row", st.Progress.Row)
	h.activity.add(levelInfo, fmt.Sprintf("resuming session at page %d row %d", st.Progress.Page, st.Progress.Row))
	return nil
}

// Activity returns the recent operator log, oldest first.
func (h *Hub) Activity() []models.LogEntry {
	return h.activity.list()
}

// Ping checks the store.
func (h *Hub) Ping(ctx context.Context) error {
	return h.store.Ping(ctx)
}

// Close cancels every cycle and waits for them to return. Sessions stay
// resumable.
func (h *Hub) Close() {
	h.mu.Lock()
	h.cancel()
	h.mu.Unlock()
	h.wg.Wait()
}

// ── bus handlers ─────────────────────────────────────────────────────

func (h *Hub) handlePersistState(ctx context.Context, env bus.Envelope) (any, error) {
	body, ok := env.Body.(models.PersistStateBody)
	if !ok {
		return nil, badBody(env)
	}
	return nil, h.store.Save(ctx, body.State)
}

func (h *Hub) handleLoadState(ctx context.Context, _ bus.Envelope) (any, error) {
	return h.store.Load(ctx)
}

func (h *Hub) handleOpenWorker(ctx context.Context, env bus.Envelope) (any, error) {
	body, ok := env.Body.(models.OpenWorkerBody)
	if !ok {
		return nil, badBody(env)
	}
	return h.coord.Open(ctx, env.From, body.URL)
}

func (h *Hub) handleWorkerCompleted(ctx context.Context, env bus.Envelope) (any, error) {
	body, ok := env.Body.(models.WorkerCompletedBody)
	if !ok {
		return nil, badBody(env)
	}
	if err := h.coord.Complete(ctx, env.From, body.Record); err != nil {
		return nil, err
	}
	if body.Record.Failed() {
		h.activity.add(levelWarn, fmt.Sprintf("detail failed: %s: %s", body.Record.URL(), body.Record.Err()))
	}
	return nil, nil
}

func (h *Hub) handleShipLog(ctx context.Context, env bus.Envelope) (any, error) {
	body, ok := env.Body.(models.ShipLogBody)
	if !ok {
		return nil, badBody(env)
	}
	if h.report.Endpoint == "" {
		return nil, nil
	}
	st, err := h.store.Load(ctx)
	if err != nil {
		return nil, err
	}

	shipCtx, cancel := context.WithTimeout(ctx, h.report.Timeout)
	defer cancel()
	report := webhook.Report{Log: st.Records, Info: body.Info}
	if err := webhook.Ship(shipCtx, h.report.Endpoint, h.report.Secret, report); err != nil {
		h.activity.add(levelWarn, "report delivery failed: "+err.Error())
		return nil, err
	}
	h.activity.add(levelInfo, fmt.Sprintf("report delivered with %d records", len(st.Records)))
	return nil, nil
}

// handleStartSession runs the new session's cycle in the addressed list
// context. It returns when the cycle does.
func (h *Hub) handleStartSession(_ context.Context, env bus.Envelope) (any, error) {
	body, ok := env.Body.(models.StartSessionBody)
	if !ok {
		return nil, badBody(env)
	}

	h.mu.Lock()
	a := h.contexts[env.To]
	if a == nil || h.ctx.Err() != nil {
		h.mu.Unlock()
		return nil, models.NewHarvestError(models.ErrCodeInvalidInput, "no list context "+env.To, nil)
	}
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	err := a.orch.Start(a.ctx, body.SessionID, body.Source)
	h.cycleEnded(env.To, err)
	if err != nil && !errors.Is(err, context.Canceled) {
		h.activity.add(levelError, "session failed to start: "+err.Error())
	}
	return nil, err
}

// handleStopSession stops the addressed list driver. The stored session is
// also stopped when no cycle is running to persist it.
func (h *Hub) handleStopSession(ctx context.Context, env bus.Envelope) (any, error) {
	if a := h.lookup(env.To); a != nil {
		if err := a.orch.Stop(ctx); err != nil {
			return nil, err
		}
		if a.orch.Phase().Active() {
			return nil, nil
		}
	}
	st, err := h.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	if !st.Running {
		return nil, nil
	}
	st.Running = false
	return nil, h.store.Save(ctx, st)
}

func badBody(env bus.Envelope) error {
	return models.NewHarvestError(models.ErrCodeInvalidInput,
		fmt.Sprintf("unexpected %s body %T", env.Kind, env.Body), nil)
}
