package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/use-agent/harvest/bus"
	"github.com/use-agent/harvest/models"
	"github.com/use-agent/harvest/worker"
)

func TestStart_FiveRowsCapThreeNoNextPage(t *testing.T) {
	h := newHarness(testConfig(), newListView(listPages(1, 5)), newProgress())

	require.NoError(t, h.orch.Start(context.Background(), "s-1", "https://x.test/list?keyword=shoes"))

	st, err := h.progress.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, st.Records, 3)
	assert.Equal(t, models.Cursor{Page: 0, Row: 3}, st.Progress)
	assert.False(t, st.Running)
	assert.Equal(t, PhaseTerminated, h.orch.Phase())
	assert.Equal(t, 1, h.notifier.count())
	assert.Equal(t, []string{
		"https://x.test/detail/p0-r0",
		"https://x.test/detail/p0-r1",
		"https://x.test/detail/p0-r2",
	}, h.dispatcher.urls())
}

func TestStart_PersistsAfterEveryRow(t *testing.T) {
	cfg := testConfig()
	cfg.RowsPerPass = 0
	h := newHarness(cfg, newListView(listPages(1, 4)), newProgress())

	require.NoError(t, h.orch.Start(context.Background(), "s-1", ""))

	// start, four rows, termination
	saved := h.progress.saved()
	require.Len(t, saved, 6)
	for i := 1; i < len(saved); i++ {
		if saved[i].Page == saved[i-1].Page {
			assert.GreaterOrEqual(t, saved[i].Row, saved[i-1].Row, "cursor moved backwards at save %d", i)
		}
	}
	assert.Equal(t, models.Cursor{Page: 0, Row: 4}, saved[len(saved)-1])
}

func TestStart_RecordCap(t *testing.T) {
	cfg := testConfig()
	cfg.RowsPerPass = 0
	cfg.RecordCap = 2
	h := newHarness(cfg, newListView(listPages(3, 5)), newProgress())

	require.NoError(t, h.orch.Start(context.Background(), "s-1", ""))

	st := h.orch.State()
	assert.Len(t, st.Records, 2)
	assert.False(t, st.Running)
	assert.Zero(t, h.view.currentPage(), "no pagination once the cap is reached")
}

func TestStart_PaginationResolvedByPollingFallback(t *testing.T) {
	cfg := testConfig()
	cfg.RowsPerPass = 0
	view := newListView(listPages(2, 2))
	view.nextDelay = 20 * time.Millisecond
	h := newHarness(cfg, view, newProgress())

	require.NoError(t, h.orch.Start(context.Background(), "s-1", ""))

	st := h.orch.State()
	require.Len(t, st.Records, 4)
	assert.Equal(t, "https://x.test/detail/p1-r0", st.Records[2].URL())
	assert.Equal(t, models.Cursor{Page: 1, Row: 2}, st.Progress)
	assert.Contains(t, h.progress.saved(), models.Cursor{Page: 1, Row: 0}, "page boundary persisted before new rows")
	assert.False(t, st.Running)
}

func TestStart_EmptyLoadingListIsNotTheNextPage(t *testing.T) {
	cfg := testConfig()
	cfg.RowsPerPass = 0
	view := newListView(listPages(3, 2))
	view.loadingFor = 50 * time.Millisecond
	h := newHarness(cfg, view, newProgress())

	require.NoError(t, h.orch.Start(context.Background(), "s-1", ""))

	st := h.orch.State()
	require.Len(t, st.Records, 6)
	assert.Equal(t, "https://x.test/detail/p2-r1", st.Records[5].URL())
	assert.Equal(t, models.Cursor{Page: 2, Row: 2}, st.Progress)
	assert.False(t, st.Running)
	assert.Equal(t, 2, h.view.currentPage())
}

func TestStart_PaginationTimeoutEndsSession(t *testing.T) {
	cfg := testConfig()
	cfg.RowsPerPass = 0
	cfg.PaginationTimeout = 40 * time.Millisecond
	view := newListView(listPages(2, 1))
	view.stuck = true
	h := newHarness(cfg, view, newProgress())

	require.NoError(t, h.orch.Start(context.Background(), "s-1", ""))

	st := h.orch.State()
	assert.Len(t, st.Records, 1)
	assert.False(t, st.Running)
	assert.Empty(t, st.LastError, "pagination timeout is a natural end")
	assert.Equal(t, 1, h.notifier.count())
}

func TestStart_RowWithoutLinkOpensInPlace(t *testing.T) {
	pages := [][]rowSpec{{{text: "alpha"}, {text: "beta", link: "https://x.test/detail/beta"}}}
	h := newHarness(testConfig(), newListView(pages), newProgress())

	require.NoError(t, h.orch.Start(context.Background(), "s-1", ""))

	assert.Equal(t, []string{"https://x.test/inplace/alpha", "https://x.test/detail/beta"}, h.dispatcher.urls())
	assert.Equal(t, 1, h.view.inPlace)
}

func TestStart_PlumbingFailureIsRetried(t *testing.T) {
	h := newHarness(testConfig(), newListView(listPages(1, 2)), newProgress())
	h.dispatcher.fail["https://x.test/detail/p0-r0"] = 2

	require.NoError(t, h.orch.Start(context.Background(), "s-1", ""))

	st := h.orch.State()
	require.Len(t, st.Records, 2)
	assert.False(t, st.Records[0].Failed())
	assert.Len(t, h.dispatcher.urls(), 4)
}

func TestStart_PlumbingFailureStopsSession(t *testing.T) {
	h := newHarness(testConfig(), newListView(listPages(1, 3)), newProgress())
	h.dispatcher.fail["https://x.test/detail/p0-r1"] = -1

	err := h.orch.Start(context.Background(), "s-1", "")
	var he *models.HarvestError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, models.ErrCodeDispatch, he.Code)

	st, err := h.progress.Load(context.Background())
	require.NoError(t, err)
	assert.False(t, st.Running)
	assert.Len(t, st.Records, 1, "failed row is not advanced")
	assert.Equal(t, 1, st.Progress.Row)
	assert.Contains(t, st.LastError, models.ErrCodeDispatch)
	require.Equal(t, 1, h.notifier.count())
	assert.Equal(t, st.LastError, h.notifier.calls[0].info["error"])
}

func TestStart_StoreUnavailable(t *testing.T) {
	progress := newProgress()
	progress.failErr = errors.New("disk full")
	h := newHarness(testConfig(), newListView(listPages(1, 3)), progress)

	err := h.orch.Start(context.Background(), "s-1", "")
	var he *models.HarvestError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, models.ErrCodeStoreUnavailable, he.Code)
	assert.Empty(t, h.dispatcher.urls())
	assert.Equal(t, PhaseIdle, h.orch.Phase())
}

func TestStart_ReportInfoCarriesKeyword(t *testing.T) {
	h := newHarness(testConfig(), newListView(listPages(1, 1)), newProgress())

	require.NoError(t, h.orch.Start(context.Background(), "s-9", "https://x.test/list?keyword=red+shoes&period=7"))

	require.Equal(t, 1, h.notifier.count())
	info := h.notifier.calls[0].info
	assert.Equal(t, "red shoes", info["keyword"])
	assert.Equal(t, "s-9", info["session_id"])
	assert.Equal(t, 1, info["records"])
}

func TestReentry_IsNoOpWhileCycleActive(t *testing.T) {
	h := newHarness(testConfig(), newListView(listPages(1, 3)), newProgress())
	h.dispatcher.block = make(chan struct{})
	h.dispatcher.inside = make(chan string, 3)

	done := make(chan error, 1)
	go func() { done <- h.orch.Start(context.Background(), "s-1", "") }()
	<-h.dispatcher.inside

	before := h.orch.State()
	assert.ErrorIs(t, h.orch.Boot(context.Background()), ErrBusy)
	assert.ErrorIs(t, h.orch.Resume(context.Background()), ErrBusy)

	var he *models.HarvestError
	require.ErrorAs(t, h.orch.Start(context.Background(), "s-2", ""), &he)
	assert.Equal(t, models.ErrCodeSessionActive, he.Code)

	after := h.orch.State()
	assert.Equal(t, before.Progress, after.Progress)
	assert.Len(t, after.Records, len(before.Records))
	assert.Equal(t, "s-1", after.SessionID)

	close(h.dispatcher.block)
	require.NoError(t, <-done)
	assert.Len(t, h.dispatcher.urls(), 3, "no duplicate dispatches")
}

func TestReentry_IsNoOpWhilePaginationWaitPending(t *testing.T) {
	cfg := testConfig()
	cfg.RowsPerPass = 0
	cfg.PaginationTimeout = 2 * time.Second
	view := newListView(listPages(2, 1))
	view.stuck = true
	h := newHarness(cfg, view, newProgress())

	done := make(chan error, 1)
	go func() { done <- h.orch.Start(context.Background(), "s-1", "") }()
	require.Eventually(t, func() bool {
		return h.orch.Phase() == PhaseWaitingForChange && h.changes.Pending()
	}, time.Second, time.Millisecond)

	assert.ErrorIs(t, h.orch.Resume(context.Background()), ErrBusy)
	assert.Equal(t, PhaseWaitingForChange, h.orch.Phase())

	// Stopping cancels the pending wait instead of letting it time out.
	require.NoError(t, h.orch.Stop(context.Background()))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("stop did not release the pagination wait")
	}
	assert.Equal(t, PhaseIdle, h.orch.Phase())
	assert.Zero(t, h.notifier.count(), "a stopped session is not a completed one")
}

func TestStop_DiscardsInFlightRecord(t *testing.T) {
	h := newHarness(testConfig(), newListView(listPages(1, 3)), newProgress())
	h.dispatcher.block = make(chan struct{})
	h.dispatcher.inside = make(chan string, 3)

	done := make(chan error, 1)
	go func() { done <- h.orch.Start(context.Background(), "s-1", "") }()
	<-h.dispatcher.inside

	require.NoError(t, h.orch.Stop(context.Background()))
	close(h.dispatcher.block)
	require.NoError(t, <-done)

	st, err := h.progress.Load(context.Background())
	require.NoError(t, err)
	assert.False(t, st.Running)
	assert.Empty(t, st.Records)
	assert.Zero(t, st.Progress.Row)
	assert.Len(t, h.dispatcher.urls(), 1)
}

func TestBoot_ReloadResumesAtPersistedCursor(t *testing.T) {
	cfg := testConfig()
	cfg.RowsPerPass = 0
	progress := newProgress()

	// First life: dies while row 2 is in flight.
	first := newHarness(cfg, newListView(listPages(1, 5)), progress)
	first.dispatcher.inside = make(chan string, 5)
	first.dispatcher.hold = "https://x.test/detail/p0-r2"
	ctx, crash := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- first.orch.Start(ctx, "s-1", "") }()
	for range 3 {
		<-first.dispatcher.inside
	}
	crash()
	assert.ErrorIs(t, <-done, context.Canceled)

	persisted, err := progress.Load(context.Background())
	require.NoError(t, err)
	require.True(t, persisted.Running, "an interrupted session stays resumable")
	require.Equal(t, models.Cursor{Page: 0, Row: 2}, persisted.Progress)

	// Second life: a fresh view and orchestrator over the same store.
	second := newHarness(cfg, newListView(listPages(1, 5)), progress)
	require.NoError(t, second.orch.Boot(context.Background()))

	assert.Equal(t, []string{
		"https://x.test/detail/p0-r2",
		"https://x.test/detail/p0-r3",
		"https://x.test/detail/p0-r4",
	}, second.dispatcher.urls())

	st, err := progress.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, st.Records, 5)
	seen := map[string]bool{}
	for _, r := range st.Records {
		assert.False(t, seen[r.URL()], "row %s counted twice", r.URL())
		seen[r.URL()] = true
	}
}

func TestBoot_FastForwardsToPersistedPage(t *testing.T) {
	cfg := testConfig()
	cfg.RowsPerPass = 0
	progress := newProgress()
	require.NoError(t, progress.Save(context.Background(), models.State{
		Records:  []models.Record{{"url": "a"}, {"url": "b"}, {"url": "c"}},
		Progress: models.Cursor{Page: 1, Row: 1},
		Running:  true,
	}))

	view := newListView(listPages(2, 2))
	h := newHarness(cfg, view, progress)
	require.NoError(t, h.orch.Boot(context.Background()))

	assert.Equal(t, []string{"https://x.test/detail/p1-r1"}, h.dispatcher.urls())
	st := h.orch.State()
	assert.Len(t, st.Records, 4)
	assert.Equal(t, models.Cursor{Page: 1, Row: 2}, st.Progress)
}

func TestBoot_IdleWhenNotRunning(t *testing.T) {
	h := newHarness(testConfig(), newListView(listPages(1, 3)), newProgress())

	require.NoError(t, h.orch.Boot(context.Background()))
	assert.Equal(t, PhaseIdle, h.orch.Phase())
	assert.Empty(t, h.dispatcher.urls())
}

func TestBoot_ContextWithoutDispatcherNeverDrivesList(t *testing.T) {
	progress := newProgress()
	require.NoError(t, progress.Save(context.Background(), models.State{
		Records: []models.Record{},
		Running: true,
	}))
	view := newListView(listPages(1, 3))
	orch := New(testConfig(), Deps{
		View:      view,
		Changes:   pollingDetector(view),
		Progress:  progress,
		Extractor: staticExtractor{},
		Reporter:  &captureReporter{},
	})

	require.NoError(t, orch.Boot(context.Background()))
	assert.Equal(t, PhaseIdle, orch.Phase())

	err := orch.Start(context.Background(), "s-1", "https://x.test/list")
	var he *models.HarvestError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, models.ErrCodeInvalidInput, he.Code)
}

func TestBoot_DetailViewExtractsAndReports(t *testing.T) {
	view := newDetailView("https://x.test/detail/7#tiscrape=1")
	h := newHarness(testConfig(), view, newProgress())

	require.NoError(t, h.orch.Boot(context.Background()))

	require.Len(t, h.reporter.records, 1)
	rec := h.reporter.records[0]
	assert.Equal(t, "Alpha", rec["title"])
	assert.Equal(t, "https://x.test/detail/7#tiscrape=1", rec.URL())
	assert.Equal(t, PhaseTerminated, h.orch.Phase())
	assert.Empty(t, h.dispatcher.urls())
}

func TestBoot_DetailViewReportsReadinessFailure(t *testing.T) {
	view := newDetailView("https://x.test/detail/7#tiscrape=1")
	view.readyErr = errors.New("Timeout: span.TUXText--weight-bold not found")
	h := newHarness(testConfig(), view, newProgress())

	require.NoError(t, h.orch.Boot(context.Background()))

	require.Len(t, h.reporter.records, 1)
	rec := h.reporter.records[0]
	assert.True(t, rec.Failed())
	assert.Contains(t, rec.Err(), models.ErrCodeNavigation)
	assert.Equal(t, "https://x.test/detail/7#tiscrape=1", rec.URL())
}

func TestBoot_TaggedListViewIsNotDetail(t *testing.T) {
	view := newListView(listPages(1, 2))
	view.url = "https://x.test/list#tiscrape=1"
	h := newHarness(testConfig(), view, newProgress())

	require.NoError(t, h.orch.Boot(context.Background()))
	assert.Empty(t, h.reporter.records)
	assert.Equal(t, PhaseIdle, h.orch.Phase())
}

func TestPhase_String(t *testing.T) {
	assert.Equal(t, "waiting_for_change", PhaseWaitingForChange.String())
	assert.Equal(t, "unknown", Phase(42).String())
	assert.False(t, PhaseTerminated.Active())
	assert.True(t, PhaseDispatching.Active())
}

// ── end to end over the bus and the worker coordinator ──

// tabHost runs a detail orchestrator in every worker tab it navigates,
// except for URLs listed in hang.
type tabHost struct {
	mu       sync.Mutex
	next     int
	onClosed func(string)
	boot     func(id, url string)
	hang     map[string]bool
}

func (h *tabHost) Open(context.Context, string, bool) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	return fmt.Sprintf("tab-%d", h.next), nil
}

func (h *tabHost) Navigate(_ context.Context, id, url string) error {
	h.mu.Lock()
	hang := false
	for frag := range h.hang {
		if strings.Contains(url, frag) {
			hang = true
		}
	}
	h.mu.Unlock()
	if !hang {
		go h.boot(id, url)
	}
	return nil
}

func (h *tabHost) Close(_ context.Context, id string) error {
	h.mu.Lock()
	cb := h.onClosed
	h.mu.Unlock()
	cb(id)
	return nil
}

func (h *tabHost) OnContextClosed(fn func(string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onClosed = fn
}

type busReporter struct {
	b  bus.Bus
	id string
}

func (r busReporter) ReportCompleted(ctx context.Context, rec models.Record) error {
	return r.b.Send(ctx, bus.NewEnvelope(bus.KindWorkerCompleted, r.id, "", models.WorkerCompletedBody{Record: rec}))
}

func TestStart_DispatchTimeoutAppendsErrorRecordAndContinues(t *testing.T) {
	cfg := testConfig()
	cfg.DispatchTimeout = 50 * time.Millisecond

	b := bus.NewLocal(nil)
	host := &tabHost{hang: map[string]bool{"p0-r1": true}}
	coord := worker.NewCoordinator(host, b, cfg.Marker)
	b.Handle(bus.KindOpenWorkerFor, func(ctx context.Context, env bus.Envelope) (any, error) {
		return coord.Open(ctx, env.From, env.Body.(models.OpenWorkerBody).URL)
	})
	b.Handle(bus.KindWorkerCompleted, func(ctx context.Context, env bus.Envelope) (any, error) {
		return nil, coord.Complete(ctx, env.From, env.Body.(models.WorkerCompletedBody).Record)
	})
	host.boot = func(id, url string) {
		detail := New(cfg, Deps{
			View:      &fakeView{id: id, url: url, html: "<html></html>"},
			Progress:  newProgress(),
			Extractor: staticExtractor{},
			Reporter:  busReporter{b: b, id: id},
		})
		_ = detail.Boot(context.Background())
	}

	view := newListView(listPages(1, 3))
	progress := newProgress()
	list := New(cfg, Deps{
		View:       view,
		Changes:    pollingDetector(view),
		Progress:   progress,
		Dispatcher: worker.NewClient(b, view.ContextID(), cfg.DispatchTimeout),
	})

	require.NoError(t, list.Start(context.Background(), "s-1", ""))

	st, err := progress.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, st.Records, 3)
	assert.False(t, st.Records[0].Failed())
	assert.Equal(t, "Alpha", st.Records[0]["title"])

	timedOut := st.Records[1]
	assert.True(t, timedOut.Failed())
	assert.Equal(t, "https://x.test/detail/p0-r1", timedOut.URL(), "error record keeps the original url")
	assert.Contains(t, timedOut.Err(), models.ErrCodeTimeout)

	assert.False(t, st.Records[2].Failed())
	assert.Equal(t, models.Cursor{Page: 0, Row: 3}, st.Progress)

	b.Wait()
	// Only the hung worker is still holding a ticket.
	require.Equal(t, 1, coord.InFlight())
	assert.Contains(t, coord.Tickets()[0].TargetURL, "p0-r1#tiscrape=1")
}
