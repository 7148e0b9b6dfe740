package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/use-agent/harvest/config"
	"github.com/use-agent/harvest/detect"
	"github.com/use-agent/harvest/models"
	"github.com/use-agent/harvest/store"
)

type rowSpec struct {
	text string
	link string
}

// listPages builds n pages of k linked rows each.
func listPages(n, k int) [][]rowSpec {
	pages := make([][]rowSpec, n)
	for p := range pages {
		for r := 0; r < k; r++ {
			text := fmt.Sprintf("p%d-r%d", p, r)
			pages[p] = append(pages[p], rowSpec{text: text, link: "https://x.test/detail/" + text})
		}
	}
	return pages
}

// fakeView renders a paginated list or a detail view.
type fakeView struct {
	id string

	mu       sync.Mutex
	url      string
	pages    [][]rowSpec
	page     int
	advances int
	inPlace  int

	nextDelay  time.Duration // TriggerNext renders the next page after this
	loadingFor time.Duration // TriggerNext shows an empty list for this long first
	loading    bool
	stuck      bool // TriggerNext never changes the rows

	readyErr error
	html     string
}

func newListView(pages [][]rowSpec) *fakeView {
	return &fakeView{id: "list-1", url: "https://x.test/list?keyword=shoes", pages: pages}
}

func newDetailView(url string) *fakeView {
	return &fakeView{id: "tab-7", url: url, html: "<html><h1>Alpha</h1></html>"}
}

func (v *fakeView) ContextID() string { return v.id }

func (v *fakeView) URL(context.Context) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.url, nil
}

func (v *fakeView) RowTexts(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.loading || v.page >= len(v.pages) {
		return nil, nil
	}
	var out []string
	for _, r := range v.pages[v.page] {
		out = append(out, r.text)
	}
	return out, nil
}

func (v *fakeView) RowLink(_ context.Context, i int) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	rows := v.pages[v.page]
	if i >= len(rows) {
		return "", errors.New("row vanished")
	}
	return rows[i].link, nil
}

func (v *fakeView) OpenRowInPlace(_ context.Context, i int) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.inPlace++
	return "https://x.test/inplace/" + v.pages[v.page][i].text, nil
}

func (v *fakeView) HasNext(context.Context) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return !v.loading && v.page < len(v.pages)-1, nil
}

func (v *fakeView) TriggerNext(context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.advances++
	if v.stuck {
		return nil
	}
	if v.loadingFor > 0 {
		v.loading = true
		go func() {
			time.Sleep(v.loadingFor)
			v.mu.Lock()
			v.loading = false
			v.page++
			v.mu.Unlock()
		}()
		return nil
	}
	if v.nextDelay == 0 {
		v.page++
		return nil
	}
	go func() {
		time.Sleep(v.nextDelay)
		v.mu.Lock()
		v.page++
		v.mu.Unlock()
	}()
	return nil
}

func (v *fakeView) WaitReady(context.Context, time.Duration) error { return v.readyErr }

func (v *fakeView) HTML(context.Context) (string, error) { return v.html, nil }

func (v *fakeView) currentPage() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.page
}

// silentObserver never reports a mutation, as on pages where mutation
// notifications are unreliable.
type silentObserver struct{}

func (silentObserver) ObserveMutation(ctx context.Context, _ detect.Scope) error {
	<-ctx.Done()
	return ctx.Err()
}

func pollingDetector(v *fakeView) *detect.Detector {
	sources := append(detect.MutationSources(silentObserver{}, time.Second), detect.PollSource(5*time.Millisecond))
	return detect.NewDetector(v.RowTexts, sources...)
}

// fakeDispatcher answers every URL with a record unless told otherwise.
type fakeDispatcher struct {
	mu     sync.Mutex
	calls  []string
	fail   map[string]int // url -> remaining plumbing failures (-1: forever)
	block  chan struct{}  // when set, Dispatch waits on it
	hold   string         // this url waits until ctx is done
	inside chan string    // signalled on entry when set
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, url string) (models.Record, error) {
	d.mu.Lock()
	d.calls = append(d.calls, url)
	n := d.fail[url]
	if n != 0 {
		if n > 0 {
			d.fail[url] = n - 1
		}
		d.mu.Unlock()
		return nil, models.NewHarvestError(models.ErrCodeDispatch, "failed to create worker context", nil)
	}
	block, inside := d.block, d.inside
	if url == d.hold {
		block = make(chan struct{})
	}
	d.mu.Unlock()

	if inside != nil {
		inside <- url
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	title := url[strings.LastIndex(url, "/")+1:]
	return models.NewRecord(url, map[string]any{"title": title}), nil
}

func (d *fakeDispatcher) urls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

// recordingProgress wraps the memory store and keeps every saved cursor.
type recordingProgress struct {
	*store.Memory
	mu      sync.Mutex
	cursors []models.Cursor
	failErr error
}

func newProgress() *recordingProgress {
	return &recordingProgress{Memory: store.NewMemory()}
}

func (p *recordingProgress) Save(ctx context.Context, st models.State) error {
	p.mu.Lock()
	if p.failErr != nil {
		p.mu.Unlock()
		return p.failErr
	}
	p.cursors = append(p.cursors, st.Progress)
	p.mu.Unlock()
	return p.Memory.Save(ctx, st)
}

func (p *recordingProgress) saved() []models.Cursor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.Cursor(nil), p.cursors...)
}

type staticExtractor struct{ err error }

func (e staticExtractor) Extract(pageURL, _ string) (map[string]any, error) {
	if e.err != nil {
		return nil, e.err
	}
	return map[string]any{"title": "Alpha", "page": pageURL}, nil
}

type captureReporter struct {
	mu      sync.Mutex
	records []models.Record
}

func (r *captureReporter) ReportCompleted(_ context.Context, rec models.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

type finishCall struct {
	state models.State
	info  map[string]any
}

type captureNotifier struct {
	mu    sync.Mutex
	calls []finishCall
}

func (n *captureNotifier) SessionFinished(_ context.Context, st models.State, info map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, finishCall{st, info})
}

func (n *captureNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

func testConfig() config.SessionConfig {
	return config.SessionConfig{
		RecordCap:         100,
		RowsPerPass:       3,
		DispatchTimeout:   time.Second,
		DispatchRetries:   2,
		PaginationTimeout: 500 * time.Millisecond,
		PollInterval:      5 * time.Millisecond,
		SettleDelay:       time.Millisecond,
		ReadyTimeout:      time.Second,
		Marker:            "tiscrape=1",
	}
}

type harness struct {
	view       *fakeView
	changes    *detect.Detector
	progress   *recordingProgress
	dispatcher *fakeDispatcher
	notifier   *captureNotifier
	reporter   *captureReporter
	orch       *Orchestrator
}

func newHarness(cfg config.SessionConfig, view *fakeView, progress *recordingProgress) *harness {
	h := &harness{
		view:       view,
		changes:    pollingDetector(view),
		progress:   progress,
		dispatcher: &fakeDispatcher{fail: map[string]int{}},
		notifier:   &captureNotifier{},
		reporter:   &captureReporter{},
	}
	h.orch = New(cfg, Deps{
		View:       view,
		Changes:    h.changes,
		Progress:   progress,
		Dispatcher: h.dispatcher,
		Extractor:  staticExtractor{},
		Reporter:   h.reporter,
		Notifier:   h.notifier,
	})
	return h
}
