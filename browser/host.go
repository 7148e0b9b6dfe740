// Package browser hosts the execution contexts of a session in a Chromium
// instance driven over CDP with go-rod: the list tab, the background detail
// tabs and the lifecycle notifications the coordinator relies on.
package browser

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/ysmood/gson"

	"github.com/use-agent/harvest/config"
	"github.com/use-agent/harvest/models"
)

// LoadFunc is called whenever a tab's main frame finishes a navigation.
// sameDocument is true for history/fragment navigations that kept the
// document alive.
type LoadFunc func(v *View, sameDocument bool)

type tab struct {
	page   *rod.Page
	view   *View
	router *rod.HijackRouter
	stop   context.CancelFunc
}

// Host owns the browser and every tab it opened. It is safe for concurrent
// use.
type Host struct {
	browser   *rod.Browser
	cfg       config.BrowserConfig
	selectors config.SelectorConfig
	settle    time.Duration
	launched  bool
	startTime time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	tabs     map[string]*tab
	onClosed []func(id string)
	onLoad   []LoadFunc
}

// New launches Chromium (or attaches to cfg.ControlURL) and starts watching
// target lifecycle events.
func New(cfg config.BrowserConfig, selectors config.SelectorConfig, settle time.Duration) (*Host, error) {
	controlURL := cfg.ControlURL
	launched := false
	if controlURL == "" {
		u, err := launch(cfg)
		if err != nil {
			return nil, err
		}
		controlURL = u
		launched = true
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, models.NewHarvestError(models.ErrCodeBrowserCrash, "failed to connect to browser", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Host{
		browser:   browser,
		cfg:       cfg,
		selectors: selectors,
		settle:    settle,
		launched:  launched,
		startTime: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		tabs:      make(map[string]*tab),
	}

	if err := (proto.TargetSetDiscoverTargets{Discover: true}).Call(browser); err != nil {
		slog.Warn("target discovery unavailable; external tab closes go unnoticed", "error", err)
	}
	go browser.Context(ctx).EachEvent(func(ev *proto.TargetTargetDestroyed) {
		h.closed(string(ev.TargetID))
	}, func(ev *proto.TargetTargetCrashed) {
		slog.Warn("tab crashed", "context", ev.TargetID, "status", ev.Status)
		h.closed(string(ev.TargetID))
	})()

	return h, nil
}

func launch(cfg config.BrowserConfig) (string, error) {
	l := launcher.New().
		Headless(cfg.Headless).
		NoSandbox(cfg.NoSandbox)

	if cfg.BrowserBin != "" {
		l = l.Bin(cfg.BrowserBin)
	}
	if cfg.DefaultProxy != "" {
		l = l.Proxy(cfg.DefaultProxy)
	}

	// ── Stealth flags ────────────────────────────────────────────────
	l.Set(flags.Flag("disable-blink-features"), "AutomationControlled")
	l.Delete(flags.Flag("enable-automation"))
	// Background tabs must keep running timers and observers.
	l.Set(flags.Flag("disable-renderer-backgrounding"))
	l.Set(flags.Flag("disable-background-timer-throttling"))
	l.Set(flags.Flag("disable-backgrounding-occluded-windows"))
	l.Set(flags.Flag("disable-popup-blocking"))
	l.Set(flags.Flag("disable-dev-shm-usage"))
	l.Set(flags.Flag("no-first-run"))

	controlURL, err := l.Launch()
	if err != nil {
		return "", models.NewHarvestError(models.ErrCodeBrowserCrash, "failed to launch browser", err)
	}
	slog.Info("browser launched", "controlURL", controlURL)
	return controlURL, nil
}

// OnContextClosed registers fn for every destroyed tab, whatever closed it.
func (h *Host) OnContextClosed(fn func(id string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onClosed = append(h.onClosed, fn)
}

// OnLoad registers fn for main-frame navigations of every tab.
func (h *Host) OnLoad(fn LoadFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onLoad = append(h.onLoad, fn)
}

// Open creates a tab. Stealth and request blocking are installed before the
// first navigation so they cover it.
func (h *Host) Open(ctx context.Context, rawURL string, foreground bool) (string, error) {
	page, err := h.browser.Context(ctx).Page(proto.TargetCreateTarget{URL: "about:blank", Background: !foreground})
	if err != nil {
		return "", models.NewHarvestError(models.ErrCodeBrowserCrash, "failed to create tab", err)
	}
	page = page.Context(h.ctx)
	id := string(page.TargetID)

	// ── 1. Stealth injection ──────────────────────────────────────────
	if h.cfg.Stealth {
		if _, err := page.EvalOnNewDocument(stealth.JS); err != nil {
			slog.Warn("stealth injection failed, proceeding without stealth", "context", id, "error", err)
		}
	}

	// ── 2. Resource blocking ──────────────────────────────────────────
	t := &tab{
		page:   page,
		view:   newView(id, page, h.selectors, h.settle),
		router: setupHijack(page, h.cfg.BlockedResourceTypes, h.cfg.BlockAds),
	}

	// ── 3. Lifecycle events ───────────────────────────────────────────
	tabCtx, stop := context.WithCancel(h.ctx)
	t.stop = stop
	h.mu.Lock()
	h.tabs[id] = t
	h.mu.Unlock()
	wait := h.watch(tabCtx, t)
	go wait()

	slog.Debug("tab opened", "context", id, "foreground", foreground)

	if rawURL != "" && rawURL != "about:blank" {
		if err := h.Navigate(ctx, id, rawURL); err != nil {
			_ = h.Close(context.WithoutCancel(ctx), id)
			return "", err
		}
	}
	return id, nil
}

// watch subscribes to main-frame navigations of one tab before returning,
// so a navigation started right after it is not missed. The returned wait
// forwards events until the tab closes.
func (h *Host) watch(ctx context.Context, t *tab) func() {
	return t.page.Context(ctx).EachEvent(func(ev *proto.PageFrameNavigated) {
		if ev.Frame.ParentID != "" || ev.Frame.URL == "about:blank" {
			return
		}
		h.loaded(t.view, false)
	}, func(ev *proto.PageNavigatedWithinDocument) {
		if ev.FrameID != t.page.FrameID {
			return
		}
		h.loaded(t.view, true)
	})
}

func (h *Host) loaded(v *View, sameDocument bool) {
	h.mu.Lock()
	fns := append([]LoadFunc(nil), h.onLoad...)
	h.mu.Unlock()
	for _, fn := range fns {
		// Listeners run the orchestrator, which blocks for a whole cycle.
		go fn(v, sameDocument)
	}
}

// Navigate points tab id at rawURL. The Referer is set to the target's
// origin, as for a link followed from the same site.
func (h *Host) Navigate(ctx context.Context, id, rawURL string) error {
	t, err := h.tab(id)
	if err != nil {
		return err
	}
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		_ = proto.NetworkSetExtraHTTPHeaders{
			Headers: toHeadersMap(map[string]string{"Referer": u.Scheme + "://" + u.Host + "/"}),
		}.Call(t.page)
	}
	if err := t.page.Context(ctx).Navigate(rawURL); err != nil {
		return categorizeError(err, "navigation to target URL failed")
	}
	return nil
}

// Close destroys tab id.
func (h *Host) Close(_ context.Context, id string) error {
	h.mu.Lock()
	t, ok := h.tabs[id]
	h.mu.Unlock()
	if !ok {
		return nil
	}
	if t.router != nil {
		_ = t.router.Stop()
	}
	err := t.page.Close()
	h.closed(id)
	if err != nil && !errors.Is(err, context.Canceled) {
		return models.NewHarvestError(models.ErrCodeBrowserCrash, "failed to close tab", err)
	}
	return nil
}

// View returns the view of an open tab.
func (h *Host) View(id string) (*View, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.tabs[id]
	if !ok {
		return nil, false
	}
	return t.view, true
}

// OpenTabs is the number of tabs the host tracks.
func (h *Host) OpenTabs() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.tabs)
}

// Uptime is the time since the host started.
func (h *Host) Uptime() time.Duration {
	return time.Since(h.startTime)
}

// Shutdown closes every tab, then the browser if this host launched it.
func (h *Host) Shutdown() {
	slog.Info("browser shutting down: closing tabs")
	h.mu.Lock()
	ids := make([]string, 0, len(h.tabs))
	for id := range h.tabs {
		ids = append(ids, id)
	}
	h.mu.Unlock()
	for _, id := range ids {
		_ = h.Close(context.Background(), id)
	}
	h.cancel()
	if h.launched {
		slog.Info("browser shutting down: closing browser")
		if err := h.browser.Close(); err != nil {
			slog.Warn("failed to close browser", "error", err)
		}
	}
	slog.Info("browser shutdown complete")
}

func (h *Host) tab(id string) (*tab, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.tabs[id]
	if !ok {
		return nil, models.NewHarvestError(models.ErrCodeNavigation, "unknown tab "+id, nil)
	}
	return t, nil
}

// closed forgets a tab and notifies listeners once per tab.
func (h *Host) closed(id string) {
	h.mu.Lock()
	t, ok := h.tabs[id]
	delete(h.tabs, id)
	fns := append([]func(string){}, h.onClosed...)
	h.mu.Unlock()
	if !ok {
		return
	}
	t.stop()
	slog.Debug("tab closed", "context", id)
	for _, fn := range fns {
		fn(id)
	}
}

// toHeadersMap converts a plain string map to proto.NetworkHeaders.
func toHeadersMap(headers map[string]string) proto.NetworkHeaders {
	m := make(proto.NetworkHeaders, len(headers))
	for k, v := range headers {
		m[k] = gson.New(v)
	}
	return m
}

// categorizeError maps raw CDP errors onto error codes.
func categorizeError(err error, msg string) *models.HarvestError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return models.NewHarvestError(models.ErrCodeTimeout, msg, err)
	case errors.Is(err, context.Canceled):
		return models.NewHarvestError(models.ErrCodeTimeout, "request canceled", err)
	default:
		return models.NewHarvestError(models.ErrCodeNavigation, msg, err)
	}
}
