package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"

	"github.com/use-agent/harvest/config"
	"github.com/use-agent/harvest/detect"
)

// clickTimeout bounds locating and clicking one control.
const clickTimeout = 10 * time.Second

// errRowMissing is returned when a row index no longer resolves.
var errRowMissing = errors.New("browser: row not found")

// View is the rendered page of one tab. Every DOM read re-queries the
// document; no element handles are kept between calls.
type View struct {
	id     string
	page   *rod.Page
	sel    config.SelectorConfig
	settle time.Duration
}

func newView(id string, page *rod.Page, sel config.SelectorConfig, settle time.Duration) *View {
	return &View{id: id, page: page, sel: sel, settle: settle}
}

// ContextID is the CDP target id of the tab.
func (v *View) ContextID() string { return v.id }

// URL returns window.location.href.
func (v *View) URL(ctx context.Context) (string, error) {
	res, err := v.eval(ctx, `() => window.location.href`)
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}

// RowTexts returns the trimmed innerText of every row, in document order.
func (v *View) RowTexts(ctx context.Context) ([]string, error) {
	res, err := v.eval(ctx, `(sel) => Array.from(document.querySelectorAll(sel), n => (n.innerText || '').trim())`, v.sel.Row)
	if err != nil {
		return nil, err
	}
	items := res.Value.Arr()
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = item.Str()
	}
	return out, nil
}

// RowLink returns the href of the anchor enclosing row i, or "".
func (v *View) RowLink(ctx context.Context, i int) (string, error) {
	res, err := v.eval(ctx, `(sel, i) => {
		const n = document.querySelectorAll(sel)[i];
		if (!n) return null;
		const a = n.closest('a');
		return a ? a.href : '';
	}`, v.sel.Row, i)
	if err != nil {
		return "", err
	}
	if res.Value.Nil() {
		return "", fmt.Errorf("%w: index %d", errRowMissing, i)
	}
	return res.Value.Str(), nil
}

// OpenRowInPlace clicks row i, reads the location it navigated to and goes
// back to the list. Each step is followed by the navigation settle delay.
func (v *View) OpenRowInPlace(ctx context.Context, i int) (string, error) {
	before, err := v.URL(ctx)
	if err != nil {
		return "", err
	}
	res, err := v.eval(ctx, `(sel, i) => {
		const n = document.querySelectorAll(sel)[i];
		if (!n) return false;
		n.click();
		return true;
	}`, v.sel.Row, i)
	if err != nil {
		return "", err
	}
	if !res.Value.Bool() {
		return "", fmt.Errorf("%w: index %d", errRowMissing, i)
	}
	if err := sleep(ctx, v.settle); err != nil {
		return "", err
	}

	target, err := v.URL(ctx)
	if err != nil {
		return "", err
	}
	if target == before {
		return "", fmt.Errorf("browser: row %d click did not navigate", i)
	}

	if _, err := v.eval(ctx, `() => window.history.back()`); err != nil {
		return "", err
	}
	if err := sleep(ctx, v.settle); err != nil {
		return "", err
	}
	return target, nil
}

// HasNext reports whether an enabled next-page control exists.
func (v *View) HasNext(ctx context.Context) (bool, error) {
	res, err := v.eval(ctx, `(sel) => {
		const n = document.querySelector(sel);
		return !!n && !n.disabled && n.getAttribute('aria-disabled') !== 'true';
	}`, v.sel.Next)
	if err != nil {
		return false, err
	}
	return res.Value.Bool(), nil
}

// TriggerNext clicks the next-page control.
func (v *View) TriggerNext(ctx context.Context) error {
	clickCtx, cancel := context.WithTimeout(ctx, clickTimeout)
	defer cancel()

	el, err := v.page.Context(clickCtx).Element(v.sel.Next)
	if err != nil {
		return fmt.Errorf("element %q not found: %w", v.sel.Next, err)
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

// WaitReady blocks until the ready selector matches.
func (v *View) WaitReady(ctx context.Context, timeout time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := v.page.Context(waitCtx).WaitElementsMoreThan(v.sel.Ready, 0); err != nil {
		return categorizeError(err, fmt.Sprintf("Timeout: %s not found", v.sel.Ready))
	}
	return nil
}

// HTML snapshots the rendered document.
func (v *View) HTML(ctx context.Context) (string, error) {
	html, err := v.page.Context(ctx).HTML()
	if err != nil {
		return "", categorizeError(err, "failed to extract page HTML")
	}
	return html, nil
}

// observeJS resolves true on the first structural mutation of the scope's
// element and false when disconnected through the token registry.
const observeJS = `(containerSel, scope, token) => new Promise((resolve, reject) => {
	const container = document.querySelector(containerSel);
	const target = scope === 'parent' ? (container && container.parentElement) : container;
	if (!target) { reject(new Error('no ' + scope + ' element')); return; }
	const reg = (window.__harvestObservers = window.__harvestObservers || {});
	const obs = new MutationObserver(() => { obs.disconnect(); delete reg[token]; resolve(true); });
	reg[token] = () => { obs.disconnect(); delete reg[token]; resolve(false); };
	if (scope === 'parent') {
		obs.observe(target, { childList: true });
	} else {
		obs.observe(target, { childList: true, subtree: true, characterData: true });
	}
})`

const disconnectJS = `(token) => {
	const reg = window.__harvestObservers;
	if (reg && reg[token]) reg[token]();
}`

// ObserveMutation implements detect.Observer. The in-page observer is
// disconnected before it returns, whichever way the wait ended.
func (v *View) ObserveMutation(ctx context.Context, scope detect.Scope) error {
	token := uuid.NewString()
	res, err := v.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           observeJS,
		JSArgs:       []interface{}{v.sel.Container, scope.String(), token},
		ByValue:      true,
		AwaitPromise: true,
	})
	if ctx.Err() != nil {
		// The promise is still pending in the page.
		_, _ = v.page.Context(context.Background()).Timeout(time.Second).Evaluate(&rod.EvalOptions{
			JS:     disconnectJS,
			JSArgs: []interface{}{token},
		})
		return ctx.Err()
	}
	if err != nil {
		return err
	}
	if !res.Value.Bool() {
		return errors.New("browser: observer disconnected")
	}
	return nil
}

// Changes builds the change detector of this view: container and parent
// mutation channels plus polling every poll.
func (v *View) Changes(poll time.Duration) *detect.Detector {
	sources := append(detect.MutationSources(v, time.Second), detect.PollSource(poll))
	return detect.NewDetector(v.RowTexts, sources...)
}

func (v *View) eval(ctx context.Context, js string, args ...interface{}) (*proto.RuntimeRemoteObject, error) {
	res, err := v.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           js,
		JSArgs:       args,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return nil, categorizeError(err, "page evaluation failed")
	}
	return res, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
