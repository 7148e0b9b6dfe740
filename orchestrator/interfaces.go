package orchestrator

import (
	"context"
	"time"

	"github.com/use-agent/harvest/detect"
	"github.com/use-agent/harvest/models"
)

// View is the rendered page of one execution context.
type View interface {
	// ContextID identifies the execution context on the bus.
	ContextID() string
	// URL returns the current location.
	URL(ctx context.Context) (string, error)
	// RowTexts returns the ordered display texts of the visible list rows,
	// resolved afresh on every call.
	RowTexts(ctx context.Context) ([]string, error)
	// RowLink returns the link of row i, or "" if the row carries none.
	RowLink(ctx context.Context, i int) (string, error)
	// OpenRowInPlace triggers row i, captures the location it navigates to
	// and restores the list view.
	OpenRowInPlace(ctx context.Context, i int) (string, error)
	// HasNext reports whether an enabled next-page control is present.
	HasNext(ctx context.Context) (bool, error)
	// TriggerNext activates the next-page control.
	TriggerNext(ctx context.Context) error
	// WaitReady blocks until the detail layout has rendered.
	WaitReady(ctx context.Context, timeout time.Duration) error
	// HTML snapshots the document.
	HTML(ctx context.Context) (string, error)
}

// Changes is the pending-wait owner of the context. detect.Detector
// implements it.
type Changes interface {
	Wait(ctx context.Context, before []string, timeout time.Duration) (detect.Result, error)
	Cancel()
}

// Progress is the persistence boundary for the session state.
type Progress interface {
	Load(ctx context.Context) (models.State, error)
	Save(ctx context.Context, st models.State) error
}

// Dispatcher acquires the record of one detail URL.
type Dispatcher interface {
	Dispatch(ctx context.Context, url string) (models.Record, error)
}

// Extractor maps a rendered detail view to its fields.
type Extractor interface {
	Extract(pageURL, html string) (map[string]any, error)
}

// Reporter hands a detail record back to whoever dispatched the context.
type Reporter interface {
	ReportCompleted(ctx context.Context, rec models.Record) error
}

// Notifier is told when a session ends, naturally or by failure.
type Notifier interface {
	SessionFinished(ctx context.Context, st models.State, info map[string]any)
}
