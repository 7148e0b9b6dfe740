// Package worker dispatches detail views to isolated browser contexts and
// correlates their reports back to the context that asked for them.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/use-agent/harvest/bus"
	"github.com/use-agent/harvest/models"
)

// ErrUnregistered is returned for completion reports from contexts that
// hold no dispatch ticket.
var ErrUnregistered = errors.New("worker: completion from unregistered context")

// Host is the tab/context lifecycle the coordinator drives.
type Host interface {
	// Open creates a context at url and returns its id.
	Open(ctx context.Context, url string, foreground bool) (string, error)
	// Navigate points an existing context at url.
	Navigate(ctx context.Context, id, url string) error
	// Close destroys a context.
	Close(ctx context.Context, id string) error
	// OnContextClosed registers a callback for every destroyed context,
	// whatever destroyed it.
	OnContextClosed(fn func(id string))
}

// Ticket correlates a worker context with the context that dispatched it.
type Ticket struct {
	WorkerID  string    `json:"worker_id"`
	CallerID  string    `json:"caller_id"`
	TargetURL string    `json:"target_url"`
	Created   time.Time `json:"created"`
}

// Coordinator owns the dispatch tickets. It is safe for concurrent use.
type Coordinator struct {
	host   Host
	bus    bus.Bus
	marker string

	mu      sync.Mutex
	tickets map[string]Ticket
}

// NewCoordinator wires the coordinator to the host's lifecycle notifications.
func NewCoordinator(host Host, b bus.Bus, marker string) *Coordinator {
	c := &Coordinator{
		host:    host,
		bus:     b,
		marker:  marker,
		tickets: make(map[string]Ticket),
	}
	host.OnContextClosed(c.Closed)
	return c
}

// Open creates a background worker context for rawURL on behalf of caller.
// The ticket is registered while the context is still blank, before it is
// pointed at the tagged URL, so a fast worker can never report first.
func (c *Coordinator) Open(ctx context.Context, caller, rawURL string) (models.OpenWorkerReply, error) {
	if caller == "" || rawURL == "" {
		return models.OpenWorkerReply{}, models.NewHarvestError(
			models.ErrCodeDispatch, "missing opener context or url", nil)
	}
	target := TagURL(rawURL, c.marker)

	id, err := c.host.Open(ctx, "about:blank", false)
	if err != nil {
		return models.OpenWorkerReply{}, models.NewHarvestError(
			models.ErrCodeDispatch, "failed to create worker context", err)
	}

	c.mu.Lock()
	c.tickets[id] = Ticket{WorkerID: id, CallerID: caller, TargetURL: target, Created: time.Now()}
	c.mu.Unlock()

	if err := c.host.Navigate(ctx, id, target); err != nil {
		c.drop(id)
		if closeErr := c.host.Close(context.WithoutCancel(ctx), id); closeErr != nil {
			slog.Warn("failed to close worker after navigation error", "worker", id, "error", closeErr)
		}
		return models.OpenWorkerReply{}, models.NewHarvestError(
			models.ErrCodeDispatch, "failed to navigate worker context", err)
	}

	slog.Debug("worker opened", "worker", id, "caller", caller, "url", target)
	return models.OpenWorkerReply{WorkerID: id, TargetURL: target}, nil
}

// Complete consumes the worker's ticket, relays the record to the opener
// and closes the worker. Reports from contexts without a ticket are never
// acted upon.
func (c *Coordinator) Complete(ctx context.Context, workerID string, rec models.Record) error {
	c.mu.Lock()
	t, ok := c.tickets[workerID]
	delete(c.tickets, workerID)
	c.mu.Unlock()

	if !ok {
		slog.Warn("workerCompleted from untracked context; ignoring", "context", workerID)
		return ErrUnregistered
	}

	relay := bus.NewEnvelope(bus.KindRelayToOpener, workerID, t.CallerID, models.RelayBody{
		WorkerID: workerID,
		URL:      t.TargetURL,
		Record:   rec,
	})
	if err := c.bus.Send(ctx, relay); err != nil {
		slog.Warn("failed to relay worker record", "worker", workerID, "caller", t.CallerID, "error", err)
	}

	// Close after relaying, regardless of whether the relay was delivered.
	if err := c.host.Close(context.WithoutCancel(ctx), workerID); err != nil {
		slog.Warn("failed to close worker context", "worker", workerID, "error", err)
	}
	return nil
}

// Closed drops the ticket of a destroyed context.
func (c *Coordinator) Closed(id string) {
	if c.drop(id) {
		slog.Debug("ticket dropped on context close", "worker", id)
	}
}

// Ticket returns the ticket of a live worker.
func (c *Coordinator) Ticket(id string) (Ticket, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tickets[id]
	return t, ok
}

// Tickets returns the outstanding tickets, oldest first.
func (c *Coordinator) Tickets() []Ticket {
	c.mu.Lock()
	out := make([]Ticket, 0, len(c.tickets))
	for _, t := range c.tickets {
		out = append(out, t)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out
}

// InFlight is the number of outstanding tickets.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tickets)
}

func (c *Coordinator) drop(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.tickets[id]
	delete(c.tickets, id)
	return ok
}
