package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/use-agent/harvest/bus"
	"github.com/use-agent/harvest/models"
)

// DefaultTimeout bounds one dispatch round trip.
const DefaultTimeout = 2 * time.Minute

// Client dispatches detail URLs on behalf of one list context.
type Client struct {
	bus       bus.Bus
	contextID string
	timeout   time.Duration
}

// NewClient creates a dispatcher for the list context contextID.
func NewClient(b bus.Bus, contextID string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{bus: b, contextID: contextID, timeout: timeout}
}

// Dispatch opens a worker for url and waits for its record.
//
// A worker that never reports within the timeout yields an error record
// carrying url and a nil error; the row is still done. A failure to open
// the worker returns an error and no record.
func (c *Client) Dispatch(ctx context.Context, url string) (models.Record, error) {
	// Subscribe before opening so the relay can't outrun us.
	relays, unsubscribe := c.bus.Subscribe(bus.KindRelayToOpener, c.contextID)
	defer unsubscribe()

	reply, err := c.bus.Request(ctx, bus.NewEnvelope(bus.KindOpenWorkerFor, c.contextID, "", models.OpenWorkerBody{URL: url}))
	if err != nil {
		var he *models.HarvestError
		if errors.As(err, &he) {
			return nil, err
		}
		return nil, models.NewHarvestError(models.ErrCodeDispatch, "openWorkerFor failed", err)
	}
	opened, ok := reply.(models.OpenWorkerReply)
	if !ok {
		return nil, models.NewHarvestError(models.ErrCodeDispatch,
			fmt.Sprintf("unexpected openWorkerFor reply %T", reply), nil)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	for {
		select {
		case env, open := <-relays:
			if !open {
				return nil, models.NewHarvestError(models.ErrCodeDispatch, "relay subscription closed", nil)
			}
			body, ok := env.Body.(models.RelayBody)
			if !ok || body.WorkerID != opened.WorkerID {
				slog.Debug("ignoring relay for another worker", "context", c.contextID, "worker", env.From)
				continue
			}
			return body.Record, nil
		case <-timer.C:
			slog.Warn("detail scrape timeout", "context", c.contextID, "worker", opened.WorkerID, "url", url)
			return models.ErrorRecord(url, models.NewHarvestError(models.ErrCodeTimeout, "detail scrape timeout", nil)), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
