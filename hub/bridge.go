package hub

import (
	"context"
	"fmt"

	"github.com/use-agent/harvest/bus"
	"github.com/use-agent/harvest/models"
)

// busProgress is the Progress of one context: every load and save is a
// request to the coordinator layer, which owns the store.
type busProgress struct {
	b    bus.Bus
	from string
}

func (p busProgress) Load(ctx context.Context) (models.State, error) {
	reply, err := p.b.Request(ctx, bus.NewEnvelope(bus.KindRequestLoadState, p.from, "", nil))
	if err != nil {
		return models.State{}, err
	}
	st, ok := reply.(models.State)
	if !ok {
		return models.State{}, fmt.Errorf("hub: unexpected requestLoadState reply %T", reply)
	}
	return st, nil
}

func (p busProgress) Save(ctx context.Context, st models.State) error {
	_, err := p.b.Request(ctx, bus.NewEnvelope(bus.KindPersistState, p.from, "", models.PersistStateBody{State: st}))
	return err
}

// busReporter reports a detail context's record as workerCompleted.
type busReporter struct {
	b    bus.Bus
	from string
}

func (r busReporter) ReportCompleted(ctx context.Context, rec models.Record) error {
	return r.b.Send(ctx, bus.NewEnvelope(bus.KindWorkerCompleted, r.from, "", models.WorkerCompletedBody{Record: rec}))
}

// listNotifier ships the session report when the list driver finishes.
type listNotifier struct {
	h    *Hub
	from string
}

func (n listNotifier) SessionFinished(ctx context.Context, st models.State, info map[string]any) {
	if st.LastError != "" {
		n.h.activity.add(levelError, fmt.Sprintf("session stopped after %d records: %s", len(st.Records), st.LastError))
	} else {
		n.h.activity.add(levelInfo, fmt.Sprintf("session finished with %d records (%d failed)", len(st.Records), st.Failures()))
	}
	if err := n.h.bus.Send(ctx, bus.NewEnvelope(bus.KindShipLog, n.from, "", models.ShipLogBody{Info: info})); err != nil {
		n.h.activity.add(levelWarn, "report not sent: "+err.Error())
	}
}
