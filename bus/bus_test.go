package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingMirror struct {
	mu   sync.Mutex
	seen []Kind
}

func (m *recordingMirror) Publish(env Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen = append(m.seen, env.Kind)
	return nil
}

func TestRequest_ReturnsHandlerReply(t *testing.T) {
	b := NewLocal(nil)
	b.Handle(KindRequestLoadState, func(_ context.Context, env Envelope) (any, error) {
		return "state-for-" + env.From, nil
	})

	reply, err := b.Request(context.Background(), NewEnvelope(KindRequestLoadState, "tab-1", "", nil))
	require.NoError(t, err)
	assert.Equal(t, "state-for-tab-1", reply)
}

func TestRequest_Errors(t *testing.T) {
	b := NewLocal(nil)

	_, err := b.Request(context.Background(), NewEnvelope(KindOpenWorkerFor, "tab-1", "", nil))
	assert.ErrorIs(t, err, ErrNoHandler)

	_, err = b.Request(context.Background(), NewEnvelope(Kind("reloadEverything"), "tab-1", "", nil))
	assert.ErrorIs(t, err, ErrUnknownKind)

	b.Handle(KindOpenWorkerFor, func(context.Context, Envelope) (any, error) {
		return nil, errors.New("tab refused")
	})
	_, err = b.Request(context.Background(), NewEnvelope(KindOpenWorkerFor, "tab-1", "", nil))
	assert.EqualError(t, err, "tab refused")
}

func TestSend_DeliversToAddressedSubscriberOnly(t *testing.T) {
	b := NewLocal(nil)

	mine, cancelMine := b.Subscribe(KindRelayToOpener, "tab-1")
	defer cancelMine()
	other, cancelOther := b.Subscribe(KindRelayToOpener, "tab-2")
	defer cancelOther()
	all, cancelAll := b.Subscribe(KindRelayToOpener, "")
	defer cancelAll()

	require.NoError(t, b.Send(context.Background(), NewEnvelope(KindRelayToOpener, "", "tab-1", "payload")))

	select {
	case env := <-mine:
		assert.Equal(t, "payload", env.Body)
	case <-time.After(time.Second):
		t.Fatal("addressed subscriber did not receive")
	}
	select {
	case <-all:
	case <-time.After(time.Second):
		t.Fatal("wildcard subscriber did not receive")
	}
	select {
	case env := <-other:
		t.Fatalf("unexpected delivery to tab-2: %+v", env)
	default:
	}
}

func TestSend_RunsHandlerAsyncAndMirrors(t *testing.T) {
	m := &recordingMirror{}
	b := NewLocal(m)

	done := make(chan string, 1)
	b.Handle(KindShipLog, func(ctx context.Context, env Envelope) (any, error) {
		done <- env.From
		return nil, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, b.Send(ctx, NewEnvelope(KindShipLog, "tab-9", "", nil)))
	cancel()
	b.Wait()

	assert.Equal(t, "tab-9", <-done)
	assert.Equal(t, []Kind{KindShipLog}, m.seen)
}

func TestSend_UnknownKind(t *testing.T) {
	b := NewLocal(nil)
	assert.ErrorIs(t, b.Send(context.Background(), NewEnvelope(Kind("x"), "", "", nil)), ErrUnknownKind)
}

func TestSubscribe_CancelClosesChannel(t *testing.T) {
	b := NewLocal(nil)
	ch, cancel := b.Subscribe(KindStopSession, "tab-1")
	cancel()
	cancel() // idempotent

	_, open := <-ch
	assert.False(t, open)

	// Sending after unsubscribe must not panic.
	assert.NoError(t, b.Send(context.Background(), NewEnvelope(KindStopSession, "", "tab-1", nil)))
}

func TestSubjectFor(t *testing.T) {
	assert.Equal(t, "harvest.events.shipLog", SubjectFor("harvest.events", KindShipLog))
}
