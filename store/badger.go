package store

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/timshannon/badgerhold/v4"
	"github.com/use-agent/harvest/models"
)

// stateDoc is the badgerhold record. The state itself is kept as JSON so
// the opaque record fields never go through gob.
type stateDoc struct {
	Key     string
	Payload []byte
}

// Badger persists the state in an embedded Badger database.
type Badger struct {
	store *badgerhold.Store
	key   string
}

// OpenBadger opens (or creates) the database directory at path.
func OpenBadger(path, key string) (*Badger, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, unavailable("create store directory", err)
	}

	options := badgerhold.DefaultOptions
	options.Dir = path
	options.ValueDir = path
	options.Logger = nil

	return openBadger(options, key)
}

// OpenBadgerInMemory opens a non-durable database, used by tests and the CLI
// dry runs.
func OpenBadgerInMemory(key string) (*Badger, error) {
	options := badgerhold.DefaultOptions
	options.Dir = ""
	options.ValueDir = ""
	options.InMemory = true
	options.Logger = nil

	return openBadger(options, key)
}

func openBadger(options badgerhold.Options, key string) (*Badger, error) {
	if key == "" {
		key = "harvest:state"
	}
	s, err := badgerhold.Open(options)
	if err != nil {
		return nil, unavailable(fmt.Sprintf("open badger database %q", options.Dir), err)
	}
	return &Badger{store: s, key: key}, nil
}

func (b *Badger) Save(_ context.Context, st models.State) error {
	data, err := encode(st)
	if err != nil {
		return unavailable("encode state", err)
	}
	if err := b.store.Upsert(b.key, stateDoc{Key: b.key, Payload: data}); err != nil {
		return unavailable("badger upsert failure", err)
	}
	return nil
}

func (b *Badger) Load(_ context.Context) (models.State, error) {
	var doc stateDoc
	err := b.store.Get(b.key, &doc)
	if errors.Is(err, badgerhold.ErrNotFound) {
		return models.DefaultState(), nil
	}
	if err != nil {
		return models.DefaultState(), unavailable("badger get failure", err)
	}
	st, err := decode(doc.Payload)
	if err != nil {
		return st, unavailable("decode state", err)
	}
	return st, nil
}

func (b *Badger) Ping(context.Context) error {
	if b.store.Badger().IsClosed() {
		return unavailable("badger database closed", nil)
	}
	return nil
}

func (b *Badger) Close() error {
	return b.store.Close()
}
