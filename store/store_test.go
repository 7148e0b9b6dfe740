package store

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/use-agent/harvest/config"
	"github.com/use-agent/harvest/models"
)

// exerciseStore runs the contract every backend must satisfy.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	st, err := s.Load(ctx)
	require.NoError(t, err)
	assert.False(t, st.Running)
	assert.Equal(t, models.Cursor{}, st.Progress)
	assert.NotNil(t, st.Records)
	assert.Empty(t, st.Records)

	want := models.NewSessionState("sess-1", "https://example.com/list")
	want.Records = append(want.Records,
		models.NewRecord("https://example.com/d/1", map[string]any{"title": "one"}),
		models.ErrorRecord("https://example.com/d/2", errors.New("Detail scrape timeout")),
	)
	want.Progress = models.Cursor{Page: 1, Row: 2}
	require.NoError(t, s.Save(ctx, want))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.True(t, got.Running)
	assert.Equal(t, models.Cursor{Page: 1, Row: 2}, got.Progress)
	assert.Equal(t, "sess-1", got.SessionID)
	require.Len(t, got.Records, 2)
	assert.Equal(t, "one", got.Records[0]["title"])
	assert.Equal(t, "https://example.com/d/2", got.Records[1].URL())
	assert.True(t, got.Records[1].Failed())
	assert.NotZero(t, got.UpdatedAt)

	want.Running = false
	require.NoError(t, s.Save(ctx, want))
	got, err = s.Load(ctx)
	require.NoError(t, err)
	assert.False(t, got.Running)

	assert.NoError(t, s.Ping(ctx))
}

func TestMemory(t *testing.T) {
	m := NewMemory()
	exerciseStore(t, m)
	assert.Equal(t, 2, m.Saves())
}

func TestRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisWithClient(rdb, "test:state")
	defer s.Close()

	exerciseStore(t, s)
	assert.True(t, mr.Exists("test:state"))
}

func TestRedis_Unavailable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	s := NewRedis(addr, "")
	defer s.Close()

	_, err = s.Load(context.Background())
	var he *models.HarvestError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, models.ErrCodeStoreUnavailable, he.Code)
}

func TestBadger_InMemory(t *testing.T) {
	s, err := OpenBadgerInMemory("")
	require.NoError(t, err)
	defer s.Close()

	exerciseStore(t, s)
}

func TestBadger_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := OpenBadger(dir, "k")
	require.NoError(t, err)
	st := models.NewSessionState("sess-2", "https://example.com/list")
	st.Progress.Row = 4
	require.NoError(t, s.Save(ctx, st))
	require.NoError(t, s.Close())

	s, err = OpenBadger(dir, "k")
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, got.Progress.Row)
	assert.True(t, got.Running)
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open(config.StoreConfig{Backend: "etcd"})
	assert.Error(t, err)

	s, err := Open(config.StoreConfig{Backend: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)
}
