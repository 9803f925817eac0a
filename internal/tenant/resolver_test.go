package tenant

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/chatflow/internal/model"
	"github.com/capitalize-ai/chatflow/internal/store"
)

type countingLookup struct {
	mu    sync.Mutex
	calls map[string]int
	inner *store.MemoryStore
}

func (l *countingLookup) GetInstance(ctx context.Context, key string) (*model.Instance, error) {
	l.mu.Lock()
	l.calls[key]++
	l.mu.Unlock()
	return l.inner.GetInstance(ctx, key)
}

func newLookup() *countingLookup {
	mem := store.NewMemoryStore()
	mem.PutInstance(model.Instance{Key: "acme-main", ID: "inst-1", TenantID: "acme", Channel: model.ChannelIndividual})
	return &countingLookup{calls: map[string]int{}, inner: mem}
}

func TestResolveCachesHits(t *testing.T) {
	lookup := newLookup()
	r := NewResolver(lookup)

	for i := 0; i < 3; i++ {
		inst, err := r.Resolve(context.Background(), "acme-main")
		require.NoError(t, err)
		assert.Equal(t, "acme", inst.TenantID)
		assert.Equal(t, "inst-1", inst.ID)
	}
	assert.Equal(t, 1, lookup.calls["acme-main"])
	assert.Equal(t, 1, r.Len())
}

func TestResolveDoesNotCacheMisses(t *testing.T) {
	lookup := newLookup()
	r := NewResolver(lookup)

	_, err := r.Resolve(context.Background(), "ghost")
	require.ErrorIs(t, err, ErrUnknownInstance)
	_, err = r.Resolve(context.Background(), "ghost")
	require.ErrorIs(t, err, ErrUnknownInstance)

	assert.Equal(t, 2, lookup.calls["ghost"])
	assert.Equal(t, 0, r.Len())
}

func TestResolveEmptyKey(t *testing.T) {
	r := NewResolver(newLookup())
	_, err := r.Resolve(context.Background(), "")
	assert.ErrorIs(t, err, ErrUnknownInstance)
}

func TestClearForcesReload(t *testing.T) {
	lookup := newLookup()
	r := NewResolver(lookup)

	_, err := r.Resolve(context.Background(), "acme-main")
	require.NoError(t, err)
	assert.Equal(t, 1, r.Clear())
	assert.Equal(t, 0, r.Len())

	_, err = r.Resolve(context.Background(), "acme-main")
	require.NoError(t, err)
	assert.Equal(t, 2, lookup.calls["acme-main"])
}

func TestResolveConcurrent(t *testing.T) {
	r := NewResolver(newLookup())

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inst, err := r.Resolve(context.Background(), "acme-main")
			assert.NoError(t, err)
			assert.Equal(t, "acme", inst.TenantID)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, r.Len())
}
