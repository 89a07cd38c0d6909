package auth

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryCacheSetGetDel(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))

	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v"), got)

	got, err = c.GetDel(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v"), got)

	_, err = c.GetDel(ctx, "k")
	require.ErrorIs(t, err, ErrStateNotFound)
}

func TestMemoryCacheTTL(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), -time.Second))
	_, err := c.GetDel(ctx, "k")
	require.ErrorIs(t, err, ErrStateNotFound)
}

func TestMemoryCacheBound(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()
	c.max = 10

	for i := 0; i < 25; i++ {
		require.NoError(t, c.Set(ctx, fmt.Sprintf("k%d", i), []byte("v"), time.Minute))
	}

	c.mu.Lock()
	n := len(c.entries)
	c.mu.Unlock()
	require.LessOrEqual(t, n, 10)
}

func TestStateStoreDistinguishesMissingFromExpired(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache()
	states := NewStateStore(cache)
	states.ttl = -time.Second // logical expiry already in the past

	require.NoError(t, states.Put(ctx, "s1", OAuth2State{CodeVerifier: "v1"}))

	_, err := states.Take(ctx, "s1")
	require.ErrorIs(t, err, ErrStateExpired)

	_, err = states.Take(ctx, "never-stored")
	require.ErrorIs(t, err, ErrStateNotFound)
}

func TestStateStoreSingleUse(t *testing.T) {
	ctx := context.Background()
	states := NewStateStore(NewMemoryCache())

	state := OAuth2State{
		CodeVerifier: "v1",
		RedirectURL:  "https://rise.dev/dash",
		ProjectName:  "app",
		FlowType:     "ingress",
	}
	require.NoError(t, states.Put(ctx, "s1", state))

	got, err := states.Take(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, state, *got)

	_, err = states.Take(ctx, "s1")
	require.ErrorIs(t, err, ErrStateNotFound)
}

func TestCompletedAuthStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	completed := NewCompletedAuthStore(NewMemoryCache())

	session := CompletedAuthSession{PlatformToken: "p", IngressToken: "i", RedirectURL: "/"}
	require.NoError(t, completed.Put(ctx, "t1", session))

	got, err := completed.Take(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, session, *got)

	_, err = completed.Take(ctx, "t1")
	require.ErrorIs(t, err, ErrStateNotFound)
}
