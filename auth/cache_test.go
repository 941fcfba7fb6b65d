package auth

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ground-x/blmsg/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryGetAuthorizedPrincipalMissFreshHit(t *testing.T) {
	authorize := func(ctx context.Context, token string) (*Principal, error) {
		return &Principal{Subject: "alice"}, nil
	}
	c := NewRestCache("bearer", 16, authorize, time.Minute, time.Second)

	_, ok := c.TryGetAuthorizedPrincipal("tok")
	assert.False(t, ok)

	p, err := c.Update(context.Background(), "tok", nil)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Subject)

	cached, ok := c.TryGetAuthorizedPrincipal("tok")
	require.True(t, ok)
	assert.Equal(t, "alice", cached.Subject)
}

func TestFreshnessWindowExpiry(t *testing.T) {
	authorize := func(ctx context.Context, token string) (*Principal, error) {
		return &Principal{Subject: "alice"}, nil
	}
	c := NewRestCache("bearer", 16, authorize, 10*time.Millisecond, time.Second)
	_, err := c.Update(context.Background(), "tok", nil)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	_, ok := c.TryGetAuthorizedPrincipal("tok")
	assert.False(t, ok)
}

func TestUpdateFailureCachesNegativelyAndReturnsError(t *testing.T) {
	authorize := func(ctx context.Context, token string) (*Principal, error) {
		return nil, errs.New(errs.CodeAuthorizationFailed, "bad token")
	}
	c := NewRestCache("bearer", 16, authorize, time.Minute, time.Minute)

	_, err := c.Update(context.Background(), "tok", nil)
	require.Error(t, err)

	_, ok := c.TryGetAuthorizedPrincipal("tok")
	assert.False(t, ok)
}

func TestTryUpdateReturnsFalseOnFailure(t *testing.T) {
	authorize := func(ctx context.Context, token string) (*Principal, error) {
		return nil, errs.New(errs.CodeAuthorizationFailed, "bad token")
	}
	c := NewRestCache("bearer", 16, authorize, time.Minute, time.Minute)
	_, ok := c.TryUpdate(context.Background(), "tok", nil)
	assert.False(t, ok)
}

func TestConcurrentUpdatesSingleFlight(t *testing.T) {
	var calls int32
	authorize := func(ctx context.Context, token string) (*Principal, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return &Principal{Subject: "alice"}, nil
	}
	c := NewRestCache("bearer", 16, authorize, time.Minute, time.Minute)

	const n = 10
	var wg sync.WaitGroup
	results := make([]*Principal, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := c.Update(context.Background(), "shared-token", nil)
			require.NoError(t, err)
			results[i] = p
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, p := range results {
		require.NotNil(t, p)
		assert.Equal(t, "alice", p.Subject)
	}
}

func TestEvictRemovesEntryImmediately(t *testing.T) {
	authorize := func(ctx context.Context, token string) (*Principal, error) {
		return &Principal{Subject: "alice"}, nil
	}
	c := NewRestCache("bearer", 16, authorize, time.Minute, time.Minute)
	_, _ = c.Update(context.Background(), "tok", nil)
	c.Evict("tok")
	_, ok := c.TryGetAuthorizedPrincipal("tok")
	assert.False(t, ok)
}
