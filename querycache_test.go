package timefork

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSpec(t *testing.T, index string, value int64) SearchSpec {
	spec, err := NewLongSearch(index, Equals, value)
	require.NoError(t, err)
	return spec
}

func TestGetOrComputeIdempotence(t *testing.T) {
	qc := NewQueryCache(16, true)
	spec := testSpec(t, "age", 30)
	var computed atomic.Int64
	compute := func() (IdentifierSet, error) {
		computed.Add(1)
		return IdentifierSet{{Branch: "master", Keyspace: "default", Key: "alice", Timestamp: 100}: {}}, nil
	}

	first, err := qc.GetOrCompute(150, "master", spec, compute)
	require.NoError(t, err)
	second, err := qc.GetOrCompute(150, "master", spec, compute)
	require.NoError(t, err)

	assert.Equal(t, int64(1), computed.Load(), "identical key computes exactly once")
	assert.Equal(t, first, second)
	assert.Equal(t, uint64(1), qc.Stats().Hits)
	assert.Equal(t, uint64(1), qc.Stats().Misses)
}

func TestDistinctKeysComputeIndependently(t *testing.T) {
	qc := NewQueryCache(16, false)
	var computed atomic.Int64
	compute := func() (IdentifierSet, error) {
		computed.Add(1)
		return IdentifierSet{}, nil
	}

	_, err := qc.GetOrCompute(150, "master", testSpec(t, "age", 30), compute)
	require.NoError(t, err)
	_, err = qc.GetOrCompute(151, "master", testSpec(t, "age", 30), compute)
	require.NoError(t, err)
	_, err = qc.GetOrCompute(150, "feature", testSpec(t, "age", 30), compute)
	require.NoError(t, err)
	_, err = qc.GetOrCompute(150, "master", testSpec(t, "age", 31), compute)
	require.NoError(t, err)

	assert.Equal(t, int64(4), computed.Load())
}

func TestEvictionBound(t *testing.T) {
	qc := NewQueryCache(2, true)
	compute := func() (IdentifierSet, error) { return IdentifierSet{}, nil }

	for ts := uint64(1); ts <= 3; ts++ {
		_, err := qc.GetOrCompute(ts, "master", testSpec(t, "age", 30), compute)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, qc.Len(), "capacity bound holds")
	assert.Equal(t, uint64(1), qc.Stats().Evictions, "exactly the LRU entry left")

	// the oldest key recomputes, the two recent ones do not
	var computed atomic.Int64
	counting := func() (IdentifierSet, error) {
		computed.Add(1)
		return IdentifierSet{}, nil
	}
	_, err := qc.GetOrCompute(2, "master", testSpec(t, "age", 30), counting)
	require.NoError(t, err)
	_, err = qc.GetOrCompute(3, "master", testSpec(t, "age", 30), counting)
	require.NoError(t, err)
	_, err = qc.GetOrCompute(1, "master", testSpec(t, "age", 30), counting)
	require.NoError(t, err)
	assert.Equal(t, int64(1), computed.Load())
}

func TestComputeFailureIsNotCached(t *testing.T) {
	qc := NewQueryCache(16, false)
	spec := testSpec(t, "age", 30)
	boom := errors.New("store down")

	_, err := qc.GetOrCompute(150, "master", spec, func() (IdentifierSet, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, qc.Len())

	set, err := qc.GetOrCompute(150, "master", spec, func() (IdentifierSet, error) {
		return IdentifierSet{}, nil
	})
	require.NoError(t, err, "a retry after failure recomputes")
	assert.NotNil(t, set)
}

func TestConcurrentCallersShareOneComputation(t *testing.T) {
	qc := NewQueryCache(16, false)
	spec := testSpec(t, "age", 30)
	var computed atomic.Int64
	compute := func() (IdentifierSet, error) {
		computed.Add(1)
		time.Sleep(10 * time.Millisecond)
		return IdentifierSet{{Branch: "master", Keyspace: "default", Key: "alice", Timestamp: 1}: {}}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			set, err := qc.GetOrCompute(150, "master", spec, compute)
			assert.NoError(t, err)
			assert.Len(t, set, 1)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), computed.Load(), "in-flight computation is shared")
}

func TestDelimiterLookingSpecsComputeIndependently(t *testing.T) {
	qc := NewQueryCache(16, false)
	spec1, err := NewTextSearch("a", Equals, MatchStrict, "b = c")
	require.NoError(t, err)
	spec2, err := NewTextSearch("a = b", Equals, MatchStrict, "c")
	require.NoError(t, err)
	assert.NotEqual(t,
		flightKey(QueryCacheKey{Timestamp: 150, Branch: "master", Spec: spec1}),
		flightKey(QueryCacheKey{Timestamp: 150, Branch: "master", Spec: spec2}))

	// with spec1's computation in flight, spec2 must not join it
	started := make(chan struct{})
	release := make(chan struct{})
	set1 := IdentifierSet{{Branch: "master", Keyspace: "default", Key: "one", Timestamp: 1}: {}}
	set2 := IdentifierSet{{Branch: "master", Keyspace: "default", Key: "two", Timestamp: 2}: {}}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		set, err := qc.GetOrCompute(150, "master", spec1, func() (IdentifierSet, error) {
			close(started)
			<-release
			return set1, nil
		})
		assert.NoError(t, err)
		assert.Equal(t, set1, set)
	}()
	<-started
	set, err := qc.GetOrCompute(150, "master", spec2, func() (IdentifierSet, error) {
		return set2, nil
	})
	require.NoError(t, err)
	assert.Equal(t, set2, set)
	close(release)
	wg.Wait()
}

func TestLexicallyEqualValuesOfDifferentKinds(t *testing.T) {
	text, err := NewTextSearch("v", Equals, MatchStrict, "42")
	require.NoError(t, err)
	long := testSpec(t, "v", 42)
	assert.NotEqual(t,
		flightKey(QueryCacheKey{Timestamp: 1, Branch: "master", Spec: text}),
		flightKey(QueryCacheKey{Timestamp: 1, Branch: "master", Spec: long}))
}

func TestClearDiscardsInFlightResults(t *testing.T) {
	qc := NewQueryCache(16, false)
	spec := testSpec(t, "age", 30)
	started := make(chan struct{})
	release := make(chan struct{})
	stale := IdentifierSet{{Branch: "master", Keyspace: "default", Key: "stale", Timestamp: 1}: {}}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := qc.GetOrCompute(150, "master", spec, func() (IdentifierSet, error) {
			close(started)
			<-release
			return stale, nil
		})
		assert.NoError(t, err)
	}()
	<-started
	qc.Clear()
	close(release)
	wg.Wait()
	assert.Equal(t, 0, qc.Len(), "a result computed before the clear is not installed")

	var computed atomic.Int64
	set, err := qc.GetOrCompute(150, "master", spec, func() (IdentifierSet, error) {
		computed.Add(1)
		return IdentifierSet{}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), computed.Load(), "the key recomputes after the clear")
	assert.Empty(t, set)
}

func TestNegativeSizesClamped(t *testing.T) {
	qc := NewQueryCache(-1, false)
	_, err := qc.GetOrCompute(150, "master", testSpec(t, "age", 30), func() (IdentifierSet, error) {
		return IdentifierSet{}, nil
	})
	require.NoError(t, err)

	opts := Options{CacheMaxSize: -5, QueryCacheMaxSize: -5}
	opts.SetDefaults()
	assert.Equal(t, 100_000, opts.CacheMaxSize)
	assert.Equal(t, 10_000, opts.QueryCacheMaxSize)
}

func TestClear(t *testing.T) {
	qc := NewQueryCache(16, true)
	spec := testSpec(t, "age", 30)
	var computed atomic.Int64
	compute := func() (IdentifierSet, error) {
		computed.Add(1)
		return IdentifierSet{}, nil
	}

	_, err := qc.GetOrCompute(150, "master", spec, compute)
	require.NoError(t, err)
	qc.Clear()
	assert.Equal(t, 0, qc.Len())
	assert.Equal(t, uint64(0), qc.Stats().Evictions, "purge is not an eviction")

	_, err = qc.GetOrCompute(150, "master", spec, compute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), computed.Load())
}
