package vector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/cogmem/internal/config"
	"github.com/lazypower/cogmem/internal/memerr"
)

func TestCapacityWithoutEviction(t *testing.T) {
	s, _ := testStore(t, func(c *config.VectorConfig) {
		c.HotCapacity = 2
		c.Eviction = "none"
	})
	require.NoError(t, s.Add("a", []float32{1, 0, 0}, nil))
	require.NoError(t, s.Add("b", []float32{0, 1, 0}, nil))

	err := s.Add("c", []float32{0, 0, 1}, nil)
	var ce *memerr.CapacityError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "hot", ce.Tier)
	assert.Equal(t, 2, ce.Capacity)
	assert.Equal(t, 2, s.Len())

	// Replacing an existing id needs no room.
	assert.NoError(t, s.Add("a", []float32{1, 1, 0}, nil))
}

func TestLRUEvictionCascades(t *testing.T) {
	s, clock := testStore(t, func(c *config.VectorConfig) {
		c.HotCapacity = 2
		c.WarmCapacity = 1
	})
	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.Add(id, []float32{1, 0, 0}, nil))
		clock.advance(time.Second)
		assertTierInvariant(t, s)
	}

	assert.Equal(t, Cold, tierOf(t, s, "a"))
	assert.Equal(t, Warm, tierOf(t, s, "b"))
	assert.Equal(t, Hot, tierOf(t, s, "c"))
	assert.Equal(t, Hot, tierOf(t, s, "d"))
	assert.Equal(t, 4, s.Len())
}

// tierOf reads the tier without touching the record.
func tierOf(t *testing.T, s *Store, id string) Tier {
	t.Helper()
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.records[id]
	require.True(t, ok, "missing %s", id)
	return e.tier
}

func TestSweepDemotesIdle(t *testing.T) {
	s, clock := testStore(t)
	require.NoError(t, s.Add("stale", []float32{1, 0, 0}, nil))
	clock.advance(90 * time.Minute)
	require.NoError(t, s.Add("recent", []float32{0, 1, 0}, nil))

	res := s.Sweep(clock.now())
	assert.Equal(t, SweepResult{Demoted: 1}, res)
	assert.Equal(t, Warm, tierOf(t, s, "stale"))
	assert.Equal(t, Hot, tierOf(t, s, "recent"))

	clock.advance(25 * time.Hour)
	res = s.Sweep(clock.now())
	assert.Equal(t, 2, res.Demoted)
	assert.Equal(t, Cold, tierOf(t, s, "stale"))
	assert.Equal(t, Cold, tierOf(t, s, "recent"))
	assertTierInvariant(t, s)
}

func TestSweepPromotesFrequentlyAccessed(t *testing.T) {
	s, clock := testStore(t)
	require.NoError(t, s.Add("a", []float32{1, 0, 0}, nil))
	clock.advance(2 * time.Hour)
	s.Sweep(clock.now())
	require.Equal(t, Warm, tierOf(t, s, "a"))

	for range 3 {
		require.NotNil(t, s.Get("a"))
	}
	res := s.Sweep(clock.now())
	assert.Equal(t, 1, res.Promoted)
	assert.Equal(t, Hot, tierOf(t, s, "a"))

	// The window resets, so a quiet period does not promote again.
	res = s.Sweep(clock.now())
	assert.Zero(t, res.Promoted)
}

func TestSweepDemotionOverflowsToCold(t *testing.T) {
	s, clock := testStore(t, func(c *config.VectorConfig) {
		c.WarmCapacity = 1
		c.Eviction = "none"
	})
	require.NoError(t, s.Add("a", []float32{1, 0, 0}, nil))
	require.NoError(t, s.Add("b", []float32{0, 1, 0}, nil))
	clock.advance(2 * time.Hour)

	res := s.Sweep(clock.now())
	assert.Equal(t, 2, res.Demoted)
	counts := s.TierCounts()
	assert.Equal(t, 0, counts[Hot])
	assert.Equal(t, 1, counts[Warm])
	assert.Equal(t, 1, counts[Cold])
}

func TestParseTier(t *testing.T) {
	for _, tier := range Tiers {
		got, err := ParseTier(tier.String())
		require.NoError(t, err)
		assert.Equal(t, tier, got)
	}
	_, err := ParseTier("lukewarm")
	assert.Error(t, err)
}
