package collision

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDetector(t *testing.T, recent int) *Detector {
	t.Helper()
	d, err := New(Options{Capacity: 1 << 12, RecentKeys: recent})
	require.NoError(t, err)
	return d
}

func TestDetector_SameDatabaseIsNotACollision(t *testing.T) {
	d := newDetector(t, 16)

	_, hit := d.Observe("user:1", 0)
	assert.False(t, hit)
	_, hit = d.Observe("user:1", 0)
	assert.False(t, hit, "write then expire of one key must not collide")

	assert.Equal(t, Stats{Observed: 2}, d.Stats())
	assert.Equal(t, uint(1), d.Size())
}

func TestDetector_Confirmed(t *testing.T) {
	d := newDetector(t, 16)

	d.Observe("user:1", 0)
	c, hit := d.Observe("user:1", 2)
	require.True(t, hit)
	assert.Equal(t, Confirmed, c.Kind)
	assert.Equal(t, 0, c.FirstDB)
	assert.Equal(t, 2, c.CurrentDB)
	assert.Contains(t, c.String(), "db 0 and db 2")
	assert.Equal(t, int64(1), d.Stats().Confirmed)
}

func TestDetector_PossibleAfterEviction(t *testing.T) {
	d := newDetector(t, 2)

	d.Observe("a", 1)
	d.Observe("b", 1)
	d.Observe("c", 1)

	c, hit := d.Observe("a", 2)
	require.True(t, hit)
	assert.Equal(t, Possible, c.Kind)
	assert.Equal(t, int64(1), d.Stats().Possible)
}

func TestDetector_PrefixedNamespacesDoNotCollide(t *testing.T) {
	d := newDetector(t, 1024)

	for db := 0; db < 3; db++ {
		for i := 0; i < 10; i++ {
			key := fmt.Sprintf("key:%d", i)
			if db > 0 {
				key = fmt.Sprintf("db%d:%s", db, key)
			}
			_, hit := d.Observe(key, db)
			assert.False(t, hit, key)
		}
	}
	assert.Equal(t, uint(30), d.Size())
}

func TestDetector_Concurrent(t *testing.T) {
	d := newDetector(t, 4096)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				d.Observe(fmt.Sprintf("w%d:%d", w, i), w)
			}
		}(w)
	}
	wg.Wait()

	stats := d.Stats()
	assert.Equal(t, int64(800), stats.Observed)
	assert.Zero(t, stats.Confirmed)
}
