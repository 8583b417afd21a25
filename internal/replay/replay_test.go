package replay

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCheckAndInsertOnce(t *testing.T) {
	s := New("test-nonces", nil)
	defer s.Close()

	now := time.Now()
	assert.True(t, s.CheckAndInsert("k1", now))
	assert.False(t, s.CheckAndInsert("k1", now))
}

func TestCheckAndInsertConcurrentExactlyOneWinner(t *testing.T) {
	s := New("test-concurrent", nil)
	defer s.Close()

	now := time.Now()
	var wg sync.WaitGroup
	wins := make(chan bool, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wins <- s.CheckAndInsert("shared-key", now)
		}()
	}
	wg.Wait()
	close(wins)

	trueCount := 0
	for w := range wins {
		if w {
			trueCount++
		}
	}
	assert.Equal(t, 1, trueCount)
}

func TestExpiryAllowsReuseAfterWindow(t *testing.T) {
	cur := time.Now()
	clock := func() time.Time { return cur }
	s := New("test-expiry", clock)
	defer s.Close()

	assert.True(t, s.CheckAndInsert("k", cur))
	cur = cur.Add(Window + time.Second)
	assert.True(t, s.CheckAndInsert("k", cur))
}

func TestDistinctKeysIndependent(t *testing.T) {
	s := New("test-distinct", nil)
	defer s.Close()

	now := time.Now()
	assert.True(t, s.CheckAndInsert("a", now))
	assert.True(t, s.CheckAndInsert("b", now))
}
