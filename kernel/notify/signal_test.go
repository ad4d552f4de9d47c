package notify

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSignal_FastPath(t *testing.T) {
	s := NewSignal()
	r := s.Reader()
	s.Increment()

	assert.True(t, r.WaitForChange(time.Millisecond))
	assert.Equal(t, uint32(1), s.Value())
}

func TestSignal_Timeout(t *testing.T) {
	s := NewSignal()
	r := s.Reader()

	start := time.Now()
	assert.False(t, r.WaitForChange(10*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
	assert.Equal(t, uint64(1), s.Stats().Timeouts.Load())
}

func TestSignal_WakesBlockedReader(t *testing.T) {
	s := NewSignal()
	r := s.Reader()

	woke := make(chan bool, 1)
	go func() {
		woke <- r.WaitForChange(2 * time.Second)
	}()
	time.Sleep(10 * time.Millisecond)
	s.Increment()

	select {
	case ok := <-woke:
		assert.True(t, ok)
	case <-time.After(3 * time.Second):
		t.Fatal("reader never woke")
	}
}

// TestSignal_HighContention stresses the signal with concurrent readers and writers
func TestSignal_HighContention(t *testing.T) {
	s := NewSignal()
	writers := 4
	readers := 8
	iterations := 200

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < readers; i++ {
		r := s.Reader()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					r.WaitForChange(time.Millisecond)
				}
			}
		}()
	}

	var wwg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wwg.Add(1)
		go func() {
			defer wwg.Done()
			for j := 0; j < iterations; j++ {
				s.Increment()
			}
		}()
	}
	wwg.Wait()
	close(stop)
	wg.Wait()

	assert.Equal(t, uint32(writers*iterations), s.Value())
	assert.Equal(t, uint64(writers*iterations), s.Stats().Increments.Load())
}
