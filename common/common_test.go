package common

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSet(t *testing.T) {
	s := MakeSet[string]()
	assert.False(t, s.Has("a"))
	s.Insert("a")
	s.Insert("b")
	assert.True(t, s.Has("a"))
	assert.True(t, s.Has("b"))
	s.Delete("a")
	assert.False(t, s.Has("a"))
}

func TestSortedKeys(t *testing.T) {
	m := map[string]int{"c": 3, "a": 1, "b": 2}
	assert.Equal(t, []string{"a", "b", "c"}, SortedKeys(m))
}

func TestSendNoBlock(t *testing.T) {
	ch := make(chan int, 1)
	assert.True(t, SendNoBlock(ch, 1))
	assert.False(t, SendNoBlock(ch, 2))
	assert.Equal(t, 1, <-ch)
}

func TestLatch(t *testing.T) {
	l := NewLatch()
	done := make(chan struct{})
	go func() {
		l.Wait()
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("latch triggered before Trigger was called")
	case <-time.After(20 * time.Millisecond):
	}
	l.Trigger()
	l.Trigger() // second call must be a no-op, not a panic.
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("latch never triggered")
	}
}

func TestLatchWithValue(t *testing.T) {
	l := NewLatchWithValue[int]()
	go func() {
		time.Sleep(10 * time.Millisecond)
		l.Trigger(42)
		l.Trigger(99) // discarded, first wins.
	}()
	require.Equal(t, 42, l.Wait())
}
