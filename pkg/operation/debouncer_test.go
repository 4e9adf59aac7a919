package operation

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProgressDebouncer_CollapsesRepeatedMarks(t *testing.T) {
	var mu sync.Mutex
	flushCounts := make(map[string]int)

	d := NewProgressDebouncer(20*time.Millisecond, func(operationID string) {
		mu.Lock()
		flushCounts[operationID]++
		mu.Unlock()
	})
	d.Start()
	defer d.Stop()

	for i := 0; i < 50; i++ {
		d.Mark("op_A")
	}

	time.Sleep(60 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Less(t, flushCounts["op_A"], 50, "debounced flushes should be far fewer than marks")
	assert.GreaterOrEqual(t, flushCounts["op_A"], 1)
}

func TestProgressDebouncer_StopFlushesPending(t *testing.T) {
	flushed := make(chan string, 1)

	d := NewProgressDebouncer(time.Hour, func(operationID string) {
		flushed <- operationID
	})
	d.Start()

	d.Mark("op_B")
	d.Stop()

	select {
	case id := <-flushed:
		assert.Equal(t, "op_B", id)
	case <-time.After(time.Second):
		t.Fatal("expected Stop to flush pending marks")
	}
}

func TestProgressDebouncer_MultipleOperationsIndependent(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string]bool)

	d := NewProgressDebouncer(10*time.Millisecond, func(operationID string) {
		mu.Lock()
		seen[operationID] = true
		mu.Unlock()
	})
	d.Start()
	defer d.Stop()

	d.Mark("op_A")
	d.Mark("op_B")
	d.Mark("op_C")

	time.Sleep(30 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, seen["op_A"])
	assert.True(t, seen["op_B"])
	assert.True(t, seen["op_C"])
}
