package sandbox

import (
	"context"
	"runtime/metrics"
	"sync"
	"sync/atomic"
	"time"
)

const (
	heapMetric = "/memory/classes/heap/objects:bytes"

	// heapSlack covers the interpreter's own compile and eval allocations
	// on top of the run's memory budget.
	heapSlack    = 128 << 20
	heapInterval = 2 * time.Millisecond
)

// heapWatch cancels a run whose heap growth passes its limit. Interpreted
// code shares the process heap, so growth is measured against a baseline
// taken when the run starts.
type heapWatch struct {
	limit    uint64
	baseline uint64
	cancel   context.CancelFunc
	tripped  atomic.Bool
	stop     chan struct{}
	wg       sync.WaitGroup
}

// watchHeap starts sampling the heap until Stop is called. A limit <= 0
// returns a watch that never trips.
func watchHeap(limitBytes int64, cancel context.CancelFunc) *heapWatch {
	w := &heapWatch{cancel: cancel, stop: make(chan struct{})}
	if limitBytes <= 0 {
		return w
	}
	w.limit = uint64(limitBytes) + heapSlack
	w.baseline = heapObjects()
	w.wg.Add(1)
	go w.loop()
	return w
}

func (w *heapWatch) loop() {
	defer w.wg.Done()
	ticker := time.NewTicker(heapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			if w.sample() {
				return
			}
		}
	}
}

// sample reports whether the limit has been crossed, cancelling the run the
// first time it is.
func (w *heapWatch) sample() bool {
	if w.limit == 0 {
		return false
	}
	if now := heapObjects(); now > w.baseline && now-w.baseline > w.limit {
		if w.tripped.CompareAndSwap(false, true) {
			w.cancel()
		}
		return true
	}
	return false
}

// Stop ends sampling after one last check and reports whether the run was
// stopped for memory.
func (w *heapWatch) Stop() bool {
	close(w.stop)
	w.wg.Wait()
	w.sample()
	return w.tripped.Load()
}

func heapObjects() uint64 {
	s := []metrics.Sample{{Name: heapMetric}}
	metrics.Read(s)
	if s[0].Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return s[0].Value.Uint64()
}
