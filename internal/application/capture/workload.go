package capture

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/penwyp/go-gpu-timeline/internal/core/timeline"
	"github.com/penwyp/go-gpu-timeline/internal/core/tlstream"
	"github.com/penwyp/go-gpu-timeline/internal/util"
)

// workload stands in for driver subsystems: each producer alternates
// page-fault and soft-stop annotations on the aux stream and periodically
// cycles a context so the object stream sees lifecycle traffic.
type workload struct {
	tl        *timeline.Timeline
	producers int
	rate      int
	contexts  int

	emitted atomic.Uint64
	wg      sync.WaitGroup
}

// contextIDBase keeps synthetic context ids clear of the ones registered up front
const contextIDBase = 1 << 16

func newWorkload(tl *timeline.Timeline, producers, rate, contexts int) *workload {
	return &workload{tl: tl, producers: producers, rate: rate, contexts: contexts}
}

func (w *workload) start(ctx context.Context) {
	if w.producers == 0 {
		return
	}
	interval := time.Second / time.Duration(w.rate)
	if interval <= 0 {
		interval = time.Microsecond
	}
	for i := 0; i < w.producers; i++ {
		w.wg.Add(1)
		go w.produce(ctx, uint32(i), interval)
	}
	util.LogDebug("Synthetic workload started",
		util.F("producers", w.producers), util.F("rate", w.rate))
}

func (w *workload) produce(ctx context.Context, id uint32, interval time.Duration) {
	defer w.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		seq++
		ctxID := uint32(1)
		if w.contexts > 0 {
			ctxID = 1 + uint32(seq)%uint32(w.contexts)
		}

		var event []byte
		if seq%2 == 0 {
			event = tlstream.EncodeAuxPageFault(util.MonotonicRawNanos(), ctxID, id, seq%64+1)
		} else {
			event = tlstream.EncodeAuxJobSoftstop(util.MonotonicRawNanos(), uint64(id)<<32|seq)
		}
		if err := w.tl.Emit(tlstream.TypeAux, event); err == nil {
			w.emitted.Add(1)
		}

		if seq%50 == 0 {
			churn := contextIDBase + id
			if err := w.tl.RegisterContext(timeline.Context{ID: churn, TGID: id}); err == nil {
				w.tl.UnregisterContext(churn)
				w.emitted.Add(2)
			}
		}
	}
}

func (w *workload) wait() {
	w.wg.Wait()
}
