package metadata

import (
	"errors"
	"time"

	"github.com/behrlich/go-remap/internal/constants"
	"github.com/behrlich/go-remap/internal/index"
)

// RunSync is the background sync worker. It coalesces dirty state and
// keeps at most one persist in flight. snapshot captures the index and
// configuration at persist time. The worker exits when done closes and
// initiates no new I/O once the device is cancelled.
func (e *Engine) RunSync(done <-chan struct{}, snapshot func() ([]index.Record, Config)) {
	ticker := time.NewTicker(constants.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if e.cancelled.Load() {
				return
			}
			if !e.dirty.CompareAndSwap(true, false) {
				continue
			}
			records, cfg := snapshot()
			if err := e.Persist(records, cfg); err != nil {
				if errors.Is(err, ErrCancelled) {
					return
				}
				// Still dirty: the state on disk is stale.
				e.dirty.Store(true)
				e.logger.Warn("metadata sync failed", "error", err)
			}
		}
	}
}
