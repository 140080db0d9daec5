package index

import (
	"sync"
	"sync/atomic"
)

// RebuildStatus is the lifecycle of an index's consistency with its files.
//
//	OK ──RequestRebuild──▶ RequiresRebuild ──BeginRebuild──▶ RebuildInProgress
//	 ▲                                                              │
//	 └──────────────────────── FinishRebuild(true) ─────────────────┘
type RebuildStatus int32

const (
	StatusOK RebuildStatus = iota
	StatusRequiresRebuild
	StatusRebuildInProgress
)

func (s RebuildStatus) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusRequiresRebuild:
		return "requires-rebuild"
	case StatusRebuildInProgress:
		return "rebuild-in-progress"
	default:
		return "unknown"
	}
}

type rebuildState struct {
	status atomic.Int32

	mu    sync.Mutex
	cause error
}

// request moves OK to RequiresRebuild. Only the caller that performs the
// transition records its cause; later requests are no-ops.
func (r *rebuildState) request(cause error) bool {
	if !r.status.CompareAndSwap(int32(StatusOK), int32(StatusRequiresRebuild)) {
		return false
	}
	r.setCause(cause)
	return true
}

func (r *rebuildState) begin() bool {
	return r.status.CompareAndSwap(int32(StatusRequiresRebuild), int32(StatusRebuildInProgress))
}

func (r *rebuildState) finish(ok bool) {
	if ok {
		if r.status.CompareAndSwap(int32(StatusRebuildInProgress), int32(StatusOK)) {
			r.setCause(nil)
		}
		return
	}
	r.status.CompareAndSwap(int32(StatusRebuildInProgress), int32(StatusRequiresRebuild))
}

func (r *rebuildState) get() RebuildStatus {
	return RebuildStatus(r.status.Load())
}

func (r *rebuildState) setCause(err error) {
	r.mu.Lock()
	r.cause = err
	r.mu.Unlock()
}

func (r *rebuildState) getCause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cause
}
