package indexshard

import (
	"sync/atomic"

	"github.com/hupe1980/indexshard/engine"
)

type engineRef struct {
	engine.Engine
}

// engineHandle is the shard's single engine slot. It is written only with
// the shard mutex held and read lock-free by data operations.
type engineHandle struct {
	ref atomic.Pointer[engineRef]
}

// get returns the engine or nil.
func (h *engineHandle) get() engine.Engine {
	if r := h.ref.Load(); r != nil {
		return r.Engine
	}
	return nil
}

// set installs e. It must be called with the shard mutex held and the slot
// empty.
func (h *engineHandle) set(e engine.Engine) {
	h.ref.Store(&engineRef{Engine: e})
}

// take empties the slot and returns the previous engine, if any. The caller
// becomes the owner.
func (h *engineHandle) take() engine.Engine {
	if r := h.ref.Swap(nil); r != nil {
		return r.Engine
	}
	return nil
}

// engine returns the current engine or engine.ErrEngineClosed.
func (s *IndexShard) engine() (engine.Engine, error) {
	eng := s.handle.get()
	if eng == nil {
		return nil, engine.ErrEngineClosed
	}
	return eng, nil
}
