package redis

import (
	"context"
	"errors"
	"log"
	"sync"

	"campaign-engine/internal/breaker"
	"campaign-engine/internal/model"
)

// stateBackend is the subset of Store the buffered wrapper needs.
type stateBackend interface {
	SaveCampaign(ctx context.Context, st model.CampaignState) error
	LoadCampaign(ctx context.Context, id string) (model.CampaignState, bool, error)
	DeleteCampaign(ctx context.Context, id string) error
}

// BufferedStore guards campaign snapshot writes with a circuit breaker.
// While the breaker is open the latest snapshot per campaign is kept
// locally and written once the breaker closes again.
type BufferedStore struct {
	backend stateBackend
	cb      *breaker.Breaker
	ctx     context.Context

	mu      sync.Mutex
	pending map[string]*model.CampaignState // nil value = pending delete

	// Callbacks
	OnBuffer func()          // called when a write is buffered
	OnFlush  func(count int) // called after flushing buffered writes
}

// NewBufferedStore wraps backend with cb.
func NewBufferedStore(ctx context.Context, backend stateBackend, cb *breaker.Breaker) *BufferedStore {
	bs := &BufferedStore{
		backend: backend,
		cb:      cb,
		ctx:     ctx,
		pending: make(map[string]*model.CampaignState),
	}

	prev := cb.OnStateChange
	cb.OnStateChange = func(name string, from, to breaker.State) {
		if prev != nil {
			prev(name, from, to)
		}
		if to == breaker.StateClosed {
			go bs.flush()
		}
	}
	return bs
}

// SaveCampaign writes through the breaker, buffering while it is open.
func (bs *BufferedStore) SaveCampaign(ctx context.Context, st model.CampaignState) error {
	err := bs.cb.Execute(func() error { return bs.backend.SaveCampaign(ctx, st) })
	if err != nil {
		cp := st
		bs.buffer(st.ID, &cp)
		if errors.Is(err, breaker.ErrCircuitOpen) {
			return nil
		}
	}
	return err
}

// DeleteCampaign deletes through the breaker, buffering while it is open.
func (bs *BufferedStore) DeleteCampaign(ctx context.Context, id string) error {
	err := bs.cb.Execute(func() error { return bs.backend.DeleteCampaign(ctx, id) })
	if err != nil {
		bs.buffer(id, nil)
		if errors.Is(err, breaker.ErrCircuitOpen) {
			return nil
		}
		return err
	}
	bs.mu.Lock()
	delete(bs.pending, id)
	bs.mu.Unlock()
	return nil
}

// LoadCampaign prefers a not-yet-flushed local snapshot.
func (bs *BufferedStore) LoadCampaign(ctx context.Context, id string) (model.CampaignState, bool, error) {
	bs.mu.Lock()
	st, ok := bs.pending[id]
	bs.mu.Unlock()
	if ok {
		if st == nil {
			return model.CampaignState{}, false, nil
		}
		return *st, true, nil
	}
	var out model.CampaignState
	var found bool
	err := bs.cb.Execute(func() error {
		var err error
		out, found, err = bs.backend.LoadCampaign(ctx, id)
		return err
	})
	return out, found, err
}

func (bs *BufferedStore) buffer(id string, st *model.CampaignState) {
	bs.mu.Lock()
	bs.pending[id] = st
	bs.mu.Unlock()
	if bs.OnBuffer != nil {
		bs.OnBuffer()
	}
}

// flush replays buffered writes, last write per campaign wins.
func (bs *BufferedStore) flush() {
	bs.mu.Lock()
	if len(bs.pending) == 0 {
		bs.mu.Unlock()
		return
	}
	toFlush := bs.pending
	bs.pending = make(map[string]*model.CampaignState)
	bs.mu.Unlock()

	flushed := 0
	for id, st := range toFlush {
		var err error
		if st == nil {
			err = bs.backend.DeleteCampaign(bs.ctx, id)
		} else {
			err = bs.backend.SaveCampaign(bs.ctx, *st)
		}
		if err != nil {
			log.Printf("[redis] flush %s: %v", id, err)
			continue
		}
		flushed++
	}

	log.Printf("[redis] flushed %d buffered campaign writes", flushed)
	if bs.OnFlush != nil {
		bs.OnFlush(flushed)
	}
}

// PendingCount returns the number of buffered writes waiting to be flushed.
func (bs *BufferedStore) PendingCount() int {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return len(bs.pending)
}
