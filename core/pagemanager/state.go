package pagemanager

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"

	"github.com/calderadb/caldera/core/dberr"
	"github.com/calderadb/caldera/core/page"
)

// Persisted state chain. Each state page's payload holds
// { next u64, used u32, data... }; the chained data is
// { lastBlobPage u64, freelist image }.
const stateChunkHeader = 12

// Initialize loads the persisted state from the given chain address.
// Address 0 means no state was ever written (fresh environment).
func (pm *PageManager) Initialize(stateAddr uint64) error {
	pm.stateAddr = stateAddr
	if stateAddr == 0 {
		return nil
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()

	ctx := NewContext(0)
	defer ctx.Changeset.Clear()

	var state []byte
	addr := stateAddr
	for addr != 0 {
		p, err := pm.fetchLocked(ctx, addr, FetchReadOnly)
		if err != nil {
			return err
		}
		if p.Type() != page.TypeState {
			return fmt.Errorf("%w: page %d is %s, expected state",
				dberr.ErrCorrupt, addr, p.Type())
		}
		payload := p.Payload()
		next := binary.LittleEndian.Uint64(payload[0:8])
		used := binary.LittleEndian.Uint32(payload[8:12])
		if int(used) > len(payload)-stateChunkHeader {
			return fmt.Errorf("%w: state page %d used %d exceeds payload",
				dberr.ErrCorrupt, addr, used)
		}
		state = append(state, payload[stateChunkHeader:stateChunkHeader+used]...)
		addr = next
	}

	if len(state) < 8 {
		return fmt.Errorf("%w: truncated page-manager state", dberr.ErrCorrupt)
	}
	pm.lastBlobPage = binary.LittleEndian.Uint64(state[0:8])
	pm.freelist.decode(state[8:])
	pm.freelist.churn = 0
	return nil
}

// StoreState persists the freelist and last-blob-page pointer into the
// state chain and returns the chain's first page address.
func (pm *PageManager) StoreState(ctx *Context) (uint64, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if err := pm.storeStateLocked(ctx); err != nil {
		return 0, err
	}
	return pm.stateAddr, nil
}

func (pm *PageManager) storeStateLocked(ctx *Context) error {
	state := make([]byte, 8)
	binary.LittleEndian.PutUint64(state[0:8], pm.lastBlobPage)
	state = append(state, pm.freelist.encode()...)

	chunkSize := int(page.PayloadSize(pm.cfg.PageSize)) - stateChunkHeader

	// Reuse the existing chain, extending it as needed. Surplus pages
	// stay linked with a zero used count.
	addr := pm.stateAddr
	var prev *page.Page
	for len(state) > 0 || addr != 0 || prev == nil {
		var p *page.Page
		var err error
		if addr != 0 {
			p, err = pm.fetchLocked(ctx, addr, 0)
			if err != nil {
				return err
			}
		} else {
			if len(state) == 0 && prev != nil {
				break
			}
			p, err = pm.allocLocked(ctx, page.TypeState, AllocIgnoreFreelist|AllocNoStateStore)
			if err != nil {
				return err
			}
			binary.LittleEndian.PutUint64(p.Payload()[0:8], 0)
			if prev != nil {
				binary.LittleEndian.PutUint64(prev.Payload()[0:8], p.Addr())
				prev.SetDirty(true)
			}
		}
		if pm.stateAddr == 0 {
			pm.stateAddr = p.Addr()
		}

		payload := p.Payload()
		n := len(state)
		if n > chunkSize {
			n = chunkSize
		}
		binary.LittleEndian.PutUint32(payload[8:12], uint32(n))
		copy(payload[stateChunkHeader:], state[:n])
		p.SetDirty(true)
		state = state[n:]

		prev = p
		addr = binary.LittleEndian.Uint64(payload[0:8])
	}
	pm.freelist.churn = 0
	return nil
}

// MaybeStoreState persists the state when forced or when the freelist has
// churned past the checkpoint threshold.
func (pm *PageManager) MaybeStoreState(ctx *Context, force bool) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if !force && pm.freelist.churn < pm.cfg.StateThreshold {
		return nil
	}
	return pm.storeStateLocked(ctx)
}

func (pm *PageManager) maybeStoreStateLocked(ctx *Context, force bool) {
	if !force && pm.freelist.churn < pm.cfg.StateThreshold {
		return
	}
	if err := pm.storeStateLocked(ctx); err != nil {
		pm.log.Error("state checkpoint failed", zap.Error(err))
	}
}
