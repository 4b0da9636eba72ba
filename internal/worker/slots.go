package worker

import "sync"

// slotPool tracks a fixed number of worker slots.
type slotPool struct {
	maxSlots       int
	available      int
	mu             sync.Mutex
	onSlotsChanged func(available int)
}

func newSlotPool(maxSlots int) *slotPool {
	return &slotPool{maxSlots: maxSlots, available: maxSlots}
}

func (p *slotPool) setOnSlotsChanged(callback func(available int)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onSlotsChanged = callback
}

// acquire tries to claim a slot. Returns true if successful.
func (p *slotPool) acquire() bool {
	p.mu.Lock()
	if p.available <= 0 {
		p.mu.Unlock()
		return false
	}
	p.available--
	callback := p.onSlotsChanged
	available := p.available
	p.mu.Unlock()

	// Notify outside the lock to avoid deadlock
	if callback != nil {
		callback(available)
	}
	return true
}

func (p *slotPool) release() {
	p.mu.Lock()
	if p.available < p.maxSlots {
		p.available++
	}
	callback := p.onSlotsChanged
	available := p.available
	p.mu.Unlock()

	if callback != nil {
		callback(available)
	}
}

func (p *slotPool) availableSlots() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available
}
