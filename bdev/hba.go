package bdev

import (
	"fmt"

	"tsarkern/kerrors"
	"tsarkern/ksync"
)

// NBHbaSlots is the fixed command-list depth named in §4.8: "a 32-entry
// command list".
const NBHbaSlots = 32

// HBADevice is the multi-channel controller's register interface: per-slot
// descriptor programming, the start bit, and the command-pending bitmap
// the ISR reads to distinguish finished slots from still-running ones.
type HBADevice interface {
	ProgramSlot(slot int, toMem bool, lba uint32, paddr uint64, count uint32)
	SetStart(slot int)
	// Pending returns the current command-pending bitmap: bit i set means
	// slot i is still running.
	Pending() uint32
	SlotStatus(slot int) Status
}

// HBAController is the multi-channel driver: a fixed 32-slot command list
// protected by an SQT lock (post-boot shared resource, §4.7), where slots
// progress independently and may complete out of order.
type HBAController struct {
	dev    HBADevice
	lock   *ksync.SQTLock
	used   [NBHbaSlots]bool
	active uint32 // bitmap saved at the moment each slot's start bit was set
	waiter [NBHbaSlots]chan Status
}

// NewHBAController builds a multi-channel driver, locked through the given
// cluster's SQT handle.
func NewHBAController(dev HBADevice, lock *ksync.SQTLock) *HBAController {
	return &HBAController{dev: dev, lock: lock}
}

// allocSlot finds a free command-list slot. Returns EBUSY if the list is
// full (32 outstanding commands already).
func (h *HBAController) allocSlot() (int, error) {
	for i := 0; i < NBHbaSlots; i++ {
		if !h.used[i] {
			h.used[i] = true
			return i, nil
		}
	}
	return 0, fmt.Errorf("bdev: command list full (%d outstanding): %w", NBHbaSlots, kerrors.EBUSY)
}

// AccessDescheduled allocates a slot, fills its descriptor, sets the start
// bit, and blocks the caller on a per-slot channel until the completion
// ISR posts this slot's status (§4.8: "each thread allocates one slot...
// and waits").
func (h *HBAController) AccessDescheduled(toMem bool, lba uint32, paddr uint64, count uint32) (Status, error) {
	h.lock.Lock()
	slot, err := h.allocSlot()
	if err != nil {
		h.lock.Unlock()
		return StatusError, err
	}

	h.dev.ProgramSlot(slot, toMem, lba, paddr, count)
	h.waiter[slot] = make(chan Status, 1)
	h.dev.SetStart(slot)
	h.active |= 1 << slot
	h.lock.Unlock()

	status := <-h.waiter[slot]

	h.lock.Lock()
	h.used[slot] = false
	h.waiter[slot] = nil
	h.lock.Unlock()

	if status == StatusError {
		return status, fmt.Errorf("bdev: slot %d reported transfer error: %w", slot, kerrors.EIO)
	}
	return status, nil
}

// CompletionISR implements §4.8's multi-channel completion discipline:
// compare the bitmap saved when each slot's start bit was set against the
// controller's current command-pending register, and wake every slot whose
// bit has cleared since.
func (h *HBAController) CompletionISR() {
	h.lock.Lock()
	pending := h.dev.Pending()
	finished := h.active &^ pending
	h.active = pending
	h.lock.Unlock()

	for slot := 0; slot < NBHbaSlots; slot++ {
		if finished&(1<<slot) == 0 {
			continue
		}
		if ch := h.waiter[slot]; ch != nil {
			ch <- h.dev.SlotStatus(slot)
		}
	}
}
