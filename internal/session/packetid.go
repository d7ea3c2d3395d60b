package session

import (
	"sync"

	"github.com/pyr33x/goqttd/pkg/er"
)

// PacketIDAllocator hands out outbound packet-ids 1..65535, skipping ids
// already reserved, whether locked in-memory this session or recovered from
// storage for a clean_session=false client.
type PacketIDAllocator struct {
	mu     sync.Mutex
	next   uint16
	inUse  map[uint16]bool
}

// NewPacketIDAllocator seeds the allocator with ids already locked on disk
// for a recovered session (storage.Store.LockedPkgIDs).
func NewPacketIDAllocator(locked map[uint16]bool) *PacketIDAllocator {
	inUse := make(map[uint16]bool, len(locked))
	for id := range locked {
		inUse[id] = true
	}
	return &PacketIDAllocator{next: 1, inUse: inUse}
}

// Allocate reserves and returns the next free packet-id.
func (a *PacketIDAllocator) Allocate() (uint16, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	start := a.next
	for {
		id := a.next
		if a.next == 65535 {
			a.next = 1
		} else {
			a.next++
		}
		if id != 0 && !a.inUse[id] {
			a.inUse[id] = true
			return id, nil
		}
		if a.next == start {
			return 0, &er.Err{Context: "session.PacketIDAllocator", Message: er.ErrPkgIDSpaceExhausted}
		}
	}
}

// Reserve marks id as in use without allocating it via the rotation, used
// when recovering in-flight messages that already carry a packet-id.
func (a *PacketIDAllocator) Reserve(id uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inUse[id] = true
}

// Release frees id for reuse.
func (a *PacketIDAllocator) Release(id uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inUse, id)
}
