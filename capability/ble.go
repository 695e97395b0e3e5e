package capability

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
)

const defaultReportQueue = 64

// Advertisement is one BLE scan report.
type Advertisement struct {
	Addr [6]byte
}

// Packed returns the address as the i64 passed to on_single_report.
func (a Advertisement) Packed() uint64 {
	var b [8]byte
	copy(b[:], a.Addr[:])
	return binary.LittleEndian.Uint64(b[:])
}

func (a Advertisement) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X",
		a.Addr[5], a.Addr[4], a.Addr[3], a.Addr[2], a.Addr[1], a.Addr[0])
}

// BLE queues scan reports for delivery to the running capsule. It has no
// imports; capsules receive reports through their on_single_report export.
type BLE struct {
	reports chan Advertisement
	dropped atomic.Uint64
}

func newBLE(queue int) *BLE {
	return &BLE{reports: make(chan Advertisement, queue)}
}

// Report queues an advertisement. When the queue is full the report is
// dropped and counted.
func (b *BLE) Report(adv Advertisement) bool {
	select {
	case b.reports <- adv:
		return true
	default:
		b.dropped.Add(1)
		return false
	}
}

// Reports is the queue the scheduler drains.
func (b *BLE) Reports() <-chan Advertisement {
	return b.reports
}

// Dropped counts reports lost to a full queue.
func (b *BLE) Dropped() uint64 {
	return b.dropped.Load()
}
