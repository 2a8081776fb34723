package bus

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("mod", "bus")

// Mode is the privilege level of a bus master for one access.
type Mode int

const (
	// User mode is rejected by supervisor-only regions.
	User Mode = iota
	// Supervisor mode may access every mapped region.
	Supervisor
)

// Region maps a contiguous address range to exactly one device.
type Region struct {
	Start uint32
	End   uint32 // inclusive
	// SupervisorOnly rejects user-mode accesses with a privilege fault.
	SupervisorOnly bool
	Dev            Peripheral
}

// Bus is the single entry point for every memory access from the CPU
// stepping loop or a DMA master. It holds no state beyond the immutable
// region table built at construction.
type Bus struct {
	regions []Region
}

// New builds the bus from the given regions. Overlapping regions are an
// emulator defect, not a firmware condition, so they abort construction.
func New(regions []Region) *Bus {
	rs := make([]Region, len(regions))
	copy(rs, regions)
	sort.Slice(rs, func(i, j int) bool { return rs[i].Start < rs[j].Start })
	for i := range rs {
		if rs[i].End < rs[i].Start {
			panic(fmt.Sprintf("bus: inverted region %s [%08X:%08X]",
				rs[i].Dev.Name(), rs[i].Start, rs[i].End))
		}
		if i > 0 && rs[i].Start <= rs[i-1].End {
			panic(fmt.Sprintf("bus: regions %s and %s overlap at %08X",
				rs[i-1].Dev.Name(), rs[i].Dev.Name(), rs[i].Start))
		}
	}
	return &Bus{regions: rs}
}

// Regions returns a copy of the region table for inspection tooling.
func (b *Bus) Regions() []Region {
	rs := make([]Region, len(b.regions))
	copy(rs, b.regions)
	return rs
}

// find locates the region containing addr, or nil.
func (b *Bus) find(addr uint32) *Region {
	i := sort.Search(len(b.regions), func(i int) bool { return b.regions[i].End >= addr })
	if i == len(b.regions) || addr < b.regions[i].Start {
		return nil
	}
	return &b.regions[i]
}

// alignOK reports whether the access is naturally aligned. 8-byte accesses
// only need 4-byte alignment since they are split into two device accesses.
func alignOK(addr uint32, size int) bool {
	switch size {
	case 1:
		return true
	case 2:
		return addr%2 == 0
	case 4, 8:
		return addr%4 == 0
	}
	return false
}

// Read routes a load to the owning device. The largest supported access is
// 8 bytes, performed as two 4-byte device reads.
func (b *Bus) Read(addr uint32, size int, mode Mode) (uint64, error) {
	if !alignOK(addr, size) {
		return 0, ReadFault(Alignment, addr, size)
	}
	if size == 8 {
		hi, err := b.Read(addr, 4, mode)
		if err != nil {
			return 0, err
		}
		lo, err := b.Read(addr+4, 4, mode)
		if err != nil {
			return 0, err
		}
		return hi<<32 | lo, nil
	}
	r := b.find(addr)
	if r == nil || r.End-addr < uint32(size-1) {
		return 0, ReadFault(Unmapped, addr, size)
	}
	if r.SupervisorOnly && mode != Supervisor {
		return 0, ReadFault(Privilege, addr, size)
	}
	v, err := r.Dev.Read(addr-r.Start, size)
	if err != nil {
		return 0, reframe(err, addr)
	}
	if log.Logger.IsLevelEnabled(logrus.DebugLevel) {
		log.WithFields(logrus.Fields{
			"dev":  r.Dev.Name(),
			"addr": fmt.Sprintf("%08X", addr),
			"size": size,
			"val":  fmt.Sprintf("%0*X", size*2, v),
		}).Debug("read")
	}
	return uint64(v), nil
}

// Write routes a store to the owning device.
func (b *Bus) Write(addr uint32, size int, value uint64, mode Mode) error {
	if !alignOK(addr, size) {
		return WriteFault(Alignment, addr, size)
	}
	if size == 8 {
		if err := b.Write(addr, 4, value>>32, mode); err != nil {
			return err
		}
		return b.Write(addr+4, 4, value&0xFFFFFFFF, mode)
	}
	r := b.find(addr)
	if r == nil || r.End-addr < uint32(size-1) {
		return WriteFault(Unmapped, addr, size)
	}
	if r.SupervisorOnly && mode != Supervisor {
		return WriteFault(Privilege, addr, size)
	}
	if log.Logger.IsLevelEnabled(logrus.DebugLevel) {
		log.WithFields(logrus.Fields{
			"dev":  r.Dev.Name(),
			"addr": fmt.Sprintf("%08X", addr),
			"size": size,
			"val":  fmt.Sprintf("%0*X", size*2, value),
		}).Debug("write")
	}
	if err := r.Dev.Write(addr-r.Start, size, uint32(value)); err != nil {
		return reframe(err, addr)
	}
	return nil
}

// reframe rewrites a device-relative fault address to the absolute address
// seen by the bus master.
func reframe(err error, addr uint32) error {
	if f, ok := err.(*Fault); ok {
		abs := *f
		abs.Addr = addr
		return &abs
	}
	return err
}
