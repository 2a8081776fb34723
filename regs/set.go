package regs

import (
	"fmt"
	"sort"

	"github.com/Urethramancer/mpc5674/bus"
)

type entry struct {
	offset uint32
	size   uint32
	reg    *Register
	raw    []byte

	onWrite func(off uint32, size int)
	onRead  func(off uint32, size int)
}

// Set is an ordered table of registers and raw byte regions at fixed
// base-relative offsets. It implements the shared read/write path of a
// peripheral: offset lookup, width and alignment checks, byte-lane
// extraction and the per-register write policies.
type Set struct {
	entries []entry
	sorted  bool
}

// NewSet creates an empty register set.
func NewSet() *Set { return &Set{} }

// AddRegister places a 32-bit register at the given offset.
func (s *Set) AddRegister(offset uint32, r *Register) {
	s.add(entry{offset: offset, size: 4, reg: r})
}

// AddBytes places a raw byte region (mailbox RAM, mask arrays) at the given
// offset and returns the backing slice for the device model to use.
func (s *Set) AddBytes(offset uint32, size uint32) []byte {
	raw := make([]byte, size)
	s.add(entry{offset: offset, size: size, raw: raw})
	return raw
}

func (s *Set) add(e entry) {
	for i := range s.entries {
		o := &s.entries[i]
		if e.offset < o.offset+o.size && o.offset < e.offset+e.size {
			panic(fmt.Sprintf("regs: entries overlap at offset %X", e.offset))
		}
	}
	s.entries = append(s.entries, e)
	s.sorted = false
}

// OnWrite installs a post-write hook on the entry at offset. The hook runs
// after the value has been stored, with the entry-relative offset and size
// of the access.
func (s *Set) OnWrite(offset uint32, fn func(off uint32, size int)) {
	s.at(offset).onWrite = fn
}

// OnRead installs a pre-read hook on the entry at offset.
func (s *Set) OnRead(offset uint32, fn func(off uint32, size int)) {
	s.at(offset).onRead = fn
}

func (s *Set) at(offset uint32) *entry {
	for i := range s.entries {
		if s.entries[i].offset == offset {
			return &s.entries[i]
		}
	}
	panic(fmt.Sprintf("regs: no entry at offset %X", offset))
}

func (s *Set) find(offset uint32) *entry {
	if !s.sorted {
		sort.Slice(s.entries, func(i, j int) bool {
			return s.entries[i].offset < s.entries[j].offset
		})
		s.sorted = true
	}
	i := sort.Search(len(s.entries), func(i int) bool {
		e := &s.entries[i]
		return e.offset+e.size > offset
	})
	if i == len(s.entries) || offset < s.entries[i].offset {
		return nil
	}
	return &s.entries[i]
}

// lanes returns the byte-lane mask of a size-byte access at the given
// offset within a big-endian 32-bit register.
func lanes(off uint32, size int) uint32 {
	full := uint32(0xFFFFFFFF)
	return full >> (off * 8) &^ (full >> ((off + uint32(size)) * 8))
}

// Read returns the big-endian value of a 1, 2 or 4 byte access. Accesses
// that are misaligned or cross a register boundary fault; accesses to
// offsets with no register behind them fault as unmapped, which the bus
// reports against the absolute address.
func (s *Set) Read(offset uint32, size int) (uint32, error) {
	e, lanemask, err := s.locate(offset, size, false)
	if err != nil {
		return 0, err
	}
	if e.onRead != nil {
		e.onRead(offset-e.offset, size)
	}
	if e.raw != nil {
		var v uint32
		base := offset - e.offset
		for i := 0; i < size; i++ {
			v = v<<8 | uint32(e.raw[base+uint32(i)])
		}
		return v, nil
	}
	v := e.reg.Read() & lanemask
	return v >> ((4 - (offset-e.offset)&3 - uint32(size)) * 8), nil
}

// Write stores a 1, 2 or 4 byte access, applying byte lanes and the
// register's field policies, then runs the post-write hook.
func (s *Set) Write(offset uint32, size int, value uint32) error {
	e, lanemask, err := s.locate(offset, size, true)
	if err != nil {
		return err
	}
	if e.raw != nil {
		base := offset - e.offset
		for i := size - 1; i >= 0; i-- {
			e.raw[base+uint32(i)] = byte(value)
			value >>= 8
		}
	} else {
		shifted := value << ((4 - (offset-e.offset)&3 - uint32(size)) * 8)
		e.reg.Write(shifted, lanemask)
	}
	if e.onWrite != nil {
		e.onWrite(offset-e.offset, size)
	}
	return nil
}

func (s *Set) locate(offset uint32, size int, write bool) (*entry, uint32, error) {
	kind := bus.ReadFault
	if write {
		kind = bus.WriteFault
	}
	if size != 1 && size != 2 && size != 4 || offset%uint32(size) != 0 {
		return nil, 0, kind(bus.Alignment, offset, size)
	}
	e := s.find(offset)
	if e == nil {
		return nil, 0, kind(bus.Unmapped, offset, size)
	}
	if offset+uint32(size) > e.offset+e.size {
		// Crossing out of the register is not supported.
		return nil, 0, kind(bus.Alignment, offset, size)
	}
	if e.raw != nil {
		return e, 0, nil
	}
	return e, lanes((offset-e.offset)&3, size), nil
}

// Reg returns the register placed at offset for direct device-model use.
func (s *Set) Reg(offset uint32) *Register {
	e := s.at(offset)
	if e.reg == nil {
		panic(fmt.Sprintf("regs: entry at offset %X is not a register", offset))
	}
	return e.reg
}

// Reset restores every register to its power-on value and zeroes raw
// regions. Hooks are not run; devices re-derive state after reset.
func (s *Set) Reset() {
	for i := range s.entries {
		e := &s.entries[i]
		if e.reg != nil {
			e.reg.Reset()
			continue
		}
		for j := range e.raw {
			e.raw[j] = 0
		}
	}
}

// Snapshot returns a copy of every register value keyed by name, plus raw
// regions keyed by their offset. Used by inspection tooling; mutating the
// returned map never touches live state.
func (s *Set) Snapshot() map[string]any {
	out := make(map[string]any, len(s.entries))
	for i := range s.entries {
		e := &s.entries[i]
		if e.reg != nil {
			out[e.reg.Name()] = e.reg.Read()
			continue
		}
		cp := make([]byte, len(e.raw))
		copy(cp, e.raw)
		out[fmt.Sprintf("raw@%X", e.offset)] = cp
	}
	return out
}
