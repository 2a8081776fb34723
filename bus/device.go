package bus

// Peripheral is the contract every memory-mapped device variant implements.
// Offsets are relative to the device's base address. Read and Write handle
// 1, 2 and 4 byte accesses; wider accesses are split by the bus.
type Peripheral interface {
	// Name returns the unique device name used in the device table.
	Name() string
	// Reset restores power-on register values and clears internal state.
	Reset()
	// Read returns the register value at offset.
	Read(offset uint32, size int) (uint32, error)
	// Write stores value at offset and runs any register side effects.
	Write(offset uint32, size int, value uint32) error
	// Advance progresses time-driven state by the given core cycle count.
	Advance(cycles uint64)
	// Pending returns the latched interrupt cause bits, already masked by
	// the device's own enable registers.
	Pending() uint64
}

// Acknowledger is implemented by peripherals whose interrupt causes are
// cleared when the CPU takes the interrupt rather than by a status write.
type Acknowledger interface {
	Acknowledge(cause uint)
}

// Memory is a plain byte-backed bus target (SRAM, external bus RAM).
// It accepts any width and alignment, like real array-backed memory.
type Memory struct {
	name string
	data []byte
}

// NewMemory creates a byte-backed region of the given size.
func NewMemory(name string, size int) *Memory {
	return &Memory{name: name, data: make([]byte, size)}
}

// Name returns the region name.
func (m *Memory) Name() string { return m.name }

// Reset clears the memory contents.
func (m *Memory) Reset() {
	for i := range m.data {
		m.data[i] = 0
	}
}

// Read returns up to 4 bytes big-endian from the region.
func (m *Memory) Read(offset uint32, size int) (uint32, error) {
	if int(offset)+size > len(m.data) {
		return 0, ReadFault(Unmapped, offset, size)
	}
	var v uint32
	for _, b := range m.data[offset : int(offset)+size] {
		v = v<<8 | uint32(b)
	}
	return v, nil
}

// Write stores up to 4 bytes big-endian into the region.
func (m *Memory) Write(offset uint32, size int, value uint32) error {
	if int(offset)+size > len(m.data) {
		return WriteFault(Unmapped, offset, size)
	}
	for i := size - 1; i >= 0; i-- {
		m.data[int(offset)+i] = byte(value)
		value >>= 8
	}
	return nil
}

// Advance does nothing; memory has no time-driven state.
func (m *Memory) Advance(cycles uint64) {}

// Pending always returns zero.
func (m *Memory) Pending() uint64 { return 0 }

// Bytes exposes the backing slice for loaders and inspection tooling.
func (m *Memory) Bytes() []byte { return m.data }
