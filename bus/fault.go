package bus

import "fmt"

// FaultKind classifies bus access faults.
type FaultKind int

const (
	// Unmapped means the address falls in a gap of the memory map.
	Unmapped FaultKind = iota
	// Alignment means the access width or offset is not supported there.
	Alignment
	// Privilege means a user-mode access hit a supervisor-only region.
	Privilege
)

func (k FaultKind) String() string {
	switch k {
	case Unmapped:
		return "unmapped"
	case Alignment:
		return "alignment"
	case Privilege:
		return "privilege"
	}
	return "unknown"
}

// Fault is a bus access error the real hardware would also reject. It is
// propagated to the stepping engine as the machine-check the silicon raises.
type Fault struct {
	Kind  FaultKind
	Addr  uint32
	Size  int
	Write bool
}

func (f *Fault) Error() string {
	op := "read"
	if f.Write {
		op = "write"
	}
	return fmt.Sprintf("bus fault (%s) on %d-byte %s at %08X", f.Kind, f.Size, op, f.Addr)
}

// ReadFault builds a read access fault at a device-relative or absolute address.
func ReadFault(kind FaultKind, addr uint32, size int) *Fault {
	return &Fault{Kind: kind, Addr: addr, Size: size}
}

// WriteFault builds a write access fault.
func WriteFault(kind FaultKind, addr uint32, size int) *Fault {
	return &Fault{Kind: kind, Addr: addr, Size: size, Write: true}
}

// ConfigFault records an invalid peripheral configuration write attempted in
// a state that forbids it. Whether it is surfaced or swallowed is the
// peripheral's decision; the datasheet policy differs per device.
type ConfigFault struct {
	Dev    string
	Reg    string
	Reason string
}

func (f *ConfigFault) Error() string {
	return fmt.Sprintf("%s: invalid %s configuration: %s", f.Dev, f.Reg, f.Reason)
}

// FlashFaultKind classifies flash program/erase misuse.
type FlashFaultKind int

const (
	// ProgramOverErase is a program of a region that is not erased.
	ProgramOverErase FlashFaultKind = iota
	// SectorLocked is a program or erase attempt on a locked sector.
	SectorLocked
	// ControllerBusy is an array access during an active program or erase.
	ControllerBusy
)

// FlashFault reports flash state-machine misuse. Most misuse is modelled as
// the bit-level effect the hardware exhibits instead of an error; this type
// covers the cases the datasheet reports through a latched status.
type FlashFault struct {
	Kind FlashFaultKind
	Addr uint32
}

func (f *FlashFault) Error() string {
	switch f.Kind {
	case ProgramOverErase:
		return fmt.Sprintf("flash program over non-erased data at %08X", f.Addr)
	case SectorLocked:
		return fmt.Sprintf("flash operation on locked sector at %08X", f.Addr)
	}
	return fmt.Sprintf("flash controller busy at %08X", f.Addr)
}
