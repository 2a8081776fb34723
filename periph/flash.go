package periph

import (
	"fmt"

	"github.com/Urethramancer/mpc5674/bus"
	"github.com/Urethramancer/mpc5674/regs"
)

// Flash controller register offsets (per array config region).
const (
	flashMCR    = 0x0000
	flashLMLR   = 0x0004
	flashHLR    = 0x0008
	flashSLMLR  = 0x000C
	flashLMSR   = 0x0010
	flashHSR    = 0x0014
	flashAR     = 0x0018
	flashBIUCR  = 0x001C
	flashBIUAPR = 0x0020
)

// Lock register passwords from the reference manual.
const (
	flashLMLRPassword  = 0xA1A11111
	flashHLRPassword   = 0xB2B22222
	flashSLMLRPassword = 0xC3C33333
)

// FlashArraySize is the main array size.
const FlashArraySize = 0x00400000

// flashShadowSize is the size of each shadow block.
const flashShadowSize = 0x4000

// Emulated program/erase durations in core cycles.
const (
	flashProgramCycles = 64
	flashEraseCycles   = 4096
)

// SectorState is the per-sector flash state machine tag.
type SectorState int

const (
	// SectorErased means every byte reads 0xFF.
	SectorErased SectorState = iota
	// SectorProgrammed means at least one bit has been cleared.
	SectorProgrammed
	// SectorProgramming means a program operation is running.
	SectorProgramming
	// SectorErasing means an erase operation is running.
	SectorErasing
	// SectorLocked rejects program and erase without hardware effect.
	SectorLocked
)

func (s SectorState) String() string {
	switch s {
	case SectorErased:
		return "erased"
	case SectorProgrammed:
		return "programmed"
	case SectorProgramming:
		return "programming"
	case SectorErasing:
		return "erasing"
	case SectorLocked:
		return "locked"
	}
	return "unknown"
}

// sector is one erase block of the main array.
type sector struct {
	start uint32
	size  uint32
	state SectorState
	// locked is tracked separately so the lock survives program state.
	locked bool
	// selected marks the sector for the pending erase operation.
	selected bool
}

// flashSectorLayout is the main-array erase block map: ten low blocks,
// two mid blocks, six high blocks.
var flashSectorLayout = []uint32{
	// low address space
	0x04000, 0x04000, 0x08000, 0x08000, 0x04000, 0x04000, 0x10000, 0x10000, 0x20000, 0x20000,
	// mid address space
	0x40000, 0x40000,
	// high address space
	0x80000, 0x80000, 0x80000, 0x80000, 0x80000, 0x80000,
}

// Flash models the embedded flash module: the non-volatile array plus the
// program/erase state machine and the password-protected lock registers.
// The array appears on the bus as a separate region sharing this state.
type Flash struct {
	device

	data   []byte
	shadow []byte

	sectors []sector

	mcr   *regs.Register
	lmlr  *regs.Register
	hlr   *regs.Register
	slmlr *regs.Register
	lmsr  *regs.Register
	hsr   *regs.Register

	lmlrEnabled  bool
	hlrEnabled   bool
	slmlrEnabled bool

	busy          bool
	opCycles      uint64
	progAddr      uint32
	progData      []byte
	hasInterlock  bool
	interlockAddr uint32
}

// NewFlash builds the flash module with an erased array.
func NewFlash(name string) *Flash {
	f := &Flash{
		device: newDevice(name),
		data:   make([]byte, FlashArraySize),
		shadow: make([]byte, flashShadowSize),
	}
	for i := range f.shadow {
		f.shadow[i] = 0xFF
	}
	// Factory shadow contents: serial passcode and uncensored device.
	copy(f.shadow[0x3DD8:], []byte{0xFE, 0xED, 0xFA, 0xCE, 0xCA, 0xFE, 0xBE, 0xEF})
	copy(f.shadow[0x3DE0:], []byte{0x55, 0xAA, 0x55, 0xAA})
	var base uint32
	for _, size := range flashSectorLayout {
		f.sectors = append(f.sectors, sector{start: base, size: size})
		base += size
	}
	if base != FlashArraySize {
		panic(fmt.Sprintf("flash: sector layout covers %X of %X", base, FlashArraySize))
	}

	f.mcr = regs.NewRegister("FLASH_MCR",
		regs.Rsvd(5),
		regs.RO("size", 3, 0b101),
		regs.Rsvd(1),
		regs.RO("las", 3, 0b110),
		regs.Rsvd(3),
		regs.RO("mas", 1, 0),
		regs.W1c("eer", 1),
		regs.W1c("rwe", 1),
		regs.W1c("sbc", 1),
		regs.Rsvd(1),
		regs.RO("peas", 1, 0),
		regs.RO("done", 1, 1),
		regs.RO("peg", 1, 1),
		regs.Rsvd(4),
		regs.RW("pgm", 1),
		regs.RW("psus", 1),
		regs.RW("ers", 1),
		regs.RW("esus", 1),
		regs.RW("ehv", 1))
	f.lmlr = regs.NewRegister("FLASH_LMLR",
		regs.RO("lme", 1, 0),
		regs.Rsvd(10),
		regs.RW("slock", 1),
		regs.Rsvd(4),
		regs.RW("mlock", 2),
		regs.Rsvd(4),
		regs.RW("llock", 10))
	f.hlr = regs.NewRegister("FLASH_HLR",
		regs.RO("hbe", 1, 0),
		regs.Rsvd(25),
		regs.RW("hlock", 6))
	f.slmlr = regs.NewRegister("FLASH_SLMLR",
		regs.RO("sle", 1, 0),
		regs.Rsvd(10),
		regs.RW("sslock", 1),
		regs.Rsvd(4),
		regs.RW("smlock", 2),
		regs.Rsvd(4),
		regs.RW("sllock", 10))
	f.lmsr = regs.NewRegister("FLASH_LMSR",
		regs.Rsvd(14),
		regs.RW("msel", 2),
		regs.Rsvd(6),
		regs.RW("lsel", 10))
	f.hsr = regs.NewRegister("FLASH_HSR",
		regs.Rsvd(26),
		regs.RW("hsel", 6))
	f.set.AddRegister(flashMCR, f.mcr)
	f.set.AddRegister(flashLMLR, f.lmlr)
	f.set.AddRegister(flashHLR, f.hlr)
	f.set.AddRegister(flashSLMLR, f.slmlr)
	f.set.AddRegister(flashLMSR, f.lmsr)
	f.set.AddRegister(flashHSR, f.hsr)
	f.set.AddRegister(flashAR, regs.NewRegister("FLASH_AR",
		regs.RO("sad", 1, 0), regs.Rsvd(13), regs.RO("ad", 18, 0)))
	f.set.AddRegister(flashBIUCR, regs.NewRegister("FLASH_BIUCR",
		regs.Rsvd(7), regs.RW("m8pfe", 1), regs.Rsvd(1), regs.RW("m6pfe", 1),
		regs.RW("m5pfe", 1), regs.RW("m4pfe", 1), regs.Rsvd(3), regs.RW("m0pfe", 1),
		regs.RWDef("apc", 3, 0b111), regs.RWDef("wwsc", 2, 0b11),
		regs.RWDef("rwsc", 3, 0b111), regs.Rsvd(1), regs.RW("dpfen", 1), regs.Rsvd(1),
		regs.RW("ipfen", 1), regs.Rsvd(1), regs.RW("pflim", 2), regs.RW("bfen", 1)))
	f.set.AddRegister(flashBIUAPR, regs.NewRegister("FLASH_BIUAPR",
		regs.Rsvd(14), regs.RW("m8ap", 2), regs.Rsvd(2), regs.RW("m6ap", 2), regs.RW("m5ap", 2),
		regs.RW("m4ap", 2), regs.Rsvd(6), regs.RW("m0ap", 2)))

	f.set.OnWrite(flashMCR, func(off uint32, size int) { f.mcrUpdate() })
	f.Reset()
	return f
}

// Reset restores the controller registers and lock enables. The array
// contents survive reset like the non-volatile memory they model; sector
// locks drop back to unlocked as the lock registers reload.
func (f *Flash) Reset() {
	f.set.Reset()
	f.lmlrEnabled = false
	f.hlrEnabled = false
	f.slmlrEnabled = false
	f.busy = false
	f.opCycles = 0
	f.hasInterlock = false
	f.progData = nil
	for i := range f.sectors {
		f.sectors[i].locked = false
		f.sectors[i].selected = false
		f.sectors[i].state = f.stateFromData(&f.sectors[i])
	}
}

// EraseAll returns every byte of the array and shadow block to 0xFF.
// This is factory state, not something firmware can reach in one step.
func (f *Flash) EraseAll() {
	for i := range f.data {
		f.data[i] = 0xFF
	}
	for i := range f.shadow {
		f.shadow[i] = 0xFF
	}
	for i := range f.sectors {
		f.sectors[i].state = SectorErased
	}
}

// Load copies an image into the array at the given offset, as a flash
// programmer would, and rederives the sector states.
func (f *Flash) Load(offset uint32, image []byte) error {
	if int(offset)+len(image) > len(f.data) {
		return fmt.Errorf("flash: image of %d bytes does not fit at %08X", len(image), offset)
	}
	copy(f.data[offset:], image)
	for i := range f.sectors {
		f.sectors[i].state = f.stateFromData(&f.sectors[i])
	}
	return nil
}

func (f *Flash) stateFromData(s *sector) SectorState {
	if s.locked {
		return SectorLocked
	}
	for _, b := range f.data[s.start : s.start+s.size] {
		if b != 0xFF {
			return SectorProgrammed
		}
	}
	return SectorErased
}

func (f *Flash) sectorAt(addr uint32) *sector {
	for i := range f.sectors {
		s := &f.sectors[i]
		if addr >= s.start && addr < s.start+s.size {
			return s
		}
	}
	return nil
}

// SectorState returns the state tag of the sector containing addr.
func (f *Flash) SectorState(addr uint32) SectorState {
	s := f.sectorAt(addr)
	if s == nil {
		return SectorErased
	}
	if s.locked {
		return SectorLocked
	}
	return s.state
}

// sectorLocked resolves the lock bit covering a sector from the lock
// registers: the first ten sectors are low space, the next two mid, the
// remaining six high.
func (f *Flash) sectorLocked(i int) bool {
	if f.sectors[i].locked {
		return true
	}
	switch {
	case i < 10:
		bit := uint32(1) << uint(i)
		return f.lmlr.Field("llock")&bit != 0 || f.slmlr.Field("sllock")&bit != 0
	case i < 12:
		bit := uint32(1) << uint(i-10)
		return f.lmlr.Field("mlock")&bit != 0 || f.slmlr.Field("smlock")&bit != 0
	default:
		return f.hlr.Field("hlock")&(1<<uint(i-12)) != 0
	}
}

// Lock hard-locks the sector containing addr until the next reset.
func (f *Flash) Lock(addr uint32) {
	if s := f.sectorAt(addr); s != nil {
		s.locked = true
		s.state = SectorLocked
	}
}

// Write handles the config-region registers. The lock registers only take
// lock-bit writes after their password has been written; the password
// write itself sets the enable flag and changes nothing else. This is the
// write-once-per-reset enable the datasheet describes.
func (f *Flash) Write(offset uint32, size int, value uint32) error {
	switch offset {
	case flashLMLR:
		if !f.lmlrEnabled {
			if value == flashLMLRPassword {
				f.lmlrEnabled = true
				f.lmlr.Override("lme", 1)
			}
			return nil
		}
	case flashHLR:
		if !f.hlrEnabled {
			if value == flashHLRPassword {
				f.hlrEnabled = true
				f.hlr.Override("hbe", 1)
			}
			return nil
		}
	case flashSLMLR:
		if !f.slmlrEnabled {
			if value == flashSLMLRPassword {
				f.slmlrEnabled = true
				f.slmlr.Override("sle", 1)
			}
			return nil
		}
	}
	return f.set.Write(offset, size, value)
}

// mcrUpdate starts a high-voltage operation when EHV rises with PGM or
// ERS set, and finishes the handshake when they are cleared.
func (f *Flash) mcrUpdate() {
	if f.busy {
		return
	}
	ehv := f.mcr.Bit("ehv")
	switch {
	case ehv && f.mcr.Bit("pgm") && f.progData != nil:
		f.startProgram()
	case ehv && f.mcr.Bit("ers") && f.hasInterlock:
		f.startErase()
	case !f.mcr.Bit("pgm") && !f.mcr.Bit("ers"):
		// Sequence abandoned or completed; drop any staged data.
		f.progData = nil
		f.hasInterlock = false
	}
}

func (f *Flash) startProgram() {
	f.busy = true
	f.opCycles = flashProgramCycles
	f.mcr.Override("done", 0)
	s := f.sectorAt(f.progAddr)
	if s != nil {
		s.state = SectorProgramming
	}
	f.log().WithField("addr", fmt.Sprintf("%08X", f.progAddr)).Debug("program started")
}

func (f *Flash) startErase() {
	f.busy = true
	f.opCycles = flashEraseCycles
	f.mcr.Override("done", 0)
	lsel := f.lmsr.Field("lsel")
	msel := f.lmsr.Field("msel")
	hsel := f.hsr.Field("hsel")
	for i := range f.sectors {
		sel := false
		switch {
		case i < 10:
			sel = lsel&(1<<uint(i)) != 0
		case i < 12:
			sel = msel&(1<<uint(i-10)) != 0
		default:
			sel = hsel&(1<<uint(i-12)) != 0
		}
		f.sectors[i].selected = sel
		if sel && !f.sectorLocked(i) {
			f.sectors[i].state = SectorErasing
		}
	}
	f.log().Debug("erase started")
}

// Advance completes a running program or erase once its time has elapsed.
func (f *Flash) Advance(cycles uint64) {
	if !f.busy {
		return
	}
	if cycles < f.opCycles {
		f.opCycles -= cycles
		return
	}
	f.busy = false
	f.opCycles = 0
	if f.mcr.Bit("pgm") && f.progData != nil {
		f.finishProgram()
	} else if f.mcr.Bit("ers") {
		f.finishErase()
	}
	f.mcr.Override("done", 1)
}

// finishProgram applies the staged data. Programming can only clear bits:
// the new cell value is the AND of the old contents and the written data,
// exactly as the hardware behaves when firmware programs over non-erased
// cells. Locked sectors take no effect and report a failed operation.
func (f *Flash) finishProgram() {
	s := f.sectorAt(f.progAddr)
	if s == nil {
		f.mcr.Override("peg", 0)
		return
	}
	if idx := f.sectorIndex(s); f.sectorLocked(idx) {
		s.state = f.stateFromData(s)
		f.mcr.Override("peg", 0)
		f.log().WithField("addr", fmt.Sprintf("%08X", f.progAddr)).
			Warn("program on locked sector ignored")
		return
	}
	for i, b := range f.progData {
		f.data[f.progAddr+uint32(i)] &= b
	}
	s.state = SectorProgrammed
	f.progData = nil
	f.mcr.Override("peg", 1)
}

func (f *Flash) finishErase() {
	ok := true
	for i := range f.sectors {
		s := &f.sectors[i]
		if !s.selected {
			continue
		}
		s.selected = false
		if f.sectorLocked(i) {
			ok = false
			continue
		}
		for j := s.start; j < s.start+s.size; j++ {
			f.data[j] = 0xFF
		}
		s.state = SectorErased
	}
	if ok {
		f.mcr.Override("peg", 1)
	} else {
		f.mcr.Override("peg", 0)
	}
}

func (f *Flash) sectorIndex(s *sector) int {
	for i := range f.sectors {
		if &f.sectors[i] == s {
			return i
		}
	}
	return -1
}

// ReadArray is the bus read path of the main array. While a program or
// erase is running the array returns erased data and latches the
// read-while-write error instead of returning contents.
func (f *Flash) ReadArray(offset uint32, size int) (uint32, error) {
	if int(offset)+size > len(f.data) {
		return 0, bus.ReadFault(bus.Unmapped, offset, size)
	}
	if f.busy {
		f.mcr.Override("rwe", 1)
		return 0xFFFFFFFF >> (8 * (4 - uint(size))), nil
	}
	var v uint32
	for _, b := range f.data[offset : int(offset)+size] {
		v = v<<8 | uint32(b)
	}
	return v, nil
}

// WriteArray is the bus write path of the main array. With MCR[PGM] set
// and no high voltage applied, the write is the program interlock that
// stages address and data. With MCR[ERS] set it is the erase interlock.
// Any other write is absorbed without effect, like real flash.
func (f *Flash) WriteArray(offset uint32, size int, value uint32) error {
	if int(offset)+size > len(f.data) {
		return bus.WriteFault(bus.Unmapped, offset, size)
	}
	switch {
	case f.mcr.Bit("pgm") && !f.mcr.Bit("ehv") && !f.busy:
		data := make([]byte, size)
		for i := size - 1; i >= 0; i-- {
			data[i] = byte(value)
			value >>= 8
		}
		if f.progData != nil && offset == f.progAddr+uint32(len(f.progData)) {
			// Sequential interlock writes extend the program buffer.
			f.progData = append(f.progData, data...)
		} else {
			f.progAddr = offset
			f.progData = data
		}
	case f.mcr.Bit("ers") && !f.mcr.Bit("ehv") && !f.busy:
		f.hasInterlock = true
		f.interlockAddr = offset
	default:
		f.log().WithField("addr", fmt.Sprintf("%08X", offset)).
			Debug("array write outside program/erase sequence ignored")
	}
	return nil
}

// ReadMem returns array contents directly, bypassing the busy check; used
// by the boot assist module before the bus is configured.
func (f *Flash) ReadMem(offset uint32, size int) uint32 {
	var v uint32
	for i := 0; i < size; i++ {
		v = v<<8 | uint32(f.data[offset+uint32(i)])
	}
	return v
}

// Array exposes the main array bytes for loaders and inspection.
func (f *Flash) Array() []byte { return f.data }

// Shadow exposes the shadow block holding the censorship control word
// and the serial boot passcode.
func (f *Flash) Shadow() []byte { return f.shadow }

// Censored reports whether the censorship control word disables external
// access. The factory value 0x55AA means uncensored.
func (f *Flash) Censored() bool {
	ccw := uint16(f.shadow[0x3DE0])<<8 | uint16(f.shadow[0x3DE1])
	return ccw != 0x55AA
}

// Busy reports whether a program or erase is in progress.
func (f *Flash) Busy() bool { return f.busy }

// FlashArray is the bus device for the main array address range.
type FlashArray struct {
	f *Flash
}

// NewFlashArray wraps the controller's array for bus registration.
func NewFlashArray(f *Flash) *FlashArray { return &FlashArray{f: f} }

// Name implements bus.Peripheral.
func (a *FlashArray) Name() string { return a.f.name + "_ARRAY" }

// Reset does nothing; the array is non-volatile.
func (a *FlashArray) Reset() {}

// Read implements bus.Peripheral.
func (a *FlashArray) Read(offset uint32, size int) (uint32, error) {
	return a.f.ReadArray(offset, size)
}

// Write implements bus.Peripheral.
func (a *FlashArray) Write(offset uint32, size int, value uint32) error {
	return a.f.WriteArray(offset, size, value)
}

// Advance implements bus.Peripheral; timing lives in the controller.
func (a *FlashArray) Advance(cycles uint64) {}

// Pending implements bus.Peripheral.
func (a *FlashArray) Pending() uint64 { return 0 }
