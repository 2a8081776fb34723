package periph

import "github.com/Urethramancer/mpc5674/regs"

// FMPLL register offsets.
const (
	fmpllSYNSR   = 0x0004
	fmpllESYNCR1 = 0x0008
	fmpllESYNCR2 = 0x000C
	fmpllSYNFMCR = 0x0020
)

// FMPLL interrupt cause bits.
const (
	FMPLLCauseLOC = 0 // loss of clock
	FMPLLCauseLOL = 1 // loss of lock
)

// LockState is the PLL lock state machine.
type LockState int

const (
	// Unlocked means the PLL output is not usable as system clock.
	Unlocked LockState = iota
	// Locking means the PLL is acquiring lock after a configuration change.
	Locking
	// Locked means lock has been acquired.
	Locked
)

func (s LockState) String() string {
	switch s {
	case Locking:
		return "locking"
	case Locked:
		return "locked"
	}
	return "unlocked"
}

// lockCycles is the emulated lock acquisition time in core cycles.
const lockCycles = 200

// FMPLL models the frequency-modulated PLL system clock generator.
// The CLKCFG field follows the reversed bit order the silicon documents:
// bit 2 selects PLL mode, bit 1 the crystal reference, bit 0 PLL output.
type FMPLL struct {
	device

	// Extal is the configured external oscillator frequency in Hz.
	Extal float64
	// PLLCfg mirrors the PLLCFG boot pins sampled at reset.
	PLLCfg uint8

	synsr   *regs.Register
	esyncr1 *regs.Register
	esyncr2 *regs.Register

	state       LockState
	lockPending uint64
	savedClkCfg uint32
	pll         float64
}

// NewFMPLL builds the PLL with the given external oscillator frequency and
// PLLCFG pin sample.
func NewFMPLL(extal float64, pllcfg uint8) *FMPLL {
	p := &FMPLL{device: newDevice("FMPLL"), Extal: extal, PLLCfg: pllcfg}
	p.synsr = regs.NewRegister("FMPLL_SYNSR",
		regs.Rsvd(22),
		regs.W1c("lolf", 1),
		regs.RO("loc", 1, 0),
		regs.RO("mode", 1, 0),
		regs.RO("pllsel", 1, 0),
		regs.RO("pllref", 1, 0),
		regs.RO("locks", 1, 0),
		regs.RO("lock", 1, 0),
		regs.W1c("locf", 1),
		regs.Rsvd(2))
	p.esyncr1 = regs.NewRegister("FMPLL_ESYNCR1",
		regs.RO("", 1, 1),
		regs.RW("clkcfg", 3),
		regs.Rsvd(8),
		regs.RW("eprediv", 4),
		regs.Rsvd(8),
		regs.RWDef("emfd", 8, 0x20))
	p.esyncr2 = regs.NewRegister("FMPLL_ESYNCR2",
		regs.Rsvd(8),
		regs.RW("locen", 1),
		regs.RW("lolre", 1),
		regs.RW("locre", 1),
		regs.RW("lolirq", 1),
		regs.RW("locirq", 1),
		regs.Rsvd(1),
		regs.RW("erate", 2),
		regs.RW("clkcfg_dis", 1),
		regs.Rsvd(4),
		regs.RW("edepth", 3),
		regs.Rsvd(2),
		regs.RWDef("erfd", 6, 0x07))
	p.set.AddRegister(fmpllSYNSR, p.synsr)
	p.set.AddRegister(fmpllESYNCR1, p.esyncr1)
	p.set.AddRegister(fmpllESYNCR2, p.esyncr2)
	p.set.AddRegister(fmpllSYNFMCR, regs.NewRegister("FMPLL_SYNFMCR",
		regs.Rsvd(1),
		regs.RW("fmdac_en", 1),
		regs.Rsvd(9),
		regs.RW("fmdac_ctl", 5),
		regs.Rsvd(16)))
	p.set.OnWrite(fmpllESYNCR1, func(off uint32, size int) { p.esyncr1Update() })
	p.set.OnWrite(fmpllESYNCR2, func(off uint32, size int) { p.configClock() })
	p.Reset()
	return p
}

// Reset samples the PLLCFG boot pins into ESYNCR1 and derives the initial
// clock configuration, per the documented clock mode selection table.
func (p *FMPLL) Reset() {
	p.set.Reset()
	p.lockPending = 0
	p.state = Unlocked

	switch p.PLLCfg & 0b110 {
	case 0b000:
		p.esyncr1.Override("clkcfg", 0b000) // PLL off
	case 0b010:
		p.esyncr1.Override("clkcfg", 0b110) // normal mode, external reference
	case 0b100:
		p.esyncr1.Override("clkcfg", 0b111) // normal mode, crystal
	case 0b110:
		p.esyncr1.Override("clkcfg", 0b100) // reserved
	}
	if p.PLLCfg&1 == 0 {
		p.esyncr1.Override("eprediv", 0b0001)
	} else {
		p.esyncr1.Override("eprediv", 0b0011)
	}
	p.savedClkCfg = p.esyncr1.Field("clkcfg")
	p.configClock()
	// Power-on lock is immediate; firmware sees a locked PLL at boot.
	p.finishLock()
}

func (p *FMPLL) esyncr1Update() {
	// CLKCFG is frozen while ESYNCR2[CLKCFG_DIS] is set, and clock mode
	// changes are not honored until the PLL has relocked. Both are the
	// documented "write has no effect" policy, so the prior value is
	// silently restored.
	if p.esyncr2.Bit("clkcfg_dis") {
		p.esyncr1.Override("clkcfg", p.savedClkCfg)
	} else if p.state == Locking && p.esyncr1.Field("clkcfg") != p.savedClkCfg {
		p.log().WithField("reg", "ESYNCR1").Warn("clock mode change while unlocked ignored")
		p.esyncr1.Override("clkcfg", p.savedClkCfg)
	} else {
		p.savedClkCfg = p.esyncr1.Field("clkcfg")
	}
	p.configClock()
}

// configClock rederives SYNSR from CLKCFG and the divider fields, and
// restarts lock acquisition when the PLL output is selected.
func (p *FMPLL) configClock() {
	clkcfg := p.esyncr1.Field("clkcfg")
	mode := clkcfg >> 2 & 1
	p.synsr.Override("mode", mode)
	p.synsr.Override("pllref", clkcfg>>1&mode)
	p.synsr.Override("pllsel", clkcfg&mode)

	if p.synsr.Bit("pllsel") {
		p.pll = p.Extal * float64(p.esyncr1.Field("emfd")+16) /
			float64((p.esyncr1.Field("eprediv")+1)*(p.esyncr2.Field("erfd")+1))
		p.state = Locking
		p.lockPending = lockCycles
		p.synsr.Override("lock", 0)
		p.synsr.Override("locks", 0)
	} else {
		p.pll = p.Extal
		p.state = Unlocked
		p.synsr.Override("lock", 0)
		p.synsr.Override("locks", 0)
	}
	p.log().WithField("f_pll", p.pll).Debug("clock configured")
}

func (p *FMPLL) finishLock() {
	if p.state != Locking {
		return
	}
	p.state = Locked
	p.lockPending = 0
	p.synsr.Override("lock", 1)
	p.synsr.Override("locks", 1)
}

// Advance progresses lock acquisition.
func (p *FMPLL) Advance(cycles uint64) {
	if p.state != Locking {
		return
	}
	if cycles >= p.lockPending {
		p.finishLock()
		return
	}
	p.lockPending -= cycles
}

// LoseLock injects a loss-of-lock event, as a fault-injection harness
// would. The w1c flag latches and the PLL drops back to relocking.
func (p *FMPLL) LoseLock() {
	p.synsr.Override("lolf", 1)
	p.synsr.Override("lock", 0)
	p.state = Locking
	p.lockPending = lockCycles
}

// LoseClock injects a loss-of-clock event.
func (p *FMPLL) LoseClock() {
	p.synsr.Override("locf", 1)
	p.synsr.Override("loc", 1)
}

// Pending reports the loss-of-clock and loss-of-lock causes, gated by
// their interrupt enables.
func (p *FMPLL) Pending() uint64 {
	var c uint64
	if p.synsr.Bit("locf") && p.esyncr2.Bit("locirq") {
		c |= 1 << FMPLLCauseLOC
	}
	if p.synsr.Bit("lolf") && p.esyncr2.Bit("lolirq") {
		c |= 1 << FMPLLCauseLOL
	}
	return c
}

// State returns the lock state machine tag.
func (p *FMPLL) State() LockState { return p.state }

// FPLL returns the derived system clock frequency in Hz.
func (p *FMPLL) FPLL() float64 { return p.pll }

// FExtal returns the external oscillator frequency in Hz.
func (p *FMPLL) FExtal() float64 { return p.Extal }
