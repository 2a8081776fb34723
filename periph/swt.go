package periph

import (
	"github.com/Urethramancer/mpc5674/bus"
	"github.com/Urethramancer/mpc5674/regs"
)

// SWT register offsets.
const (
	swtMCR = 0x0000
	swtIR  = 0x0004
	swtTO  = 0x0008
	swtWN  = 0x000C
	swtSR  = 0x0010
	swtCO  = 0x0014
	swtSK  = 0x0018
)

// SWTCauseTimeout is the single SWT interrupt cause bit.
const SWTCauseTimeout = 0

// swtMinTimeout is the smallest countdown the hardware accepts.
const swtMinTimeout = 0x100

// Fixed service and unlock key sequences from the reference manual.
var (
	swtServiceKeys = [2]uint32{0xA602, 0xB480}
	swtUnlockKeys  = [2]uint32{0xC520, 0xD928}
)

// SWT models the software watchdog timer. The countdown is driven by
// Advance; a valid service key sequence reloads it to the full timeout in
// the same cycle the second key is written.
type SWT struct {
	device

	mcr *regs.Register
	ir  *regs.Register
	to  *regs.Register
	wn  *regs.Register
	sk  *regs.Register

	running   bool
	remaining uint64
	timeout   uint64
	timedOut  bool

	key    uint32
	keys   [2]uint32
	keyIdx int
	slkIdx int

	// ResetRequest is invoked when the watchdog expires in reset mode, or
	// when MCR[RIA] turns an invalid access into a reset. Wired by the SoC.
	ResetRequest func()
}

// NewSWT builds the watchdog. The power-on state has the watchdog enabled
// with the default timeout, as the silicon does.
func NewSWT() *SWT {
	w := &SWT{device: newDevice("SWT")}
	w.mcr = regs.NewRegister("SWT_MCR",
		regs.RWDef("map", 8, 0xFF),
		regs.Rsvd(14),
		regs.RW("key", 1),
		regs.RWDef("ria", 1, 1),
		regs.RW("wnd", 1),
		regs.RW("tif", 1),
		regs.RW("hlk", 1),
		regs.RW("slk", 1),
		regs.RWDef("csl", 1, 1),
		regs.RW("stp", 1),
		regs.RWDef("frz", 1, 1),
		regs.RWDef("wen", 1, 1))
	w.ir = regs.NewRegister("SWT_IR", regs.Rsvd(31), regs.W1c("tif", 1))
	w.to = regs.NewRegister("SWT_TO", regs.RWDef("wto", 32, 0x0005FCD0))
	w.wn = regs.NewRegister("SWT_WN", regs.RW("wst", 32))
	w.sk = regs.NewRegister("SWT_SK", regs.Rsvd(16), regs.RW("sk", 16))
	w.set.AddRegister(swtMCR, w.mcr)
	w.set.AddRegister(swtIR, w.ir)
	w.set.AddRegister(swtTO, w.to)
	w.set.AddRegister(swtWN, w.wn)
	w.set.AddRegister(swtSK, w.sk)
	w.set.OnWrite(swtMCR, func(off uint32, size int) { w.updateWatchdog() })
	w.set.OnWrite(swtSK, func(off uint32, size int) { w.setServiceKey() })
	w.Reset()
	return w
}

// Reset returns the watchdog to its power-on state: enabled, default
// timeout, fixed service keys.
func (w *SWT) Reset() {
	w.set.Reset()
	w.key = 0
	w.keys = swtServiceKeys
	w.keyIdx = 0
	w.slkIdx = 0
	w.timedOut = false
	w.updateWatchdog()
}

func (w *SWT) locked() bool {
	return w.mcr.Bit("hlk") || w.mcr.Bit("slk")
}

// lockable reports whether offset is one of the registers protected by the
// soft and hard lock bits.
func lockable(offset uint32) bool {
	switch offset {
	case swtMCR, swtTO, swtWN, swtSK:
		return true
	}
	return false
}

// Read implements the MMIO view. CO returns the live countdown when the
// watchdog is stopped, SR always reads zero so the key sequence never
// leaks back to firmware.
func (w *SWT) Read(offset uint32, size int) (uint32, error) {
	switch offset {
	case swtCO:
		if w.running {
			return 0, nil
		}
		return uint32(w.remaining), nil
	case swtSR:
		return 0, nil
	}
	return w.set.Read(offset, size)
}

// Write implements the MMIO view with the lock semantics: writes to the
// protected registers while locked raise a bus write error, or a reset
// request when MCR[RIA] and MCR[WEN] are set.
func (w *SWT) Write(offset uint32, size int, value uint32) error {
	if offset == swtSR {
		return w.service(value & 0xFFFF)
	}
	if w.locked() && lockable(offset) {
		return w.invalidAccess(offset, size)
	}
	return w.set.Write(offset, size, value)
}

func (w *SWT) invalidAccess(offset uint32, size int) error {
	if w.mcr.Bit("ria") && w.mcr.Bit("wen") {
		if w.ResetRequest != nil {
			w.ResetRequest()
		}
		return nil
	}
	return bus.WriteFault(bus.Privilege, offset, size)
}

// service handles a write to the service register: unlock sequence first
// (valid at any time), then window check, then the service key sequence.
func (w *SWT) service(key uint32) error {
	if key == swtUnlockKeys[w.slkIdx] {
		w.slkIdx++
		if w.slkIdx == 2 {
			w.slkIdx = 0
			w.mcr.Override("slk", 0)
		}
		return nil
	}
	w.slkIdx = 0

	if !w.mcr.Bit("wen") {
		return nil
	}
	// In window mode the service is only valid once the countdown has
	// dropped below the window start value.
	if w.mcr.Bit("wnd") && uint64(w.wn.Field("wst")) <= w.remaining {
		return w.invalidAccess(swtSR, 2)
	}

	if key == w.keys[w.keyIdx] {
		w.key = key
		w.keyIdx++
		if w.keyIdx == 2 {
			// The second key restarts the countdown in this same cycle.
			w.restart()
		}
	} else {
		w.keyIdx = 0
	}
	return nil
}

// restart reloads the countdown from TO and rolls the service keys
// forward when key-generation mode is on.
func (w *SWT) restart() {
	w.keyIdx = 0
	if w.mcr.Bit("key") {
		k1 := (17*w.key + 3) & 0xFFFF
		k2 := (17*k1 + 3) & 0xFFFF
		w.keys = [2]uint32{k1, k2}
	} else {
		w.key = 0
		w.keys = swtServiceKeys
	}
	w.timeout = uint64(w.to.Field("wto"))
	if w.timeout < swtMinTimeout {
		w.timeout = swtMinTimeout
	}
	w.remaining = w.timeout
	w.running = true
}

// setServiceKey seeds the key generator; only legal while disabled.
func (w *SWT) setServiceKey() {
	if !w.mcr.Bit("wen") && w.mcr.Bit("key") {
		w.key = w.sk.Field("sk")
	}
}

func (w *SWT) updateWatchdog() {
	if w.mcr.Bit("wen") && !w.mcr.Bit("stp") {
		w.restart()
	} else {
		w.running = false
	}
}

// Advance counts the watchdog down. Expiry in interrupt mode latches the
// timeout flag once and restarts; a second expiry, or expiry with the
// interrupt mode off, requests a reset.
func (w *SWT) Advance(cycles uint64) {
	if !w.running {
		return
	}
	if cycles < w.remaining {
		w.remaining -= cycles
		return
	}
	left := cycles - w.remaining
	if w.mcr.Bit("tif") && !w.timedOut {
		w.timedOut = true
		w.ir.Override("tif", 1)
		w.restart()
		w.log().Warn("watchdog timeout, interrupt latched")
		// Spend the cycles left over from this step on the fresh countdown.
		w.Advance(left)
		return
	}
	w.running = false
	w.log().Warn("watchdog timeout, reset requested")
	if w.ResetRequest != nil {
		w.ResetRequest()
	}
}

// Pending reports the timeout cause.
func (w *SWT) Pending() uint64 {
	if w.ir.Bit("tif") {
		return 1 << SWTCauseTimeout
	}
	return 0
}

// Acknowledge clears the timeout cause when the CPU takes the interrupt.
func (w *SWT) Acknowledge(cause uint) {
	if cause == SWTCauseTimeout {
		w.ir.Override("tif", 0)
	}
}

// Remaining returns the current countdown value, for tests and tooling.
func (w *SWT) Remaining() uint64 { return w.remaining }

// Running reports whether the countdown is active.
func (w *SWT) Running() bool { return w.running }
