package periph

import "github.com/Urethramancer/mpc5674/bus"

// TBCauseDec is the decrementer-wrap interrupt cause.
const TBCauseDec = 0

// Timebase models the core timebase and decrementer. On real silicon these
// are SPRs inside the e200 core rather than memory-mapped registers, so
// the device is advanced by the step loop but never placed on the bus;
// the stepping engine reads and writes it through accessors.
type Timebase struct {
	tb      uint64
	dec     uint32
	decIRQ  bool
	running bool
	// DecEnabled gates decrementer-wrap interrupt latching (TCR[DIE]).
	DecEnabled bool
}

// NewTimebase creates the timebase; it starts running, matching the
// power-on state the boot firmware expects.
func NewTimebase() *Timebase {
	return &Timebase{running: true}
}

// Name implements bus.Peripheral.
func (t *Timebase) Name() string { return "TB" }

// Reset stops the pending interrupt and clears both counters. The counter
// keeps running across soft resets; a power-on reset recreates the device.
func (t *Timebase) Reset() {
	t.tb = 0
	t.dec = 0
	t.decIRQ = false
	t.running = true
}

// Read faults: the timebase is not a bus target.
func (t *Timebase) Read(offset uint32, size int) (uint32, error) {
	return 0, bus.ReadFault(bus.Unmapped, offset, size)
}

// Write faults: the timebase is not a bus target.
func (t *Timebase) Write(offset uint32, size int, value uint32) error {
	return bus.WriteFault(bus.Unmapped, offset, size)
}

// Advance increments the timebase and counts the decrementer down. The
// decrementer latches its cause exactly on the cycle it reaches zero.
func (t *Timebase) Advance(cycles uint64) {
	if !t.running {
		return
	}
	t.tb += cycles
	if t.dec == 0 {
		return
	}
	if uint64(t.dec) <= cycles {
		t.dec = 0
		if t.DecEnabled {
			t.decIRQ = true
		}
		return
	}
	t.dec -= uint32(cycles)
}

// Pending reports the decrementer cause.
func (t *Timebase) Pending() uint64 {
	if t.decIRQ {
		return 1 << TBCauseDec
	}
	return 0
}

// Acknowledge clears the decrementer cause.
func (t *Timebase) Acknowledge(cause uint) {
	if cause == TBCauseDec {
		t.decIRQ = false
	}
}

// TB returns the 64-bit timebase value.
func (t *Timebase) TB() uint64 { return t.tb }

// SetTB writes the timebase, as the TBU/TBL write-only SPRs do.
func (t *Timebase) SetTB(v uint64) { t.tb = v }

// Dec returns the decrementer value.
func (t *Timebase) Dec() uint32 { return t.dec }

// SetDec loads the decrementer and clears any latched wrap cause.
func (t *Timebase) SetDec(v uint32) {
	t.dec = v
	t.decIRQ = false
}

// Enable starts or stops the timebase, as HID0[TBEN] does.
func (t *Timebase) Enable(on bool) { t.running = on }

// Running reports whether the timebase advances.
func (t *Timebase) Running() bool { return t.running }

// Snapshot returns the counter state for inspection tooling.
func (t *Timebase) Snapshot() map[string]any {
	return map[string]any{"tb": t.tb, "dec": t.dec, "running": t.running}
}
