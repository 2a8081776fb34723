// Package intc implements the interrupt controller: it aggregates the
// cause bits latched by the peripherals into a single prioritized vector
// for the CPU stepping loop. The controller owns the routing only; every
// cause latch stays in its peripheral and acknowledgment is forwarded
// there, so the pending set is always recomputable from device state.
package intc

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/Urethramancer/mpc5674/bus"
	"github.com/Urethramancer/mpc5674/regs"
)

var log = logrus.WithField("mod", "intc")

// Vector is an interrupt vector number from the chip's source table.
type Vector uint16

// Vector numbers of the sources wired by the SoC, from the MPC5674F
// reference-manual source list.
const (
	VecSoftware0 Vector = 0 // SSCIR0..SSCIR7 occupy vectors 0-7
	VecSWT       Vector = 8
	VecECSM      Vector = 9
	VecFMPLLLOC  Vector = 43
	VecFMPLLLOL  Vector = 44
	VecSIUEISR0  Vector = 46 // EISR flags 0-3 individual, 4-15 grouped
	VecSIUEISRG  Vector = 50
	VecEQADCA    Vector = 100
	VecDSPIBOver Vector = 131 // each DSPI gets five consecutive vectors
	VecDSPICOver Vector = 136
	VecDSPIDOver Vector = 141
	VecCANABus   Vector = 152
	VecCANAErr   Vector = 153
	VecCANAMB0   Vector = 155 // MB0-15 individual, then two grouped sources
	VecCANAMB16  Vector = 171
	VecCANAMB32  Vector = 172
	VecCANCBus   Vector = 173
	VecCANCErr   Vector = 174
	VecCANCMB0   Vector = 176
	VecCANCMB16  Vector = 192
	VecCANCMB32  Vector = 193
	VecDecfiltA  Vector = 197 // input/output pairs for filters A-H
	VecDSPIAOver Vector = 275
	VecDSPIAEOQ  Vector = 276
	VecDSPIAFill Vector = 277
	VecDSPIATx   Vector = 278
	VecDSPIARx   Vector = 279
	VecCANBBus   Vector = 280
	VecCANBErr   Vector = 281
	VecCANBMB0   Vector = 283
	VecCANBMB16  Vector = 299
	VecCANBMB32  Vector = 300
	VecCANDBus   Vector = 308
	VecCANDErr   Vector = 309
	VecCANDMB0   Vector = 311
	VecCANDMB16  Vector = 327
	VecCANDMB32  Vector = 328
	VecEQADCB    Vector = 394
	VecTimebase  Vector = 479 // decrementer wrap, routed on the last source
)

// NumVectors bounds the source table; the MPC5674F INTC routes 480 sources.
const NumVectors = 480

// Source describes one interrupt source: a cause bit of a peripheral
// routed to a vector with a static priority. Lower priority numbers win.
type Source struct {
	Dev      bus.Peripheral
	Cause    uint
	Vector   Vector
	Priority uint8
	Enabled  bool
}

// register offsets
const (
	mcrOffset   = 0x0000
	cprOffset   = 0x0008
	iackrOffset = 0x0010
	eoirOffset  = 0x0018
	sscirOffset = 0x0020
	psrOffset   = 0x0040
)

// thresholdNone means no pending source is withheld by priority.
const thresholdNone = 16

// Controller aggregates peripheral interrupt causes. It is itself a
// memory-mapped peripheral (MCR, CPR, IACKR, EOIR, SSCIR, PSR) and owns
// the eight software-settable sources.
type Controller struct {
	set *regs.Set

	sources  []Source
	byVector map[Vector]int

	// threshold is the current priority ceiling; sources with a priority
	// number at or above it are withheld. IACK pushes the taken source's
	// priority, EOIR pops.
	threshold int
	prioStack []int

	// sscir holds the pending latches of the software interrupts.
	sscir [8]bool

	mcr *regs.Register
	cpr *regs.Register
	psr []byte
}

// New creates the controller with an empty source table.
func New() *Controller {
	c := &Controller{byVector: make(map[Vector]int)}
	c.set = regs.NewSet()
	c.mcr = regs.NewRegister("INTC_MCR",
		regs.Rsvd(26), regs.RW("vtes", 1), regs.Rsvd(4), regs.RW("hven", 1))
	c.cpr = regs.NewRegister("INTC_CPR",
		regs.Rsvd(28), regs.RWDef("pri", 4, 0xF))
	c.set.AddRegister(mcrOffset, c.mcr)
	c.set.AddRegister(cprOffset, c.cpr)
	for i := uint32(0); i < 8; i++ {
		n := i
		r := regs.NewRegister(fmt.Sprintf("INTC_SSCIR%d", i),
			regs.Rsvd(24), regs.Rsvd(6), regs.RW("set", 1), regs.W1c("clr", 1))
		c.set.AddRegister(sscirOffset+i*4, r)
		c.set.OnWrite(sscirOffset+i*4, func(off uint32, size int) {
			c.sscirUpdate(n, r)
		})
	}
	c.psr = c.set.AddBytes(psrOffset, NumVectors)
	c.set.OnWrite(cprOffset, func(off uint32, size int) {
		c.threshold = int(c.cpr.Field("pri"))
	})
	c.set.OnWrite(psrOffset, func(off uint32, size int) { c.syncPSR(off, size) })
	c.Reset()
	return c
}

// AddSource registers an interrupt source. At most one source may own a
// vector; a duplicate is an emulator configuration defect.
func (c *Controller) AddSource(s Source) {
	if _, dup := c.byVector[s.Vector]; dup {
		panic(fmt.Sprintf("intc: vector %d registered twice", s.Vector))
	}
	c.byVector[s.Vector] = len(c.sources)
	c.sources = append(c.sources, s)
	c.psr[s.Vector] = psrByte(s.Priority, s.Enabled)
}

// psrByte packs a source's routing state into its PSR byte: the enable
// bit on top, the priority number in the low nibble.
func psrByte(prio uint8, enabled bool) byte {
	b := prio & 0x0F
	if enabled {
		b |= 0x80
	}
	return b
}

// syncPSR folds firmware writes to the PSR byte array back into the
// source table, so MMIO routing updates and the Go-level table agree.
func (c *Controller) syncPSR(off uint32, size int) {
	for b := off; b < off+uint32(size); b++ {
		i, ok := c.byVector[Vector(b)]
		if !ok {
			// No source wired on this vector; the byte still holds its value.
			continue
		}
		c.sources[i].Priority = c.psr[b] & 0x0F
		c.sources[i].Enabled = c.psr[b]&0x80 != 0
	}
}

// SetPriority reseeds the priority of a vector, allowing a harness to
// encode a different documented total order.
func (c *Controller) SetPriority(v Vector, prio uint8) {
	i, ok := c.byVector[v]
	if !ok {
		panic(fmt.Sprintf("intc: no source on vector %d", v))
	}
	c.sources[i].Priority = prio
	c.psr[v] = psrByte(prio, c.sources[i].Enabled)
}

// SetEnabled gates a source on or off.
func (c *Controller) SetEnabled(v Vector, on bool) {
	i, ok := c.byVector[v]
	if !ok {
		panic(fmt.Sprintf("intc: no source on vector %d", v))
	}
	c.sources[i].Enabled = on
	c.psr[v] = psrByte(c.sources[i].Priority, on)
}

func (c *Controller) sscirUpdate(n uint32, r *regs.Register) {
	// Writing SET latches the software interrupt; the SET bit itself
	// always reads back zero. CLR is W1C and already handled by the
	// register; mirror the latch into the controller state.
	if r.Bit("set") {
		c.sscir[n] = true
		r.Override("set", 0)
		r.Override("clr", 1)
	}
	if !r.Bit("clr") {
		c.sscir[n] = false
	}
}

// Name implements bus.Peripheral.
func (c *Controller) Name() string { return "INTC" }

// Reset restores power-on register values and drops the priority stack.
func (c *Controller) Reset() {
	c.set.Reset()
	c.threshold = thresholdNone
	c.prioStack = c.prioStack[:0]
	for i := range c.sscir {
		c.sscir[i] = false
	}
	for i := range c.sources {
		s := &c.sources[i]
		c.psr[s.Vector] = psrByte(s.Priority, s.Enabled)
	}
}

// Read implements the MMIO view. IACKR returns the vector of the highest
// priority pending source and acknowledges it, as the hardware does on the
// interrupt-acknowledge cycle.
func (c *Controller) Read(offset uint32, size int) (uint32, error) {
	switch offset {
	case iackrOffset:
		v, ok := c.PendingVector()
		if !ok {
			return 0, nil
		}
		c.Take(v)
		return uint32(v) << 2, nil
	case eoirOffset:
		return 0, nil
	}
	return c.set.Read(offset, size)
}

// Write implements the MMIO view. A write to EOIR ends the current
// interrupt and restores the previous priority ceiling.
func (c *Controller) Write(offset uint32, size int, value uint32) error {
	if offset == eoirOffset {
		c.EndOfInterrupt()
		return nil
	}
	return c.set.Write(offset, size, value)
}

// Advance implements bus.Peripheral; the controller itself is untimed.
func (c *Controller) Advance(cycles uint64) {}

// Pending returns the software-interrupt causes (bits 0-7).
func (c *Controller) Pending() uint64 {
	var p uint64
	for i, on := range c.sscir {
		if on {
			p |= 1 << uint(i)
		}
	}
	return p
}

// Acknowledge clears a software interrupt cause.
func (c *Controller) Acknowledge(cause uint) {
	if cause < 8 {
		c.sscir[cause] = false
		c.set.Reg(sscirOffset + uint32(cause)*4).Override("clr", 0)
	}
}

// PendingVector recomputes the pending set from every registered source
// and returns the winning vector. Ties in priority fall to the lower
// vector number. The second return is false when nothing is deliverable.
func (c *Controller) PendingVector() (Vector, bool) {
	best := -1
	bestPrio := thresholdNone
	for i := range c.sources {
		s := &c.sources[i]
		if !s.Enabled || int(s.Priority) >= c.threshold {
			continue
		}
		if s.Dev.Pending()&(1<<s.Cause) == 0 {
			continue
		}
		if int(s.Priority) < bestPrio ||
			(int(s.Priority) == bestPrio && best >= 0 && s.Vector < c.sources[best].Vector) {
			best = i
			bestPrio = int(s.Priority)
		}
	}
	if best < 0 {
		return 0, false
	}
	return c.sources[best].Vector, true
}

// Take acknowledges the vector: the cause latch is cleared in the owning
// peripheral and the priority ceiling drops to the source's priority so
// equal or less urgent sources are withheld until EndOfInterrupt.
func (c *Controller) Take(v Vector) {
	i, ok := c.byVector[v]
	if !ok {
		return
	}
	s := &c.sources[i]
	c.prioStack = append(c.prioStack, c.threshold)
	c.threshold = int(s.Priority)
	if ack, ok := s.Dev.(bus.Acknowledger); ok {
		ack.Acknowledge(s.Cause)
	}
	log.WithFields(logrus.Fields{"vector": v, "dev": s.Dev.Name()}).Debug("interrupt taken")
}

// EndOfInterrupt restores the priority ceiling in effect before the most
// recent Take. Extra writes with an empty stack are ignored, matching the
// hardware's tolerance of spurious EOIR writes.
func (c *Controller) EndOfInterrupt() {
	if n := len(c.prioStack); n > 0 {
		c.threshold = c.prioStack[n-1]
		c.prioStack = c.prioStack[:n-1]
	}
}
