package periph

import (
	"github.com/Urethramancer/mpc5674/regs"
)

// DECFILT register offsets.
const (
	decfiltMCR     = 0x0000
	decfiltMSR     = 0x0004
	decfiltIB      = 0x0010
	decfiltOB      = 0x0014
	decfiltCOEF0   = 0x0020
	decfiltTAP0    = 0x0078
	decfiltFINTVAL = 0x00E0
	decfiltFINTCNT = 0x00E4
)

// Filter geometry: 9 coefficients over 8 taps plus the new sample.
const (
	decfiltNumCoef = 9
	decfiltNumTap  = 8
)

const (
	decfiltCoefSign = 0x00800000
	decfiltCoefExt  = 0xFF000000
)

// Decimation filter interrupt causes.
const (
	DecfiltCauseInput = iota
	DecfiltCauseOutput
)

// Decfilt models one decimation filter block: a FIR over the tap history
// whose output is published every dec_rate+1 input samples.
type Decfilt struct {
	device

	mcr *regs.Register
	msr *regs.Register

	coef [decfiltNumCoef]int32
	tap  [decfiltNumTap]int32

	counter uint32
	causes  uint64
}

// NewDecfilt builds one filter block in its disabled state.
func NewDecfilt(name string) *Decfilt {
	d := &Decfilt{device: newDevice(name)}
	d.mcr = regs.NewRegister("DECFILT_MCR",
		regs.RW("mdis", 1),
		regs.RW("fren", 1),
		regs.Rsvd(1),
		regs.RW("frz", 1),
		regs.RW("sres", 1),
		regs.RW("cascd", 2),
		regs.RW("iden", 1),
		regs.RW("oden", 1),
		regs.RW("erren", 1),
		regs.Rsvd(1),
		regs.RW("ftype", 2),
		regs.Rsvd(1),
		regs.RW("scal", 2),
		regs.RWDef("idis", 1, 1),
		regs.RW("sat", 1),
		regs.RW("io_sel", 2),
		regs.RW("dec_rate", 4),
		regs.RW("sdie", 1),
		regs.RW("dsel", 1),
		regs.RW("ibie", 1),
		regs.RW("obie", 1),
		regs.RW("edme", 1),
		regs.RW("tore", 1),
		regs.RW("tmode", 2))
	d.msr = regs.NewRegister("DECFILT_MSR",
		regs.RO("bsy", 1, 0),
		regs.Rsvd(1),
		regs.RO("dec_counter", 4, 0),
		regs.RW("idfc", 1),
		regs.RW("odfc", 1),
		regs.Rsvd(1),
		regs.RW("ibic", 1),
		regs.RW("obic", 1),
		regs.Rsvd(1),
		regs.RW("divrc", 1),
		regs.RW("ovfc", 1),
		regs.RW("ovrc", 1),
		regs.RW("ivrc", 1),
		regs.Rsvd(6),
		regs.RO("idf", 1, 0),
		regs.RO("odf", 1, 0),
		regs.Rsvd(1),
		regs.RO("ibif", 1, 0),
		regs.RO("obif", 1, 0),
		regs.Rsvd(1),
		regs.RO("divr", 1, 0),
		regs.RO("ovf", 1, 0),
		regs.RO("ovr", 1, 0),
		regs.RO("ivr", 1, 0))
	d.set.AddRegister(decfiltMCR, d.mcr)
	d.set.AddRegister(decfiltMSR, d.msr)
	d.set.AddRegister(decfiltIB, regs.NewRegister("DECFILT_IB",
		regs.Rsvd(4),
		regs.RW("intag", 4),
		regs.Rsvd(6),
		regs.RW("prefill", 1),
		regs.RW("flush", 1),
		regs.RW("inpbuf", 16)))
	d.set.AddRegister(decfiltOB, regs.NewRegister("DECFILT_OB",
		regs.Rsvd(12),
		regs.RO("outtag", 4, 0),
		regs.RO("outbuf", 16, 0)))
	d.set.AddRegister(decfiltFINTVAL, regs.NewRegister("DECFILT_FINTVAL",
		regs.RO("value", 32, 0)))
	d.set.AddRegister(decfiltFINTCNT, regs.NewRegister("DECFILT_FINTCNT",
		regs.RO("count", 32, 0)))

	d.set.OnWrite(decfiltMCR, func(off uint32, size int) { d.mcrUpdate() })
	d.set.OnWrite(decfiltMSR, func(off uint32, size int) { d.msrClear() })
	d.set.OnWrite(decfiltIB, func(off uint32, size int) { d.newInput() })
	d.Reset()
	return d
}

// Reset restores power-on state and clears the tap history.
func (d *Decfilt) Reset() {
	d.set.Reset()
	for i := range d.coef {
		d.coef[i] = 0
	}
	d.softReset()
	d.causes = 0
}

func (d *Decfilt) softReset() {
	d.msr.Reset()
	for i := range d.tap {
		d.tap[i] = 0
	}
	d.counter = 0
}

func (d *Decfilt) mcrUpdate() {
	if d.mcr.Bit("sres") {
		d.mcr.Override("sres", 0)
		d.softReset()
	}
}

// msrClear handles the clear strobes paired with each status flag.
func (d *Decfilt) msrClear() {
	clear := func(strobe, flag string) {
		if d.msr.Bit(strobe) {
			d.msr.Override(strobe, 0)
			d.msr.Override(flag, 0)
		}
	}
	clear("idfc", "idf")
	clear("odfc", "odf")
	clear("ibic", "ibif")
	clear("obic", "obif")
	clear("divrc", "divr")
	clear("ovfc", "ovf")
	clear("ovrc", "ovr")
	clear("ivrc", "ivr")
}

// Pending reports latched causes filtered by the MCR interrupt enables.
func (d *Decfilt) Pending() uint64 {
	var mask uint64
	if d.mcr.Bit("iden") {
		mask |= 1 << DecfiltCauseInput
	}
	if d.mcr.Bit("oden") {
		mask |= 1 << DecfiltCauseOutput
	}
	return d.causes & mask
}

// Acknowledge clears one latched cause.
func (d *Decfilt) Acknowledge(cause uint) {
	d.causes &^= 1 << cause
}

// signExtendCoef widens the 24-bit two's complement coefficient.
func signExtendCoef(v uint32) int32 {
	if v&decfiltCoefSign != 0 {
		return int32(v | decfiltCoefExt)
	}
	return int32(v &^ decfiltCoefExt)
}

// SetCoef loads one filter coefficient as firmware would through the
// coefficient window.
func (d *Decfilt) SetCoef(i int, v uint32) {
	d.coef[i] = signExtendCoef(v)
}

// newInput takes the sample written to the input buffer through the
// filter. A flush strobe clears the tap history instead of filtering.
func (d *Decfilt) newInput() {
	ib := d.set.Reg(decfiltIB)
	if ib.Bit("flush") {
		ib.Override("flush", 0)
		d.softReset()
		return
	}
	if d.mcr.Bit("mdis") {
		return
	}
	sample := int32(int16(ib.Field("inpbuf")))
	d.msr.Override("idf", 1)
	d.raise(DecfiltCauseInput)

	out := d.filter(sample)

	// Shift the sample into the tap history.
	copy(d.tap[1:], d.tap[:len(d.tap)-1])
	d.tap[0] = sample

	if ib.Bit("prefill") {
		// Prefill loads taps without producing output.
		ib.Override("prefill", 0)
		return
	}

	rate := d.mcr.Field("dec_rate") + 1
	d.counter++
	d.msr.Override("dec_counter", d.counter&0xF)
	if d.counter < rate {
		return
	}
	d.counter = 0
	d.msr.Override("dec_counter", 0)

	ob := d.set.Reg(decfiltOB)
	ob.Override("outtag", ib.Field("intag"))
	ob.Override("outbuf", uint32(uint16(out)))
	d.msr.Override("odf", 1)
	d.raise(DecfiltCauseOutput)
}

// filter evaluates the FIR over the current history plus the new sample.
// Coefficients are 1.23 fixed point; a bypass filter type passes the
// sample through unchanged.
func (d *Decfilt) filter(sample int32) int32 {
	if d.mcr.Field("ftype") == 0 {
		return sample
	}
	acc := int64(d.coef[0]) * int64(sample)
	for i := 0; i < decfiltNumTap; i++ {
		acc += int64(d.coef[i+1]) * int64(d.tap[i])
	}
	out := int32(acc >> 23)
	if d.mcr.Bit("sat") {
		if out > 0x7FFF {
			out = 0x7FFF
			d.msr.Override("ovf", 1)
		} else if out < -0x8000 {
			out = -0x8000
			d.msr.Override("ovf", 1)
		}
	}
	return out
}

func (d *Decfilt) raise(cause uint) {
	d.causes |= 1 << cause
}

// Read serves the coefficient and tap windows alongside the register set.
func (d *Decfilt) Read(offset uint32, size int) (uint32, error) {
	switch {
	case offset >= decfiltCOEF0 && offset < decfiltCOEF0+decfiltNumCoef*4:
		return uint32(d.coef[(offset-decfiltCOEF0)/4]), nil
	case offset >= decfiltTAP0 && offset < decfiltTAP0+decfiltNumTap*4:
		return uint32(d.tap[(offset-decfiltTAP0)/4]), nil
	}
	return d.set.Read(offset, size)
}

// Write serves the coefficient window alongside the register set.
func (d *Decfilt) Write(offset uint32, size int, value uint32) error {
	if offset >= decfiltCOEF0 && offset < decfiltCOEF0+decfiltNumCoef*4 {
		d.SetCoef(int(offset-decfiltCOEF0)/4, value)
		return nil
	}
	return d.set.Write(offset, size, value)
}
