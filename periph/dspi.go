package periph

import (
	"github.com/Urethramancer/mpc5674/regs"
)

// DSPI register offsets.
const (
	dspiMCR   = 0x0000
	dspiTCR   = 0x0008
	dspiCTAR0 = 0x000C
	dspiSR    = 0x002C
	dspiRSER  = 0x0030
	dspiPUSHR = 0x0034
	dspiPOPR  = 0x0038
	dspiTXFR0 = 0x003C
	dspiRXFR0 = 0x007C
)

// FIFO depths. The receive side has one extra slot modelling the shift
// register that holds an in-flight frame.
const (
	dspiTxDepth = 4
	dspiRxDepth = 5
)

// PUSHR command field masks.
const (
	pushrCont  = 0x80000000
	pushrCTAS  = 0x70000000
	pushrEOQ   = 0x08000000
	pushrCTCNT = 0x04000000
	pushrPCS   = 0x003F0000
)

// DSPI interrupt cause bits, the order of the RSER enable bits.
const (
	DSPICauseTCF = iota
	DSPICauseEOQF
	DSPICauseTFUF
	DSPICauseTFFF
	DSPICauseRFOF
	DSPICauseRFDF
)

// SPIExchange is a chip-select target on the SPI bus. It receives the
// transmitted frame and returns the response frame; ok false means the
// device drives nothing and the controller receives idle data.
type SPIExchange func(value uint32) (uint32, bool)

// DSPI models one serial peripheral controller: the 4-deep transmit
// command FIFO, the 5-deep receive FIFO and the transfer attribute
// registers. External devices attach per chip select.
type DSPI struct {
	device

	mcr  *regs.Register
	tcr  *regs.Register
	sr   *regs.Register
	rser *regs.Register
	ctar [8]*regs.Register

	txFIFO []uint32
	rxFIFO []uint32

	causes uint64

	targets map[int]SPIExchange
}

// NewDSPI builds a serial controller with empty FIFOs and nothing on
// the bus.
func NewDSPI(name string) *DSPI {
	d := &DSPI{
		device:  newDevice(name),
		targets: make(map[int]SPIExchange),
	}
	d.mcr = regs.NewRegister("DSPI_MCR",
		regs.RW("mstr", 1),
		regs.RW("cont_scke", 1),
		regs.RW("dconf", 2),
		regs.RW("frz", 1),
		regs.RW("mtfe", 1),
		regs.RW("pcsse", 1),
		regs.RW("rooe", 1),
		regs.Rsvd(2),
		regs.RW("pcsis", 6),
		regs.RW("doze", 1),
		regs.RW("mdis", 1),
		regs.RW("dis_txf", 1),
		regs.RW("dis_rxf", 1),
		regs.RW("clr_txf", 1),
		regs.RW("clr_rxf", 1),
		regs.RW("smpl_pt", 2),
		regs.Rsvd(7),
		regs.RWDef("halt", 1, 1))
	d.tcr = regs.NewRegister("DSPI_TCR",
		regs.RW("spi_tcnt", 16),
		regs.Rsvd(16))
	d.sr = regs.NewRegister("DSPI_SR",
		regs.W1c("tcf", 1),
		regs.RO("txrxs", 1, 0),
		regs.Rsvd(1),
		regs.W1c("eoqf", 1),
		regs.W1c("tfuf", 1),
		regs.Rsvd(1),
		regs.W1c("tfff", 1),
		regs.Rsvd(5),
		regs.W1c("rfof", 1),
		regs.Rsvd(1),
		regs.W1c("rfdf", 1),
		regs.Rsvd(1),
		regs.RO("txctr", 4, 0),
		regs.RO("txnxtptr", 4, 0),
		regs.RO("rxctr", 4, 0),
		regs.RO("popnxtptr", 4, 0))
	d.sr.Override("tfff", 1)
	d.rser = regs.NewRegister("DSPI_RSER",
		regs.RW("tcf_re", 1),
		regs.Rsvd(2),
		regs.RW("eoqf_re", 1),
		regs.RW("tfuf_re", 1),
		regs.Rsvd(1),
		regs.RW("tfff_re", 1),
		regs.RW("tfff_dirs", 1),
		regs.Rsvd(4),
		regs.RW("rfof_re", 1),
		regs.Rsvd(1),
		regs.RW("rfdf_re", 1),
		regs.RW("rfdf_dirs", 1),
		regs.Rsvd(16))
	d.set.AddRegister(dspiMCR, d.mcr)
	d.set.AddRegister(dspiTCR, d.tcr)
	d.set.AddRegister(dspiSR, d.sr)
	d.set.AddRegister(dspiRSER, d.rser)
	for i := range d.ctar {
		d.ctar[i] = regs.NewRegister("DSPI_CTAR",
			regs.RW("dbr", 1),
			regs.RWDef("fmsz", 4, 0xF),
			regs.RW("cpol", 1),
			regs.RW("cpha", 1),
			regs.RW("lsbfe", 1),
			regs.RW("pcssck", 2),
			regs.RW("pasc", 2),
			regs.RW("pdt", 2),
			regs.RW("pbr", 2),
			regs.RW("cssck", 4),
			regs.RW("asc", 4),
			regs.RW("dt", 4),
			regs.RW("br", 4))
		d.set.AddRegister(dspiCTAR0+uint32(i)*4, d.ctar[i])
	}
	d.set.OnWrite(dspiMCR, func(off uint32, size int) { d.mcrUpdate() })
	d.set.OnWrite(dspiSR, func(off uint32, size int) { d.updateCounters() })
	d.Reset()
	return d
}

// Attach connects a device to one chip select line. Transfers whose
// PUSHR[PCS] selects that line are exchanged with the device.
func (d *DSPI) Attach(cs int, fn SPIExchange) {
	d.targets[cs] = fn
}

// Reset restores power-on state with empty FIFOs and the module halted.
func (d *DSPI) Reset() {
	d.set.Reset()
	d.sr.Override("tfff", 1)
	d.txFIFO = d.txFIFO[:0]
	d.rxFIFO = d.rxFIFO[:0]
	d.causes = 0
	d.updateCounters()
}

// Running reports whether transfers are enabled, SR[TXRXS].
func (d *DSPI) Running() bool { return d.sr.Bit("txrxs") }

func (d *DSPI) raise(cause uint) {
	d.causes |= 1 << cause
}

// enabled filters the latched causes through the RSER enable bits.
func (d *DSPI) enabledCauses() uint64 {
	var mask uint64
	if d.rser.Bit("tcf_re") {
		mask |= 1 << DSPICauseTCF
	}
	if d.rser.Bit("eoqf_re") {
		mask |= 1 << DSPICauseEOQF
	}
	if d.rser.Bit("tfuf_re") {
		mask |= 1 << DSPICauseTFUF
	}
	if d.rser.Bit("tfff_re") && !d.rser.Bit("tfff_dirs") {
		mask |= 1 << DSPICauseTFFF
	}
	if d.rser.Bit("rfof_re") {
		mask |= 1 << DSPICauseRFOF
	}
	if d.rser.Bit("rfdf_re") && !d.rser.Bit("rfdf_dirs") {
		mask |= 1 << DSPICauseRFDF
	}
	return d.causes & mask
}

// Pending implements bus.Peripheral.
func (d *DSPI) Pending() uint64 { return d.enabledCauses() }

// Acknowledge clears one latched cause together with its status bit.
func (d *DSPI) Acknowledge(cause uint) {
	d.causes &^= 1 << cause
	switch cause {
	case DSPICauseTCF:
		d.sr.Override("tcf", 0)
	case DSPICauseEOQF:
		d.sr.Override("eoqf", 0)
	case DSPICauseTFUF:
		d.sr.Override("tfuf", 0)
	case DSPICauseTFFF:
		d.sr.Override("tfff", 0)
	case DSPICauseRFOF:
		d.sr.Override("rfof", 0)
	case DSPICauseRFDF:
		d.sr.Override("rfdf", 0)
	}
}

// mcrUpdate handles the FIFO clear strobes and the start/stop of
// transfers when MCR[HALT] or MCR[MDIS] change.
func (d *DSPI) mcrUpdate() {
	if d.mcr.Bit("clr_txf") {
		d.txFIFO = d.txFIFO[:0]
		d.mcr.Override("clr_txf", 0)
		d.setFlag("tfff", DSPICauseTFFF)
	}
	if d.mcr.Bit("clr_rxf") {
		d.rxFIFO = d.rxFIFO[:0]
		d.mcr.Override("clr_rxf", 0)
	}
	running := !d.mcr.Bit("mdis") && !d.mcr.Bit("halt")
	was := d.sr.Bit("txrxs")
	d.sr.Override("txrxs", b2u(running))
	d.updateCounters()
	if running && !was {
		d.drainTx()
	}
}

// updateCounters refreshes the read-only FIFO counter fields in SR.
func (d *DSPI) updateCounters() {
	d.sr.Override("txctr", uint32(len(d.txFIFO)))
	if n := len(d.txFIFO); n > 0 {
		d.sr.Override("txnxtptr", uint32(n-1))
	} else {
		d.sr.Override("txnxtptr", 0)
	}
	rx := len(d.rxFIFO)
	if rx > dspiRxDepth-1 {
		rx = dspiRxDepth - 1
	}
	d.sr.Override("rxctr", uint32(rx))
}

func (d *DSPI) setFlag(field string, cause uint) {
	d.sr.Override(field, 1)
	d.raise(cause)
}

// transfer performs one frame exchange: decode the command word, run the
// frame past the selected chip-select target and push any response into
// the receive FIFO.
func (d *DSPI) transfer(cmd uint32) {
	ctas := (cmd & pushrCTAS) >> 28
	pcs := int((cmd & pushrPCS) >> 16)
	fmsz := d.ctar[ctas].Field("fmsz") + 1
	value := cmd & (1<<fmsz - 1)

	if cmd&pushrCTCNT != 0 {
		d.tcr.Override("spi_tcnt", 0)
	}

	if fn, ok := d.targets[pcs]; ok {
		if resp, drive := fn(value); drive {
			d.pushRx(resp)
		}
	} else {
		d.log().WithField("pcs", pcs).Debug("transfer with no attached device")
	}

	d.tcr.Override("spi_tcnt", (d.tcr.Field("spi_tcnt")+1)&0xFFFF)
	d.setFlag("tcf", DSPICauseTCF)

	if cmd&pushrEOQ != 0 {
		// End of queue stops transfers until firmware clears HALT again.
		d.setFlag("eoqf", DSPICauseEOQF)
		d.sr.Override("txrxs", 0)
		d.mcr.Override("halt", 1)
	}
}

// drainTx sends queued commands until the queue empties or an end-of-
// queue command halts the module.
func (d *DSPI) drainTx() {
	for len(d.txFIFO) > 0 && d.sr.Bit("txrxs") {
		cmd := d.txFIFO[len(d.txFIFO)-1]
		d.txFIFO = d.txFIFO[:len(d.txFIFO)-1]
		d.updateCounters()
		d.setFlag("tfff", DSPICauseTFFF)
		d.transfer(cmd)
	}
}

// pushTx accepts a PUSHR write: transfer immediately when running, queue
// while halted, drop when the queue is full.
func (d *DSPI) pushTx(cmd uint32) {
	if d.sr.Bit("txrxs") {
		d.transfer(cmd)
		d.setFlag("tfff", DSPICauseTFFF)
		return
	}
	depth := dspiTxDepth
	if d.mcr.Bit("dis_txf") {
		depth = 1
	}
	if len(d.txFIFO) >= depth {
		return
	}
	// Newest entry sits at index 0 like the memory-mapped FIFO view.
	d.txFIFO = append([]uint32{cmd}, d.txFIFO...)
	d.updateCounters()
	if len(d.txFIFO) != depth {
		d.setFlag("tfff", DSPICauseTFFF)
	}
}

// pushRx adds received data, overflowing per MCR[ROOE] when full.
func (d *DSPI) pushRx(value uint32) {
	depth := dspiRxDepth
	if d.mcr.Bit("dis_rxf") {
		depth = 2
	}
	if len(d.rxFIFO) < depth {
		d.rxFIFO = append(d.rxFIFO, value)
		d.updateCounters()
		d.setFlag("rfdf", DSPICauseRFDF)
		return
	}
	d.setFlag("rfof", DSPICauseRFOF)
	if d.mcr.Bit("rooe") {
		d.rxFIFO[len(d.rxFIFO)-1] = value
	}
}

// popRx removes the oldest received frame; empty pops read zero.
func (d *DSPI) popRx() uint32 {
	if len(d.rxFIFO) == 0 {
		return 0
	}
	v := d.rxFIFO[0]
	d.rxFIFO = d.rxFIFO[1:]
	d.updateCounters()
	if len(d.rxFIFO) > 0 {
		d.setFlag("rfdf", DSPICauseRFDF)
	} else {
		d.sr.Override("rfdf", 0)
	}
	return v
}

// Inject delivers unsolicited data from an external controller, as a
// transfer initiated by the remote end.
func (d *DSPI) Inject(value uint32) {
	if !d.sr.Bit("txrxs") {
		d.log().Debug("not running, frame dropped")
		return
	}
	d.pushRx(value)
}

// Read implements bus.Peripheral with the FIFO view regions handled
// outside the register set.
func (d *DSPI) Read(offset uint32, size int) (uint32, error) {
	switch {
	case offset >= dspiPUSHR && offset < dspiPUSHR+4:
		return d.fifoWord(d.txFIFO, 0, offset-dspiPUSHR, size), nil
	case offset >= dspiPOPR && offset < dspiPOPR+4:
		v := d.popRx()
		// Narrow reads take the low bytes of the popped frame.
		return v & (0xFFFFFFFF >> (8 * (4 - uint(size)))), nil
	case offset >= dspiTXFR0 && offset < dspiTXFR0+dspiTxDepth*4:
		rel := offset - dspiTXFR0
		return d.fifoWord(d.txFIFO, int(rel/4), rel%4, size), nil
	case offset >= dspiRXFR0 && offset < dspiRXFR0+dspiTxDepth*4:
		rel := offset - dspiRXFR0
		return d.fifoWord(d.rxFIFO, int(rel/4), rel%4, size), nil
	}
	return d.set.Read(offset, size)
}

// fifoWord reads part of one FIFO slot; empty slots read zero.
func (d *DSPI) fifoWord(fifo []uint32, idx int, byteOff uint32, size int) uint32 {
	var v uint32
	if idx < len(fifo) {
		v = fifo[idx]
	}
	v >>= (4 - byteOff - uint32(size)) * 8
	return v & (0xFFFFFFFF >> (8 * (4 - uint(size))))
}

// Write implements bus.Peripheral. Any write into PUSHR pushes a
// command; narrow writes zero-extend into the full command word.
func (d *DSPI) Write(offset uint32, size int, value uint32) error {
	if offset >= dspiPUSHR && offset < dspiPUSHR+4 {
		byteOff := offset - dspiPUSHR
		cmd := value << ((4 - byteOff - uint32(size)) * 8)
		d.pushTx(cmd)
		return nil
	}
	return d.set.Write(offset, size, value)
}
