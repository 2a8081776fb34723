package periph

import (
	"github.com/Urethramancer/mpc5674/regs"
)

// EQADC register offsets.
const (
	eqadcMCR   = 0x0000
	eqadcETDFR = 0x000C
	eqadcCFPR0 = 0x0010
	eqadcRFPR0 = 0x0030
	eqadcCFCR0 = 0x0050
	eqadcIDCR0 = 0x0060
	eqadcFISR0 = 0x0070
	eqadcCFTCR = 0x0090
	eqadcCF0R  = 0x0100
	eqadcRF0R  = 0x0300
)

// NumCFIFOs is the number of command/result FIFO pairs.
const NumCFIFOs = 6

const (
	eqadcFIFODepth = 4
)

// Conversion command fields.
const (
	cmdEOQ   = 0x80000000
	cmdPause = 0x40000000
)

// FISR flag bits.
const (
	fisrNCF  = 1 << 31
	fisrTORF = 1 << 30
	fisrPF   = 1 << 29
	fisrEOQF = 1 << 28
	fisrCFUF = 1 << 27
	fisrSSS  = 1 << 26
	fisrCFFF = 1 << 25
	fisrRFOF = 1 << 19
	fisrRFDF = 1 << 17

	fisrW1C = fisrNCF | fisrTORF | fisrPF | fisrEOQF | fisrCFUF | fisrCFFF | fisrRFOF | fisrRFDF
)

// IDCR enable bits, one 16-bit control per FIFO.
const (
	idcrNCIE  = 1 << 15
	idcrEOQIE = 1 << 12
	idcrCFFE  = 1 << 9
	idcrRFDE  = 1 << 1
)

// CFIFO operating modes from the CFCR MODE field.
const (
	cfifoDisabled    = 0x0
	cfifoSWSingle    = 0x1
	cfifoSWContinous = 0x9
)

// Per-FIFO interrupt cause bits, four per FIFO.
const (
	EQADCCauseCFFF = iota
	EQADCCauseRFDF
	EQADCCauseEOQF
	EQADCCauseNCF
	eqadcCausesPerFIFO
)

// EQADC models the enhanced queued analog converter: six command FIFOs
// feeding two conversion units and six result FIFOs. Channel voltages
// are injected through SetChannel; a conversion command samples whatever
// the channel held when the command was issued.
type EQADC struct {
	device

	cfifo [NumCFIFOs][]uint32
	rfifo [NumCFIFOs][]uint32
	cfcr  [NumCFIFOs]uint16
	idcr  [NumCFIFOs]uint16
	flags [NumCFIFOs]uint32
	tc    [NumCFIFOs]uint16

	channels [256]uint16

	causes uint64
}

// NewEQADC builds the converter with all FIFOs disabled.
func NewEQADC(name string) *EQADC {
	e := &EQADC{device: newDevice(name)}
	e.set.AddRegister(eqadcMCR, regs.NewRegister("EQADC_MCR",
		regs.Rsvd(24), regs.RW("icea", 2), regs.Rsvd(4), regs.RW("dbg", 2)))
	e.set.AddRegister(eqadcETDFR, regs.NewRegister("EQADC_ETDFR",
		regs.Rsvd(28), regs.RW("dfl", 4)))
	e.Reset()
	return e
}

// Reset clears every FIFO and control word.
func (e *EQADC) Reset() {
	e.set.Reset()
	for i := 0; i < NumCFIFOs; i++ {
		e.cfifo[i] = nil
		e.rfifo[i] = nil
		e.cfcr[i] = 0
		e.idcr[i] = 0
		e.flags[i] = fisrCFFF
		e.tc[i] = 0
	}
	e.causes = 0
}

// SetChannel sets the sampled value of one analog channel.
func (e *EQADC) SetChannel(ch uint8, value uint16) {
	e.channels[ch] = value
}

func (e *EQADC) raise(fifo int, cause uint) {
	e.causes |= 1 << (uint(fifo)*eqadcCausesPerFIFO + cause)
}

// Pending reports latched causes filtered by the IDCR enables.
func (e *EQADC) Pending() uint64 {
	var mask uint64
	for i := 0; i < NumCFIFOs; i++ {
		base := uint(i) * eqadcCausesPerFIFO
		if e.idcr[i]&idcrCFFE != 0 {
			mask |= 1 << (base + EQADCCauseCFFF)
		}
		if e.idcr[i]&idcrRFDE != 0 {
			mask |= 1 << (base + EQADCCauseRFDF)
		}
		if e.idcr[i]&idcrEOQIE != 0 {
			mask |= 1 << (base + EQADCCauseEOQF)
		}
		if e.idcr[i]&idcrNCIE != 0 {
			mask |= 1 << (base + EQADCCauseNCF)
		}
	}
	return e.causes & mask
}

// Acknowledge clears one latched cause.
func (e *EQADC) Acknowledge(cause uint) {
	e.causes &^= 1 << cause
}

// pushCommand queues a conversion command and, in a software-triggered
// mode with the single-scan strobe armed, runs the queue.
func (e *EQADC) pushCommand(fifo int, cmd uint32) {
	if len(e.cfifo[fifo]) >= eqadcFIFODepth {
		e.flags[fifo] |= fisrTORF
		return
	}
	e.cfifo[fifo] = append(e.cfifo[fifo], cmd)
	if len(e.cfifo[fifo]) == eqadcFIFODepth {
		e.flags[fifo] &^= fisrCFFF
	}
	mode := e.cfcr[fifo] & 0xF
	switch {
	case mode == cfifoSWContinous:
		e.scan(fifo)
	case mode == cfifoSWSingle && e.flags[fifo]&fisrSSS != 0:
		e.scan(fifo)
	}
}

// scan drains the command FIFO, converting each command and delivering
// results until the queue empties or an end-of-queue command stops it.
func (e *EQADC) scan(fifo int) {
	for len(e.cfifo[fifo]) > 0 {
		cmd := e.cfifo[fifo][0]
		e.cfifo[fifo] = e.cfifo[fifo][1:]
		e.flags[fifo] |= fisrCFFF
		e.raise(fifo, EQADCCauseCFFF)
		e.convert(fifo, cmd)
		e.tc[fifo]++
		if cmd&cmdEOQ != 0 {
			e.flags[fifo] |= fisrEOQF
			e.flags[fifo] &^= fisrSSS
			e.raise(fifo, EQADCCauseEOQF)
			return
		}
		if cmd&cmdPause != 0 {
			e.flags[fifo] |= fisrPF
			return
		}
	}
}

// convert samples the addressed channel and pushes the result into the
// FIFO selected by the command's message tag.
func (e *EQADC) convert(fifo int, cmd uint32) {
	ch := uint8(cmd >> 8)
	tag := int(cmd>>20) & 0xF
	if tag >= NumCFIFOs {
		// Null or reserved tag, result discarded.
		e.flags[fifo] |= fisrNCF
		e.raise(fifo, EQADCCauseNCF)
		return
	}
	if len(e.rfifo[tag]) >= eqadcFIFODepth {
		e.flags[tag] |= fisrRFOF
		return
	}
	e.rfifo[tag] = append(e.rfifo[tag], uint32(e.channels[ch]))
	e.flags[tag] |= fisrRFDF
	e.raise(tag, EQADCCauseRFDF)
}

// popResult removes the oldest result; empty FIFOs read zero.
func (e *EQADC) popResult(fifo int) uint32 {
	if len(e.rfifo[fifo]) == 0 {
		e.flags[fifo] |= fisrCFUF
		return 0
	}
	v := e.rfifo[fifo][0]
	e.rfifo[fifo] = e.rfifo[fifo][1:]
	if len(e.rfifo[fifo]) == 0 {
		e.flags[fifo] &^= fisrRFDF
	} else {
		e.raise(fifo, EQADCCauseRFDF)
	}
	return v
}

// fisr assembles a status word from the flag bits and live counters.
func (e *EQADC) fisr(fifo int) uint32 {
	v := e.flags[fifo]
	v |= uint32(len(e.cfifo[fifo])) << 12
	v |= uint32(len(e.rfifo[fifo])) << 4
	return v
}

// cfcrWrite applies a control write: the single-scan enable strobe arms
// SSS and triggering a software mode starts the scan.
func (e *EQADC) cfcrWrite(fifo int, value uint16) {
	e.cfcr[fifo] = value &^ (1 << 10)
	if value&(1<<10) != 0 {
		// SSE strobe
		e.flags[fifo] |= fisrSSS
	}
	if value&(1<<9) != 0 {
		// CFINV drops queued commands
		e.cfifo[fifo] = nil
		e.flags[fifo] |= fisrCFFF
	}
	mode := e.cfcr[fifo] & 0xF
	if (mode == cfifoSWSingle && e.flags[fifo]&fisrSSS != 0) || mode == cfifoSWContinous {
		e.scan(fifo)
	}
}

// Read implements bus.Peripheral over the mixed 16 and 32-bit map.
func (e *EQADC) Read(offset uint32, size int) (uint32, error) {
	switch {
	case offset >= eqadcCFPR0 && offset < eqadcCFPR0+NumCFIFOs*4:
		return 0, nil
	case offset >= eqadcRFPR0 && offset < eqadcRFPR0+NumCFIFOs*4:
		return e.popResult(int(offset-eqadcRFPR0) / 4), nil
	case offset >= eqadcCFCR0 && offset < eqadcCFCR0+NumCFIFOs*2:
		return e.halfword(offset, size, func(i int) uint16 { return e.cfcr[i] }, eqadcCFCR0), nil
	case offset >= eqadcIDCR0 && offset < eqadcIDCR0+NumCFIFOs*2:
		return e.halfword(offset, size, func(i int) uint16 { return e.idcr[i] }, eqadcIDCR0), nil
	case offset >= eqadcFISR0 && offset < eqadcFISR0+NumCFIFOs*4:
		return e.fisr(int(offset-eqadcFISR0) / 4), nil
	case offset >= eqadcCFTCR && offset < eqadcCFTCR+NumCFIFOs*2:
		return e.halfword(offset, size, func(i int) uint16 { return e.tc[i] }, eqadcCFTCR), nil
	case offset >= eqadcCF0R && offset < eqadcCF0R+NumCFIFOs*0x40:
		return e.fifoEntry(e.cfifo[:], offset-eqadcCF0R), nil
	case offset >= eqadcRF0R && offset < eqadcRF0R+NumCFIFOs*0x40:
		return e.fifoEntry(e.rfifo[:], offset-eqadcRF0R), nil
	}
	return e.set.Read(offset, size)
}

// halfword serves 2-byte registers packed two per word.
func (e *EQADC) halfword(offset uint32, size int, get func(int) uint16, base uint32) uint32 {
	rel := offset - base
	if size == 4 {
		i := int(rel / 2)
		return uint32(get(i))<<16 | uint32(get(i+1))
	}
	return uint32(get(int(rel / 2)))
}

// fifoEntry exposes the FIFO contents in their debug view windows.
func (e *EQADC) fifoEntry(fifos [][]uint32, rel uint32) uint32 {
	fifo := int(rel / 0x40)
	idx := int(rel%0x40) / 4
	if fifo < len(fifos) && idx < len(fifos[fifo]) {
		return fifos[fifo][idx]
	}
	return 0
}

// Write implements bus.Peripheral.
func (e *EQADC) Write(offset uint32, size int, value uint32) error {
	switch {
	case offset >= eqadcCFPR0 && offset < eqadcCFPR0+NumCFIFOs*4:
		e.pushCommand(int(offset-eqadcCFPR0)/4, value)
		return nil
	case offset >= eqadcCFCR0 && offset < eqadcCFCR0+NumCFIFOs*2:
		e.writeHalf(offset-eqadcCFCR0, size, value, e.cfcrWrite)
		return nil
	case offset >= eqadcIDCR0 && offset < eqadcIDCR0+NumCFIFOs*2:
		e.writeHalf(offset-eqadcIDCR0, size, value, func(i int, v uint16) { e.idcr[i] = v })
		return nil
	case offset >= eqadcFISR0 && offset < eqadcFISR0+NumCFIFOs*4:
		i := int(offset-eqadcFISR0) / 4
		e.flags[i] &^= value & fisrW1C
		return nil
	case offset >= eqadcCFTCR && offset < eqadcCFTCR+NumCFIFOs*2:
		e.writeHalf(offset-eqadcCFTCR, size, value, func(i int, v uint16) { e.tc[i] = v })
		return nil
	}
	return e.set.Write(offset, size, value)
}

// writeHalf scatters a write across the packed 16-bit registers.
func (e *EQADC) writeHalf(rel uint32, size int, value uint32, set func(int, uint16)) {
	if size == 4 {
		set(int(rel/2), uint16(value>>16))
		set(int(rel/2)+1, uint16(value))
		return
	}
	set(int(rel/2), uint16(value))
}
