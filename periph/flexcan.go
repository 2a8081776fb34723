package periph

import (
	"github.com/Urethramancer/mpc5674/regs"
)

// FlexCAN register offsets.
const (
	canMCR      = 0x0000
	canCTRL     = 0x0004
	canTIMER    = 0x0008
	canRXGMASK  = 0x0010
	canRX14MASK = 0x0014
	canRX15MASK = 0x0018
	canECR      = 0x001C
	canESR      = 0x0020
	canIMASK2   = 0x0024
	canIMASK1   = 0x0028
	canIFLAG2   = 0x002C
	canIFLAG1   = 0x0030
	canMB0      = 0x0080
	canMBEnd    = 0x0480
	canRXIMR0   = 0x0880
)

// Mailbox geometry.
const (
	// NumMailboxes is the number of message buffers per controller.
	NumMailboxes = 64
	mbSize       = 16
)

// Mailbox CODE values.
const (
	CodeRxInactive = 0x0
	CodeRxBusy     = 0x1
	CodeRxFull     = 0x2
	CodeRxOverrun  = 0x3
	CodeRxEmpty    = 0x4
	CodeTxInactive = 0x8
	CodeTxAbort    = 0x9
	CodeTxRTR      = 0xA
	CodeTxActive   = 0xC
)

const (
	canIDMask     = 0x1FFFFFFF
	canStdIDShift = 18
)

// CANMode is the controller operating mode derived from MCR and CTRL.
type CANMode int

const (
	// CANDisable means the module clock is off.
	CANDisable CANMode = iota
	// CANFreeze halts transfers while keeping registers accessible.
	CANFreeze
	// CANListenOnly receives without acknowledging frames.
	CANListenOnly
	// CANLoopback reflects transmitted frames back as received.
	CANLoopback
	// CANNormal is regular bus participation.
	CANNormal
)

func (m CANMode) String() string {
	switch m {
	case CANDisable:
		return "disable"
	case CANFreeze:
		return "freeze"
	case CANListenOnly:
		return "listen-only"
	case CANLoopback:
		return "loopback"
	case CANNormal:
		return "normal"
	}
	return "unknown"
}

// Frame is one CAN frame as it crosses the controller boundary.
type Frame struct {
	// ID is the arbitration identifier, 11 or 29 bits.
	ID uint32
	// Extended selects the 29-bit identifier format.
	Extended bool
	// RTR marks a remote transmission request.
	RTR bool
	// Data holds up to 8 payload bytes.
	Data []byte
	// Timestamp is the free-running timer value captured at reception.
	Timestamp uint16
}

// FlexCAN models one CAN controller instance: 64 message buffers, the
// global and individual receive masks, and the interrupt flag registers.
// Frames leave through the Tx hook and enter through Inject.
type FlexCAN struct {
	device

	mcr  *regs.Register
	ctrl *regs.Register
	esr  *regs.Register

	mb    []byte
	rximr []byte

	rxgmask  uint32
	rx14mask uint32
	rx15mask uint32
	imask1   uint32
	imask2   uint32
	iflag1   uint32
	iflag2   uint32

	timer uint16

	mode CANMode

	fperiph uint32

	// Tx receives every frame the controller puts on the bus. Nil drops
	// the frame, which matches an unconnected transceiver.
	Tx func(Frame)
}

// NewFlexCAN builds a CAN controller clocked from the given peripheral
// clock frequency.
func NewFlexCAN(name string, fperiph uint32) *FlexCAN {
	c := &FlexCAN{
		device:  newDevice(name),
		mb:      make([]byte, NumMailboxes*mbSize),
		rximr:   make([]byte, NumMailboxes*4),
		fperiph: fperiph,
	}
	c.mcr = regs.NewRegister("CAN_MCR",
		regs.RW("mdis", 1),
		regs.RWDef("frz", 1, 1),
		regs.RW("fen", 1),
		regs.RWDef("halt", 1, 1),
		regs.RO("not_rdy", 1, 1),
		regs.Rsvd(1),
		regs.RW("soft_rst", 1),
		regs.RO("frz_ack", 1, 1),
		regs.RWDef("supv", 1, 1),
		regs.Rsvd(1),
		regs.RW("wrn_en", 1),
		regs.RO("mdisack", 1, 1),
		regs.Rsvd(1),
		regs.RW("doze", 1),
		regs.RW("srx_dis", 1),
		regs.RW("mbfen", 1),
		regs.Rsvd(2),
		regs.RW("lprio_en", 1),
		regs.RW("aen", 1),
		regs.Rsvd(2),
		regs.RW("idam", 2),
		regs.Rsvd(2),
		regs.RWDef("maxmb", 6, 0b001111))
	c.ctrl = regs.NewRegister("CAN_CTRL",
		regs.RW("presdiv", 8),
		regs.RW("rjw", 2),
		regs.RW("pseg1", 3),
		regs.RW("pseg2", 3),
		regs.RW("boff_msk", 1),
		regs.RW("err_msk", 1),
		regs.RW("clk_src", 1),
		regs.RW("lpb", 1),
		regs.RW("twrn_msk", 1),
		regs.RW("rwrn_msk", 1),
		regs.Rsvd(2),
		regs.RW("smp", 1),
		regs.RW("boff_rec", 1),
		regs.RW("tsyn", 1),
		regs.RW("lbuf", 1),
		regs.RW("lom", 1),
		regs.RW("propseg", 3))
	c.esr = regs.NewRegister("CAN_ESR",
		regs.Rsvd(14),
		regs.W1c("twrn_int", 1),
		regs.W1c("rwrn_int", 1),
		regs.RO("bit1_err", 1, 0),
		regs.RO("bit0_err", 1, 0),
		regs.RO("ack_err", 1, 0),
		regs.RO("crc_err", 1, 0),
		regs.RO("frm_err", 1, 0),
		regs.RO("stf_err", 1, 0),
		regs.RO("tx_wrn", 1, 0),
		regs.RO("rx_wrn", 1, 0),
		regs.RO("idle", 1, 0),
		regs.RO("txrx", 1, 0),
		regs.RO("flt_conf", 2, 0),
		regs.Rsvd(1),
		regs.W1c("boff_int", 1),
		regs.W1c("err_int", 1),
		regs.Rsvd(1))
	c.set.AddRegister(canMCR, c.mcr)
	c.set.AddRegister(canCTRL, c.ctrl)
	c.set.AddRegister(canESR, c.esr)
	c.set.AddRegister(canECR, regs.NewRegister("CAN_ECR",
		regs.Rsvd(16), regs.RW("rx_err", 8), regs.RW("tx_err", 8)))

	c.set.OnWrite(canMCR, func(off uint32, size int) { c.mcrUpdate() })
	c.set.OnWrite(canCTRL, func(off uint32, size int) { c.updateMode() })
	c.Reset()
	return c
}

// Reset restores power-on state: all buffers inactive, masks wide open
// and the module disabled until firmware clears MCR[HALT].
func (c *FlexCAN) Reset() {
	c.set.Reset()
	for i := range c.mb {
		c.mb[i] = 0
	}
	for i := range c.rximr {
		c.rximr[i] = 0
	}
	c.rxgmask = 0xFFFFFFFF
	c.rx14mask = 0xFFFFFFFF
	c.rx15mask = 0xFFFFFFFF
	c.imask1 = 0
	c.imask2 = 0
	c.iflag1 = 0
	c.iflag2 = 0
	c.timer = 0
	c.mode = CANDisable
}

// softReset clears transfer state but keeps the bus configuration in
// CTRL and the MCR enable bit, like the MCR[SOFT_RST] feature.
func (c *FlexCAN) softReset() {
	mdis := c.mcr.Bit("mdis")
	c.mcr.Reset()
	if mdis {
		c.mcr.Override("mdis", 1)
	}
	c.esr.Reset()
	c.imask1 = 0
	c.imask2 = 0
	c.iflag1 = 0
	c.iflag2 = 0
	c.updateMode()
}

func (c *FlexCAN) mcrUpdate() {
	if c.mcr.Bit("soft_rst") {
		c.softReset()
		return
	}
	c.updateMode()
}

// updateMode recomputes the operating mode and the NOT_RDY, FRZ_ACK and
// MDISACK acknowledge bits from MCR and CTRL.
func (c *FlexCAN) updateMode() {
	old := c.mode
	switch {
	case c.mcr.Bit("mdis"):
		c.mode = CANDisable
	case c.mcr.Bit("frz") && c.mcr.Bit("halt"):
		c.mode = CANFreeze
	case c.ctrl.Bit("lom"):
		c.mode = CANListenOnly
	case c.ctrl.Bit("lpb"):
		c.mode = CANLoopback
	default:
		c.mode = CANNormal
	}
	c.mcr.Override("mdisack", b2u(c.mode == CANDisable))
	c.mcr.Override("frz_ack", b2u(c.mode == CANFreeze || c.mode == CANDisable))
	c.mcr.Override("not_rdy", b2u(c.mode == CANDisable || c.mode == CANFreeze))
	if old != c.mode {
		c.log().WithField("mode", c.mode.String()).Debug("mode change")
		if old == CANDisable || old == CANFreeze {
			// Buffers armed while stopped transmit on resume.
			c.transmitReady()
		}
	}
}

func b2u(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// Mode returns the current operating mode.
func (c *FlexCAN) Mode() CANMode { return c.mode }

// Bitrate returns the configured bus speed in bits per second, derived
// from the peripheral clock and the CTRL timing segments.
func (c *FlexCAN) Bitrate() uint32 {
	tq := c.ctrl.Field("propseg") + c.ctrl.Field("pseg1") + c.ctrl.Field("pseg2") + 4
	return c.fperiph / (c.ctrl.Field("presdiv") + 1) / tq
}

func (c *FlexCAN) ready() bool {
	return c.mode == CANNormal || c.mode == CANLoopback || c.mode == CANListenOnly
}

func (c *FlexCAN) mbCode(mb int) uint32 {
	return uint32(c.mb[mb*mbSize] & 0x0F)
}

func (c *FlexCAN) setMBCode(mb int, code uint32) {
	c.mb[mb*mbSize] = byte(code)
}

// mbID decodes the arbitration ID of a mailbox. The 11-bit format keeps
// the identifier in the top bits of the ID word.
func (c *FlexCAN) mbID(mb int) (id uint32, ext bool) {
	off := mb * mbSize
	ext = c.mb[off+1]&0x20 != 0
	id = uint32(c.mb[off+4])<<24 | uint32(c.mb[off+5])<<16 |
		uint32(c.mb[off+6])<<8 | uint32(c.mb[off+7])
	id &= canIDMask
	if !ext {
		id >>= canStdIDShift
	}
	return id, ext
}

// mbFrame decodes the full frame held in a mailbox.
func (c *FlexCAN) mbFrame(mb int) Frame {
	off := mb * mbSize
	id, ext := c.mbID(mb)
	length := int(c.mb[off+1] & 0x0F)
	if length > 8 {
		length = 8
	}
	f := Frame{
		ID:        id,
		Extended:  ext,
		RTR:       c.mb[off+1]&0x10 != 0,
		Data:      append([]byte(nil), c.mb[off+8:off+8+length]...),
		Timestamp: uint16(c.mb[off+2])<<8 | uint16(c.mb[off+3]),
	}
	return f
}

// storeFrame writes a frame into a mailbox with the given code and the
// current timer as its timestamp.
func (c *FlexCAN) storeFrame(mb int, f Frame, code uint32) {
	off := mb * mbSize
	length := byte(len(f.Data) & 0x0F)
	if f.RTR {
		length |= 0x10
	}
	id := f.ID & canIDMask
	if f.Extended {
		length |= 0x60
	} else {
		id <<= canStdIDShift
	}
	c.mb[off] = byte(code)
	c.mb[off+1] = length
	c.mb[off+2] = byte(c.timer >> 8)
	c.mb[off+3] = byte(c.timer)
	c.mb[off+4] = byte(id >> 24)
	c.mb[off+5] = byte(id >> 16)
	c.mb[off+6] = byte(id >> 8)
	c.mb[off+7] = byte(id)
	for i := 0; i < 8; i++ {
		if i < len(f.Data) {
			c.mb[off+8+i] = f.Data[i]
		} else {
			c.mb[off+8+i] = 0
		}
	}
}

// rxMask returns the acceptance mask covering a mailbox: buffers 14 and
// 15 have dedicated masks, the rest share the global mask, and with
// MCR[MBFEN] every buffer uses its individual RXIMR entry.
func (c *FlexCAN) rxMask(mb int) uint32 {
	if c.mcr.Bit("mbfen") {
		off := mb * 4
		return uint32(c.rximr[off])<<24 | uint32(c.rximr[off+1])<<16 |
			uint32(c.rximr[off+2])<<8 | uint32(c.rximr[off+3])
	}
	switch mb {
	case 14:
		return c.rx14mask
	case 15:
		return c.rx15mask
	default:
		return c.rxgmask
	}
}

// maskID reduces a register-format mask to identifier bits for the given
// frame format.
func maskID(mask uint32, ext bool) uint32 {
	mask &= canIDMask
	if !ext {
		mask >>= canStdIDShift
	}
	return mask
}

// raiseFlag latches the interrupt flag for a mailbox.
func (c *FlexCAN) raiseFlag(mb int) {
	if mb < 32 {
		c.iflag1 |= 1 << uint(mb)
	} else {
		c.iflag2 |= 1 << uint(mb-32)
	}
}

// Inject delivers a frame from the external bus to the controller, as a
// remote node transmission would. Matching scans receive-empty buffers
// in ascending index order and the first match takes the frame. When
// every matching buffer is full the last match is tagged overrun and the
// frame is dropped.
func (c *FlexCAN) Inject(f Frame) {
	if !c.ready() {
		c.log().Debug("not ready, frame dropped")
		return
	}
	lastMatch := -1
	for mb := 0; mb < NumMailboxes; mb++ {
		mbID, mbExt := c.mbID(mb)
		if mbExt != f.Extended {
			continue
		}
		mask := maskID(c.rxMask(mb), f.Extended)
		if f.ID&mask != mbID&mask {
			continue
		}
		switch c.mbCode(mb) {
		case CodeRxEmpty:
			if c.ctrl.Bit("tsyn") && mb == 0 {
				c.timer = 0
			}
			f.Timestamp = c.timer
			c.storeFrame(mb, f, CodeRxFull)
			c.raiseFlag(mb)
			return
		case CodeTxRTR:
			if f.RTR {
				// A matching remote request triggers the prepared answer.
				c.transmit(mb)
				return
			}
		case CodeRxFull, CodeRxOverrun:
			lastMatch = mb
		}
	}
	if lastMatch >= 0 {
		c.setMBCode(lastMatch, CodeRxOverrun)
		c.raiseFlag(lastMatch)
		c.log().WithField("mb", lastMatch).Debug("mailbox overrun, frame dropped")
		return
	}
	c.log().Debug("no matching mailbox, frame dropped")
}

// transmitReady picks the next armed transmit buffer and sends it. With
// CTRL[LBUF] the lowest buffer number goes first, otherwise the lowest
// arbitration ID wins like bus arbitration would.
func (c *FlexCAN) transmitReady() {
	if c.mode != CANNormal && c.mode != CANLoopback {
		return
	}
	for {
		best := -1
		var bestID uint32
		for mb := 0; mb < NumMailboxes; mb++ {
			if c.mbCode(mb) != CodeTxActive {
				continue
			}
			if c.ctrl.Bit("lbuf") {
				best = mb
				break
			}
			id, _ := c.mbID(mb)
			if best < 0 || id < bestID {
				best = mb
				bestID = id
			}
		}
		if best < 0 {
			return
		}
		c.transmit(best)
	}
}

// transmit puts one mailbox's frame on the bus and updates its code. A
// remote request leaves the buffer empty to catch the reply.
func (c *FlexCAN) transmit(mb int) {
	f := c.mbFrame(mb)
	if f.RTR && c.mbCode(mb) == CodeTxActive {
		c.setMBCode(mb, CodeRxEmpty)
	} else {
		c.setMBCode(mb, CodeTxInactive)
	}
	c.raiseFlag(mb)
	if c.Tx != nil {
		c.Tx(f)
	}
	if c.mode == CANLoopback && !c.mcr.Bit("srx_dis") {
		c.Inject(f)
	}
	c.log().WithField("id", f.ID).Debug("frame transmitted")
}

// Read implements bus.Peripheral, splitting between the fixed registers,
// the mailbox memory and the individual mask area.
func (c *FlexCAN) Read(offset uint32, size int) (uint32, error) {
	switch {
	case offset >= canMB0 && offset < canMBEnd:
		return readBytes(c.mb, offset-canMB0, size), nil
	case offset >= canRXIMR0 && offset < canRXIMR0+uint32(len(c.rximr)):
		return readBytes(c.rximr, offset-canRXIMR0, size), nil
	}
	switch offset &^ 3 {
	case canTIMER:
		return uint32(c.timer), nil
	case canRXGMASK:
		return c.rxgmask, nil
	case canRX14MASK:
		return c.rx14mask, nil
	case canRX15MASK:
		return c.rx15mask, nil
	case canIMASK1:
		return c.imask1, nil
	case canIMASK2:
		return c.imask2, nil
	case canIFLAG1:
		return c.iflag1, nil
	case canIFLAG2:
		return c.iflag2, nil
	}
	return c.set.Read(offset, size)
}

// Write implements bus.Peripheral. Mailbox writes to the control word
// trigger the coded action; interrupt flags are write-1-to-clear.
func (c *FlexCAN) Write(offset uint32, size int, value uint32) error {
	switch {
	case offset >= canMB0 && offset < canMBEnd:
		rel := offset - canMB0
		writeBytes(c.mb, rel, size, value)
		if rel%mbSize == 0 {
			c.mbWritten(int(rel / mbSize))
		}
		return nil
	case offset >= canRXIMR0 && offset < canRXIMR0+uint32(len(c.rximr)):
		writeBytes(c.rximr, offset-canRXIMR0, size, value)
		return nil
	}
	switch offset &^ 3 {
	case canTIMER:
		c.timer = uint16(value)
		return nil
	case canRXGMASK:
		c.rxgmask = value
		return nil
	case canRX14MASK:
		c.rx14mask = value
		return nil
	case canRX15MASK:
		c.rx15mask = value
		return nil
	case canIMASK1:
		c.imask1 = value
		return nil
	case canIMASK2:
		c.imask2 = value
		return nil
	case canIFLAG1:
		c.iflag1 &^= value
		return nil
	case canIFLAG2:
		c.iflag2 &^= value
		return nil
	}
	return c.set.Write(offset, size, value)
}

// mbWritten reacts to a new code in a mailbox control word.
func (c *FlexCAN) mbWritten(mb int) {
	if !c.ready() {
		return
	}
	switch c.mbCode(mb) {
	case CodeTxActive:
		c.transmitReady()
	case CodeTxAbort:
		c.setMBCode(mb, CodeTxInactive)
		c.raiseFlag(mb)
	}
}

// Advance runs the free-running timer while the module is active.
func (c *FlexCAN) Advance(cycles uint64) {
	if !c.ready() {
		return
	}
	c.timer += uint16(cycles)
}

// Pending reports the masked interrupt flags, one cause bit per mailbox.
func (c *FlexCAN) Pending() uint64 {
	return uint64(c.iflag1&c.imask1) | uint64(c.iflag2&c.imask2)<<32
}

// Acknowledge clears one mailbox interrupt flag.
func (c *FlexCAN) Acknowledge(cause uint) {
	if cause < 32 {
		c.iflag1 &^= 1 << cause
	} else if cause < 64 {
		c.iflag2 &^= 1 << (cause - 32)
	}
}

// readBytes assembles a big-endian value from a byte region.
func readBytes(b []byte, off uint32, size int) uint32 {
	var v uint32
	for i := 0; i < size; i++ {
		v = v<<8 | uint32(b[off+uint32(i)])
	}
	return v
}

// writeBytes scatters a big-endian value into a byte region.
func writeBytes(b []byte, off uint32, size int, value uint32) {
	for i := size - 1; i >= 0; i-- {
		b[off+uint32(i)] = byte(value)
		value >>= 8
	}
}
