package periph_test

import (
	"testing"

	"github.com/Urethramancer/mpc5674/periph"
)

// newCAN builds a controller in the given mode. Mailboxes are armed
// after the mode is set unless the test freezes the module first.
func newCAN(t *testing.T, mcr uint32) *periph.FlexCAN {
	t.Helper()
	c := periph.NewFlexCAN("CAN_A", 60000000)
	if err := c.Write(0, 4, mcr); err != nil {
		t.Fatalf("MCR write failed: %v", err)
	}
	return c
}

const (
	canRun    = 0x0000000F // FRZ and HALT clear
	canFrozen = 0x5000000F
)

// armRx sets up a receive-empty mailbox with a standard identifier.
func armRx(t *testing.T, c *periph.FlexCAN, mb int, id uint32) {
	t.Helper()
	off := uint32(0x80 + mb*16)
	if err := c.Write(off+4, 4, id<<18); err != nil {
		t.Fatalf("MB%d ID write failed: %v", mb, err)
	}
	if err := c.Write(off, 4, uint32(periph.CodeRxEmpty)<<24); err != nil {
		t.Fatalf("MB%d arm failed: %v", mb, err)
	}
}

// armTx stages a data frame in a transmit mailbox with the given code.
func armTx(t *testing.T, c *periph.FlexCAN, mb int, id uint32, code uint32, data []byte) {
	t.Helper()
	off := uint32(0x80 + mb*16)
	if err := c.Write(off+4, 4, id<<18); err != nil {
		t.Fatalf("MB%d ID write failed: %v", mb, err)
	}
	var words [2]uint32
	for i, b := range data {
		words[i/4] |= uint32(b) << (8 * (3 - uint(i%4)))
	}
	if err := c.Write(off+8, 4, words[0]); err != nil {
		t.Fatalf("MB%d data write failed: %v", mb, err)
	}
	if err := c.Write(off+12, 4, words[1]); err != nil {
		t.Fatalf("MB%d data write failed: %v", mb, err)
	}
	ctl := code<<24 | uint32(len(data))<<16
	if err := c.Write(off, 4, ctl); err != nil {
		t.Fatalf("MB%d arm failed: %v", mb, err)
	}
}

func mbWord(t *testing.T, c *periph.FlexCAN, mb int, word uint32) uint32 {
	t.Helper()
	v, err := c.Read(uint32(0x80+mb*16)+word*4, 4)
	if err != nil {
		t.Fatalf("MB%d read failed: %v", mb, err)
	}
	return v
}

func TestCANModeHandshake(t *testing.T) {
	c := periph.NewFlexCAN("CAN_A", 60000000)
	if c.Mode() != periph.CANDisable {
		t.Fatalf("power-on mode: got %v", c.Mode())
	}
	if err := c.Write(0, 4, canFrozen); err != nil {
		t.Fatalf("MCR write failed: %v", err)
	}
	if c.Mode() != periph.CANFreeze {
		t.Fatalf("frozen mode: got %v", c.Mode())
	}
	mcr, _ := c.Read(0, 4)
	// FRZ_ACK and NOT_RDY acknowledge the freeze.
	if mcr&0x01000000 == 0 || mcr&0x08000000 == 0 {
		t.Fatalf("freeze handshake: MCR %08X", mcr)
	}

	if err := c.Write(0, 4, canRun); err != nil {
		t.Fatalf("MCR write failed: %v", err)
	}
	if c.Mode() != periph.CANNormal {
		t.Fatalf("running mode: got %v", c.Mode())
	}
	mcr, _ = c.Read(0, 4)
	if mcr&0x09000000 != 0 {
		t.Fatalf("acknowledge bits stuck: MCR %08X", mcr)
	}
}

func TestCANReceiveMatching(t *testing.T) {
	c := newCAN(t, canRun)
	armRx(t, c, 3, 0x123)
	armRx(t, c, 7, 0x456)

	c.Inject(periph.Frame{ID: 0x456, Data: []byte{0xDE, 0xAD}})

	if code := mbWord(t, c, 3, 0) >> 24 & 0xF; code != periph.CodeRxEmpty {
		t.Fatalf("MB3 touched: code %X", code)
	}
	ctl := mbWord(t, c, 7, 0)
	if ctl>>24&0xF != periph.CodeRxFull {
		t.Fatalf("MB7 code: got %X, want full", ctl>>24&0xF)
	}
	if ctl>>16&0xF != 2 {
		t.Fatalf("MB7 length: got %d, want 2", ctl>>16&0xF)
	}
	if data := mbWord(t, c, 7, 2); data != 0xDEAD0000 {
		t.Fatalf("MB7 data: got %08X", data)
	}

	// The flag pends only once IMASK1 enables the buffer.
	if c.Pending() != 0 {
		t.Fatalf("pending without mask: %X", c.Pending())
	}
	if err := c.Write(0x28, 4, 1<<7); err != nil {
		t.Fatalf("IMASK1 write failed: %v", err)
	}
	if c.Pending() != 1<<7 {
		t.Fatalf("pending: got %X, want MB7", c.Pending())
	}

	// IFLAG1 is write-1-to-clear.
	if err := c.Write(0x30, 4, 1<<7); err != nil {
		t.Fatalf("IFLAG1 write failed: %v", err)
	}
	if c.Pending() != 0 {
		t.Fatalf("flag survived w1c: %X", c.Pending())
	}
}

func TestCANGlobalMask(t *testing.T) {
	c := newCAN(t, canRun)
	armRx(t, c, 0, 0x100)
	// Compare only the top three identifier bits.
	if err := c.Write(0x10, 4, 0x700<<18); err != nil {
		t.Fatalf("RXGMASK write failed: %v", err)
	}
	c.Inject(periph.Frame{ID: 0x155})
	if code := mbWord(t, c, 0, 0) >> 24 & 0xF; code != periph.CodeRxFull {
		t.Fatalf("masked match failed: code %X", code)
	}
}

func TestCANOverrun(t *testing.T) {
	c := newCAN(t, canRun)
	armRx(t, c, 1, 0x77)
	c.Inject(periph.Frame{ID: 0x77, Data: []byte{1}})
	c.Inject(periph.Frame{ID: 0x77, Data: []byte{2}})

	ctl := mbWord(t, c, 1, 0)
	if ctl>>24&0xF != periph.CodeRxOverrun {
		t.Fatalf("MB1 code: got %X, want overrun", ctl>>24&0xF)
	}
	// The first frame's payload survives; the second was dropped.
	if data := mbWord(t, c, 1, 2); data>>24 != 1 {
		t.Fatalf("MB1 data: got %08X", data)
	}
}

func TestCANTransmitArbitration(t *testing.T) {
	c := newCAN(t, canFrozen)
	var sent []uint32
	c.Tx = func(f periph.Frame) { sent = append(sent, f.ID) }

	// Arm out of order while frozen; release sends by arbitration ID.
	armTx(t, c, 5, 0x300, periph.CodeTxActive, []byte{5})
	armTx(t, c, 2, 0x100, periph.CodeTxActive, []byte{2})
	if len(sent) != 0 {
		t.Fatal("transmitted while frozen")
	}

	if err := c.Write(0, 4, canRun); err != nil {
		t.Fatalf("MCR write failed: %v", err)
	}
	if len(sent) != 2 || sent[0] != 0x100 || sent[1] != 0x300 {
		t.Fatalf("transmit order: %X", sent)
	}
	if code := mbWord(t, c, 5, 0) >> 24 & 0xF; code != periph.CodeTxInactive {
		t.Fatalf("MB5 code after send: %X", code)
	}
}

func TestCANLowestBufferFirst(t *testing.T) {
	c := newCAN(t, canFrozen)
	var sent []uint32
	c.Tx = func(f periph.Frame) { sent = append(sent, f.ID) }

	// CTRL[LBUF] switches arbitration to the lowest buffer number.
	if err := c.Write(4, 4, 1<<4); err != nil {
		t.Fatalf("CTRL write failed: %v", err)
	}
	armTx(t, c, 5, 0x100, periph.CodeTxActive, []byte{5})
	armTx(t, c, 2, 0x300, periph.CodeTxActive, []byte{2})
	if err := c.Write(0, 4, canRun); err != nil {
		t.Fatalf("MCR write failed: %v", err)
	}
	if len(sent) != 2 || sent[0] != 0x300 || sent[1] != 0x100 {
		t.Fatalf("transmit order: %X", sent)
	}
}

func TestCANRemoteRequestAnswer(t *testing.T) {
	c := newCAN(t, canRun)
	var sent []periph.Frame
	c.Tx = func(f periph.Frame) { sent = append(sent, f) }

	// A TX_RTR mailbox holds a prepared answer for remote requests.
	armTx(t, c, 9, 0x212, periph.CodeTxRTR, []byte{0xAB, 0xCD})
	c.Inject(periph.Frame{ID: 0x212, RTR: true})

	if len(sent) != 1 {
		t.Fatalf("answers sent: %d, want 1", len(sent))
	}
	if sent[0].ID != 0x212 || len(sent[0].Data) != 2 || sent[0].Data[0] != 0xAB {
		t.Fatalf("answer frame: %+v", sent[0])
	}
}

func TestCANLoopback(t *testing.T) {
	c := newCAN(t, canFrozen)
	if err := c.Write(4, 4, 1<<12); err != nil {
		t.Fatalf("CTRL write failed: %v", err)
	}
	armRx(t, c, 0, 0x42)
	if err := c.Write(0, 4, canRun); err != nil {
		t.Fatalf("MCR write failed: %v", err)
	}
	if c.Mode() != periph.CANLoopback {
		t.Fatalf("mode: got %v, want loopback", c.Mode())
	}

	armTx(t, c, 8, 0x42, periph.CodeTxActive, []byte{0x99})
	if code := mbWord(t, c, 0, 0) >> 24 & 0xF; code != periph.CodeRxFull {
		t.Fatalf("self-received frame missing: MB0 code %X", code)
	}
	if data := mbWord(t, c, 0, 2); data>>24 != 0x99 {
		t.Fatalf("self-received data: %08X", data)
	}
}

func TestCANSelfReceptionDisable(t *testing.T) {
	// MCR[SRX_DIS] keeps transmitted frames out of the receive path.
	c := newCAN(t, canFrozen|0x20000)
	if err := c.Write(4, 4, 1<<12); err != nil {
		t.Fatalf("CTRL write failed: %v", err)
	}
	armRx(t, c, 0, 0x42)
	if err := c.Write(0, 4, canRun|0x20000); err != nil {
		t.Fatalf("MCR write failed: %v", err)
	}
	armTx(t, c, 8, 0x42, periph.CodeTxActive, []byte{0x99})
	if code := mbWord(t, c, 0, 0) >> 24 & 0xF; code != periph.CodeRxEmpty {
		t.Fatalf("frame self-received with SRX_DIS: MB0 code %X", code)
	}
}

func TestCANIndividualMasks(t *testing.T) {
	// MCR[MBFEN] switches matching to the per-buffer RXIMR masks.
	c := newCAN(t, canRun|0x10000)
	armRx(t, c, 4, 0x500)
	if err := c.Write(0x880+4*4, 4, 0x700<<18); err != nil {
		t.Fatalf("RXIMR write failed: %v", err)
	}
	c.Inject(periph.Frame{ID: 0x533})
	if code := mbWord(t, c, 4, 0) >> 24 & 0xF; code != periph.CodeRxFull {
		t.Fatalf("RXIMR match failed: code %X", code)
	}
}

func TestCANSoftReset(t *testing.T) {
	c := newCAN(t, canRun)
	armRx(t, c, 0, 0x10)
	c.Inject(periph.Frame{ID: 0x10})
	if err := c.Write(0x28, 4, 1); err != nil {
		t.Fatalf("IMASK1 write failed: %v", err)
	}
	if c.Pending() == 0 {
		t.Fatal("no pending flag before reset")
	}

	// SOFT_RST drops flags and masks but keeps CTRL configuration.
	if err := c.Write(4, 4, 0x00FF0000); err != nil {
		t.Fatalf("CTRL write failed: %v", err)
	}
	if err := c.Write(0, 4, 1<<25); err != nil {
		t.Fatalf("soft reset failed: %v", err)
	}
	if c.Pending() != 0 {
		t.Fatal("flags survived soft reset")
	}
	ctrl, _ := c.Read(4, 4)
	if ctrl != 0x00FF0000 {
		t.Fatalf("CTRL lost on soft reset: %08X", ctrl)
	}
	mcr, _ := c.Read(0, 4)
	if mcr&0x10000000 == 0 {
		t.Fatalf("HALT not restored by soft reset: MCR %08X", mcr)
	}
}
