package periph_test

import (
	"testing"

	"github.com/Urethramancer/mpc5674/periph"
)

// SR flag bits used by the transfer tests.
const (
	srTCF   = 1 << 31
	srTXRXS = 1 << 30
	srEOQF  = 1 << 28
	srTFFF  = 1 << 25
	srRFOF  = 1 << 19
	srRFDF  = 1 << 17
)

func dspiSR(t *testing.T, d *periph.DSPI) uint32 {
	t.Helper()
	v, err := d.Read(0x2C, 4)
	if err != nil {
		t.Fatalf("SR read failed: %v", err)
	}
	return v
}

// startDSPI enables master mode with transfers running.
func startDSPI(t *testing.T, d *periph.DSPI) {
	t.Helper()
	if err := d.Write(0, 4, 0x80000000); err != nil {
		t.Fatalf("MCR write failed: %v", err)
	}
	if !d.Running() {
		t.Fatal("transfers not running after HALT clear")
	}
}

func push(t *testing.T, d *periph.DSPI, cmd uint32) {
	t.Helper()
	if err := d.Write(0x34, 4, cmd); err != nil {
		t.Fatalf("PUSHR write failed: %v", err)
	}
}

func pop(t *testing.T, d *periph.DSPI) uint32 {
	t.Helper()
	v, err := d.Read(0x38, 4)
	if err != nil {
		t.Fatalf("POPR read failed: %v", err)
	}
	return v
}

func TestDSPIQueueAndDrain(t *testing.T) {
	d := periph.NewDSPI("DSPI_A")
	var seen []uint32
	d.Attach(1, func(v uint32) (uint32, bool) { seen = append(seen, v); return 0, false })

	// Halted at power-on: commands queue in the transmit FIFO.
	push(t, d, 0x00010011)
	push(t, d, 0x00010022)
	push(t, d, 0x00010033)
	if len(seen) != 0 {
		t.Fatal("transferred while halted")
	}
	if sr := dspiSR(t, d); sr>>12&0xF != 3 {
		t.Fatalf("TXCTR: got %d, want 3", sr>>12&0xF)
	}

	// The FIFO view keeps the newest entry in slot 0.
	v, err := d.Read(0x3C, 4)
	if err != nil {
		t.Fatalf("TXFR0 read failed: %v", err)
	}
	if v != 0x00010033 {
		t.Fatalf("TXFR0: got %08X, want 00010033", v)
	}

	// Enabling transfers drains the queue oldest first.
	startDSPI(t, d)
	if len(seen) != 3 || seen[0] != 0x11 || seen[1] != 0x22 || seen[2] != 0x33 {
		t.Fatalf("drain order: %X", seen)
	}
	if sr := dspiSR(t, d); sr>>12&0xF != 0 {
		t.Fatalf("TXCTR after drain: got %d", sr>>12&0xF)
	}
}

func TestDSPIFullQueueDropsPush(t *testing.T) {
	d := periph.NewDSPI("DSPI_A")
	for i := uint32(0); i < 6; i++ {
		push(t, d, i)
	}
	if sr := dspiSR(t, d); sr>>12&0xF != 4 {
		t.Fatalf("TXCTR: got %d, want 4", sr>>12&0xF)
	}
	// Once cleared, TFFF stays down: a push into a full queue is dropped
	// without re-raising it.
	if err := d.Write(0x2C, 4, srTFFF); err != nil {
		t.Fatalf("SR write failed: %v", err)
	}
	push(t, d, 7)
	if sr := dspiSR(t, d); sr&srTFFF != 0 {
		t.Fatalf("TFFF set on a full queue: SR %08X", sr)
	}
}

func TestDSPIEchoExchange(t *testing.T) {
	d := periph.NewDSPI("DSPI_A")
	d.Attach(1, func(v uint32) (uint32, bool) { return v ^ 0xFF, true })
	startDSPI(t, d)

	push(t, d, 0x000100A5)
	sr := dspiSR(t, d)
	if sr&srTCF == 0 {
		t.Fatalf("TCF not set: SR %08X", sr)
	}
	if sr&srRFDF == 0 {
		t.Fatalf("RFDF not set: SR %08X", sr)
	}
	if sr>>4&0xF != 1 {
		t.Fatalf("RXCTR: got %d, want 1", sr>>4&0xF)
	}

	if got := pop(t, d); got != 0xA5^0xFF {
		t.Fatalf("response: got %X, want %X", got, 0xA5^0xFF)
	}
	// An empty receive FIFO reads zero.
	if got := pop(t, d); got != 0 {
		t.Fatalf("empty pop: got %X", got)
	}
}

func TestDSPIFrameSizeMasksData(t *testing.T) {
	d := periph.NewDSPI("DSPI_A")
	var seen uint32
	d.Attach(1, func(v uint32) (uint32, bool) { seen = v; return 0, false })
	startDSPI(t, d)

	// CTAR1 with FMSZ 7: eight-bit frames.
	if err := d.Write(0x10, 4, 0x38000000); err != nil {
		t.Fatalf("CTAR1 write failed: %v", err)
	}
	// CTAS selects CTAR1; the data field is truncated to the frame size.
	push(t, d, 0x10010FA5)
	if seen != 0xA5 {
		t.Fatalf("frame data: got %X, want A5", seen)
	}
}

func TestDSPIEndOfQueue(t *testing.T) {
	d := periph.NewDSPI("DSPI_A")
	count := 0
	d.Attach(1, func(v uint32) (uint32, bool) { count++; return 0, false })
	startDSPI(t, d)

	push(t, d, 0x00010001)
	push(t, d, 0x08010002) // EOQ
	if count != 2 {
		t.Fatalf("transfers: got %d, want 2", count)
	}
	sr := dspiSR(t, d)
	if sr&srEOQF == 0 {
		t.Fatalf("EOQF not set: SR %08X", sr)
	}
	if sr&srTXRXS != 0 {
		t.Fatalf("TXRXS still set after EOQ: SR %08X", sr)
	}

	// Pushes now queue again until HALT is cleared.
	push(t, d, 0x00010003)
	if count != 2 {
		t.Fatal("transferred while stopped by EOQ")
	}
	startDSPI(t, d)
	if count != 3 {
		t.Fatalf("queued command not sent on restart: %d", count)
	}
}

func TestDSPITransferCounter(t *testing.T) {
	d := periph.NewDSPI("DSPI_A")
	d.Attach(1, func(v uint32) (uint32, bool) { return 0, false })
	startDSPI(t, d)

	push(t, d, 0x00010001)
	push(t, d, 0x00010002)
	tcr, err := d.Read(0x08, 4)
	if err != nil {
		t.Fatalf("TCR read failed: %v", err)
	}
	if tcr>>16 != 2 {
		t.Fatalf("SPI_TCNT: got %d, want 2", tcr>>16)
	}

	// PUSHR[CTCNT] clears the counter before the transfer counts.
	push(t, d, 0x04010003)
	tcr, _ = d.Read(0x08, 4)
	if tcr>>16 != 1 {
		t.Fatalf("SPI_TCNT after CTCNT: got %d, want 1", tcr>>16)
	}
}

func TestDSPIReceiveOverflow(t *testing.T) {
	d := periph.NewDSPI("DSPI_A")
	d.Attach(1, func(v uint32) (uint32, bool) { return v, true })
	startDSPI(t, d)

	for i := uint32(1); i <= 5; i++ {
		push(t, d, 0x00010000|i)
	}
	if sr := dspiSR(t, d); sr&srRFOF != 0 {
		t.Fatalf("RFOF before overflow: SR %08X", sr)
	}
	push(t, d, 0x00010006)
	if sr := dspiSR(t, d); sr&srRFOF == 0 {
		t.Fatalf("RFOF not set: SR %08X", sr)
	}
	// Without ROOE the overflowing frame is dropped.
	for want := uint32(1); want <= 5; want++ {
		if got := pop(t, d); got != want {
			t.Fatalf("rx order: got %X, want %X", got, want)
		}
	}
}

func TestDSPIOverwriteOnOverflow(t *testing.T) {
	d := periph.NewDSPI("DSPI_A")
	d.Attach(1, func(v uint32) (uint32, bool) { return v, true })
	// MSTR with ROOE.
	if err := d.Write(0, 4, 0x81000000); err != nil {
		t.Fatalf("MCR write failed: %v", err)
	}
	for i := uint32(1); i <= 6; i++ {
		push(t, d, 0x00010000|i)
	}
	got := make([]uint32, 0, 5)
	for i := 0; i < 5; i++ {
		got = append(got, pop(t, d))
	}
	// The newest frame replaced the last slot.
	want := []uint32{1, 2, 3, 4, 6}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rx after overwrite: got %X, want %X", got, want)
		}
	}
}

func TestDSPIPendingGating(t *testing.T) {
	d := periph.NewDSPI("DSPI_A")
	d.Attach(1, func(v uint32) (uint32, bool) { return v, true })
	startDSPI(t, d)
	push(t, d, 0x00010001)

	// Causes latch but pend nothing until RSER enables them.
	if d.Pending() != 0 {
		t.Fatalf("pending without RSER: %X", d.Pending())
	}
	if err := d.Write(0x30, 4, 0x80020000); err != nil {
		t.Fatalf("RSER write failed: %v", err)
	}
	want := uint64(1<<periph.DSPICauseTCF | 1<<periph.DSPICauseRFDF)
	if d.Pending() != want {
		t.Fatalf("pending: got %X, want %X", d.Pending(), want)
	}

	// Selecting the DMA direction reroutes RFDF away from the controller.
	if err := d.Write(0x30, 4, 0x80030000); err != nil {
		t.Fatalf("RSER write failed: %v", err)
	}
	if d.Pending() != 1<<periph.DSPICauseTCF {
		t.Fatalf("pending with RFDF_DIRS: %X", d.Pending())
	}

	d.Acknowledge(periph.DSPICauseTCF)
	if d.Pending() != 0 {
		t.Fatalf("pending after acknowledge: %X", d.Pending())
	}
}

func TestDSPINarrowPushZeroExtends(t *testing.T) {
	d := periph.NewDSPI("DSPI_A")
	// A halfword store to the command half pushes a data-less command.
	if err := d.Write(0x34, 2, 0x0801); err != nil {
		t.Fatalf("narrow PUSHR write failed: %v", err)
	}
	v, err := d.Read(0x3C, 4)
	if err != nil {
		t.Fatalf("TXFR0 read failed: %v", err)
	}
	if v != 0x08010000 {
		t.Fatalf("pushed command: got %08X, want 08010000", v)
	}
}
