package periph_test

import (
	"testing"

	"github.com/Urethramancer/mpc5674/periph"
)

// MSR flag and clear-strobe bits.
const (
	msrIDFC = 1 << 25
	msrODFC = 1 << 24
	msrOVFC = 1 << 18
	msrIDF  = 1 << 9
	msrODF  = 1 << 8
	msrOVF  = 1 << 2
)

func decMSR(t *testing.T, d *periph.Decfilt) uint32 {
	t.Helper()
	v, err := d.Read(0x4, 4)
	if err != nil {
		t.Fatalf("MSR read failed: %v", err)
	}
	return v
}

func decOB(t *testing.T, d *periph.Decfilt) uint32 {
	t.Helper()
	v, err := d.Read(0x14, 4)
	if err != nil {
		t.Fatalf("OB read failed: %v", err)
	}
	return v
}

// feedSample writes one 16-bit sample into the input buffer.
func feedSample(t *testing.T, d *periph.Decfilt, tag, sample uint32) {
	t.Helper()
	if err := d.Write(0x10, 4, tag<<24|sample&0xFFFF); err != nil {
		t.Fatalf("IB write failed: %v", err)
	}
}

func TestDecfiltBypass(t *testing.T) {
	d := periph.NewDecfilt("DECFILT_A")
	// ftype 0 passes samples straight through every dec_rate+1 inputs.
	if err := d.Write(0x0, 4, 0x00008000); err != nil {
		t.Fatalf("MCR write failed: %v", err)
	}
	feedSample(t, d, 5, 0x1234)

	m := decMSR(t, d)
	if m&msrIDF == 0 || m&msrODF == 0 {
		t.Fatalf("MSR after sample: %08X", m)
	}
	if ob := decOB(t, d); ob != 0x00051234 {
		t.Fatalf("OB: got %08X, want 00051234", ob)
	}
}

func TestDecfiltFIR(t *testing.T) {
	d := periph.NewDecfilt("DECFILT_A")
	if err := d.Write(0x0, 4, 0x00088000); err != nil {
		t.Fatalf("MCR write failed: %v", err)
	}
	// 0x400000 is 0.5 in 1.23 fixed point.
	d.SetCoef(0, 0x400000)
	d.SetCoef(1, 0x400000)

	feedSample(t, d, 0, 100)
	if ob := decOB(t, d); ob&0xFFFF != 50 {
		t.Fatalf("first output: got %d, want 50", ob&0xFFFF)
	}
	// Second sample sees the first one in the tap history.
	feedSample(t, d, 0, 200)
	if ob := decOB(t, d); ob&0xFFFF != 150 {
		t.Fatalf("second output: got %d, want 150", ob&0xFFFF)
	}
}

func TestDecfiltNegativeCoefficient(t *testing.T) {
	d := periph.NewDecfilt("DECFILT_A")
	if err := d.Write(0x0, 4, 0x00088000); err != nil {
		t.Fatalf("MCR write failed: %v", err)
	}
	// The coefficient window sign-extends 24-bit values.
	if err := d.Write(0x20, 4, 0xC00000); err != nil {
		t.Fatalf("coefficient write failed: %v", err)
	}
	c, err := d.Read(0x20, 4)
	if err != nil {
		t.Fatalf("coefficient read failed: %v", err)
	}
	if int32(c) != -0x400000 {
		t.Fatalf("coefficient: got %08X", c)
	}
	feedSample(t, d, 0, 100)
	if ob := decOB(t, d); uint16(ob) != 0xFFCE {
		t.Fatalf("output: got %04X, want FFCE", uint16(ob))
	}
}

func TestDecfiltSaturation(t *testing.T) {
	d := periph.NewDecfilt("DECFILT_A")
	if err := d.Write(0x0, 4, 0x0008C000); err != nil {
		t.Fatalf("MCR write failed: %v", err)
	}
	d.SetCoef(0, 0x7FFFFF)
	d.SetCoef(1, 0x7FFFFF)

	feedSample(t, d, 0, 0x7FFF)
	if m := decMSR(t, d); m&msrOVF != 0 {
		t.Fatalf("overflow on first sample: %08X", m)
	}
	feedSample(t, d, 0, 0x7FFF)
	if ob := decOB(t, d); ob&0xFFFF != 0x7FFF {
		t.Fatalf("saturated output: got %04X", ob&0xFFFF)
	}
	if m := decMSR(t, d); m&msrOVF == 0 {
		t.Fatalf("OVF not set: %08X", m)
	}
	if err := d.Write(0x4, 4, msrOVFC); err != nil {
		t.Fatalf("MSR write failed: %v", err)
	}
	if m := decMSR(t, d); m&msrOVF != 0 {
		t.Fatal("OVF survived its clear strobe")
	}
}

func TestDecfiltDecimation(t *testing.T) {
	d := periph.NewDecfilt("DECFILT_A")
	// dec_rate 3 publishes every fourth sample.
	if err := d.Write(0x0, 4, 0x00008300); err != nil {
		t.Fatalf("MCR write failed: %v", err)
	}
	for i := 1; i <= 3; i++ {
		feedSample(t, d, 0, uint32(i))
		m := decMSR(t, d)
		if m&msrODF != 0 {
			t.Fatalf("output after %d samples", i)
		}
		if int(m>>26&0xF) != i {
			t.Fatalf("dec_counter after %d samples: got %d", i, m>>26&0xF)
		}
	}
	feedSample(t, d, 0, 4)
	m := decMSR(t, d)
	if m&msrODF == 0 {
		t.Fatal("no output after four samples")
	}
	if m>>26&0xF != 0 {
		t.Fatalf("dec_counter not reloaded: %d", m>>26&0xF)
	}
	if ob := decOB(t, d); ob&0xFFFF != 4 {
		t.Fatalf("OB: got %d, want 4", ob&0xFFFF)
	}
}

func TestDecfiltPrefill(t *testing.T) {
	d := periph.NewDecfilt("DECFILT_A")
	if err := d.Write(0x0, 4, 0x00088000); err != nil {
		t.Fatalf("MCR write failed: %v", err)
	}
	d.SetCoef(0, 0x400000)
	d.SetCoef(1, 0x400000)

	// A prefill write loads the tap history without producing output.
	if err := d.Write(0x10, 4, 0x00020064); err != nil {
		t.Fatalf("IB write failed: %v", err)
	}
	if m := decMSR(t, d); m&msrODF != 0 {
		t.Fatal("output produced by prefill")
	}
	tap, err := d.Read(0x78, 4)
	if err != nil {
		t.Fatalf("tap read failed: %v", err)
	}
	if tap != 100 {
		t.Fatalf("tap 0: got %d, want 100", tap)
	}
	feedSample(t, d, 0, 200)
	if ob := decOB(t, d); ob&0xFFFF != 150 {
		t.Fatalf("output: got %d, want 150", ob&0xFFFF)
	}
}

func TestDecfiltFlush(t *testing.T) {
	d := periph.NewDecfilt("DECFILT_A")
	if err := d.Write(0x0, 4, 0x00008300); err != nil {
		t.Fatalf("MCR write failed: %v", err)
	}
	feedSample(t, d, 0, 1)
	feedSample(t, d, 0, 2)

	// A flush strobe resets the taps, counter and status flags.
	if err := d.Write(0x10, 4, 0x00010000); err != nil {
		t.Fatalf("IB write failed: %v", err)
	}
	m := decMSR(t, d)
	if m != 0 {
		t.Fatalf("MSR after flush: %08X", m)
	}
	tap, err := d.Read(0x78, 4)
	if err != nil {
		t.Fatalf("tap read failed: %v", err)
	}
	if tap != 0 {
		t.Fatalf("tap 0 after flush: %d", tap)
	}
}

func TestDecfiltSoftReset(t *testing.T) {
	d := periph.NewDecfilt("DECFILT_A")
	if err := d.Write(0x0, 4, 0x00008000); err != nil {
		t.Fatalf("MCR write failed: %v", err)
	}
	feedSample(t, d, 0, 7)
	if err := d.Write(0x0, 4, 0x08008000); err != nil {
		t.Fatalf("MCR write failed: %v", err)
	}
	mcr, err := d.Read(0x0, 4)
	if err != nil {
		t.Fatalf("MCR read failed: %v", err)
	}
	if mcr&0x08000000 != 0 {
		t.Fatal("SRES did not self clear")
	}
	if m := decMSR(t, d); m != 0 {
		t.Fatalf("MSR after soft reset: %08X", m)
	}
}

func TestDecfiltModuleDisable(t *testing.T) {
	d := periph.NewDecfilt("DECFILT_A")
	if err := d.Write(0x0, 4, 0x80008000); err != nil {
		t.Fatalf("MCR write failed: %v", err)
	}
	feedSample(t, d, 0, 55)
	if m := decMSR(t, d); m&msrIDF != 0 {
		t.Fatal("disabled filter accepted a sample")
	}
}

func TestDecfiltPendingGating(t *testing.T) {
	d := periph.NewDecfilt("DECFILT_A")
	if err := d.Write(0x0, 4, 0x00008000); err != nil {
		t.Fatalf("MCR write failed: %v", err)
	}
	feedSample(t, d, 0, 1)
	if d.Pending() != 0 {
		t.Fatalf("pending without enables: %X", d.Pending())
	}
	if err := d.Write(0x0, 4, 0x01808000); err != nil {
		t.Fatalf("MCR write failed: %v", err)
	}
	want := uint64(1<<periph.DecfiltCauseInput | 1<<periph.DecfiltCauseOutput)
	if d.Pending() != want {
		t.Fatalf("pending: got %X, want %X", d.Pending(), want)
	}
	d.Acknowledge(periph.DecfiltCauseInput)
	if d.Pending() != 1<<periph.DecfiltCauseOutput {
		t.Fatalf("pending after ack: %X", d.Pending())
	}
}
