package soc_test

import (
	"testing"

	"github.com/Urethramancer/mpc5674/bus"
	"github.com/Urethramancer/mpc5674/intc"
	"github.com/Urethramancer/mpc5674/periph"
	"github.com/Urethramancer/mpc5674/soc"
	"github.com/davecgh/go-spew/spew"
)

// bootImage builds a flash image with a reset configuration halfword at
// offset zero and the given entry point.
func bootImage(hw uint16, entry uint32) []byte {
	return []byte{
		byte(hw >> 8), byte(hw),
		0, 0,
		byte(entry >> 24), byte(entry >> 16), byte(entry >> 8), byte(entry),
	}
}

func newSoC(t *testing.T, hw uint16, entry uint32) *soc.SoC {
	t.Helper()
	s := soc.New(soc.Config{PLLCfg: 0b100})
	if err := s.LoadFlash(0, bootImage(hw, entry)); err != nil {
		t.Fatalf("flash load failed: %v", err)
	}
	got, err := s.Boot()
	if err != nil {
		t.Fatalf("boot failed: %v", err)
	}
	if got != entry {
		t.Fatalf("entry: got %08X, want %08X", got, entry)
	}
	return s
}

func TestSoCBootDisablesWatchdog(t *testing.T) {
	s := newSoC(t, 0x015A, 0x00000020)
	rchw := s.RCHW()
	if rchw == nil || !rchw.VLE || rchw.SWTEnable {
		t.Fatalf("RCHW: %+v", rchw)
	}

	// Without the watchdog request bit the boot sequence clears WEN.
	mcr, err := s.Read(soc.SWTBase, 4, bus.Supervisor)
	if err != nil {
		t.Fatalf("SWT MCR read failed: %v", err)
	}
	if mcr&1 != 0 {
		t.Fatalf("WEN still set: %08X", mcr)
	}

	// A long run without servicing must not reset now.
	s.Advance(0x00100000)
	if s.Cycles() != 0x00100000 {
		t.Fatalf("cycles: got %X", s.Cycles())
	}
}

func TestSoCWatchdogResetsSystem(t *testing.T) {
	s := newSoC(t, 0x085A, 0x00000100)
	if !s.RCHW().SWTEnable {
		t.Fatal("RCHW watchdog bit lost")
	}

	s.Advance(0x0005FCD0)

	// The timeout latched a reset that ran once Advance returned.
	if s.Cycles() != 0 {
		t.Fatalf("cycles after reset: %d", s.Cycles())
	}
	if s.ECSM.Reason() != periph.ResetWatchdog {
		t.Fatalf("reason: got %v", s.ECSM.Reason())
	}
	rsr, err := s.Read(soc.SIUBase+0x0C, 4, bus.Supervisor)
	if err != nil {
		t.Fatalf("RSR read failed: %v", err)
	}
	if rsr&0x0A000000 != 0x0A000000 {
		t.Fatalf("RSR: got %08X, want WDRS and SWTRS", rsr)
	}
	// Flash contents survive, so the boot search ran again.
	if s.Entry() != 0x100 {
		t.Fatalf("entry after reset: %08X", s.Entry())
	}
}

func TestSoCSoftwareReset(t *testing.T) {
	s := newSoC(t, 0x015A, 0x00000020)
	if err := s.Write(soc.SIUBase+0x10, 4, 0x80000000, bus.Supervisor); err != nil {
		t.Fatalf("SRCR write failed: %v", err)
	}
	if s.ECSM.Reason() != periph.ResetDirect {
		t.Fatalf("reason: got %v", s.ECSM.Reason())
	}
	rsr, _ := s.Read(soc.SIUBase+0x0C, 4, bus.Supervisor)
	if rsr&0x00020000 == 0 {
		t.Fatalf("SSRS not set: %08X", rsr)
	}
}

func TestSoCSupervisorRegions(t *testing.T) {
	s := newSoC(t, 0x015A, 0x20)

	// SRAM serves both modes.
	if err := s.Write(soc.SRAMBase+0x100, 4, 0xCAFED00D, bus.User); err != nil {
		t.Fatalf("SRAM write failed: %v", err)
	}
	v, err := s.Read(soc.SRAMBase+0x100, 4, bus.User)
	if err != nil {
		t.Fatalf("SRAM read failed: %v", err)
	}
	if v != 0xCAFED00D {
		t.Fatalf("SRAM: got %08X", v)
	}

	// Peripheral space faults user mode accesses.
	_, err = s.Read(soc.SWTBase, 4, bus.User)
	f, ok := err.(*bus.Fault)
	if !ok || f.Kind != bus.Privilege {
		t.Fatalf("user access: got %v", err)
	}

	// Unmapped space faults with the absolute address.
	_, err = s.Read(0x30000000, 4, bus.Supervisor)
	f, ok = err.(*bus.Fault)
	if !ok || f.Kind != bus.Unmapped || f.Addr != 0x30000000 {
		t.Fatalf("unmapped access: got %v", err)
	}
}

func TestSoCFlashVisibleOnBus(t *testing.T) {
	s := newSoC(t, 0x015A, 0x12345678)
	v, err := s.Read(4, 4, bus.Supervisor)
	if err != nil {
		t.Fatalf("flash read failed: %v", err)
	}
	if v != 0x12345678 {
		t.Fatalf("entry word: got %08X", v)
	}

	// The shadow block holds the factory passcode.
	hi, err := s.Read(soc.ShadowABase+0x3DD8, 4, bus.Supervisor)
	if err != nil {
		t.Fatalf("shadow read failed: %v", err)
	}
	lo, _ := s.Read(soc.ShadowABase+0x3DDC, 4, bus.Supervisor)
	if hi != 0xFEEDFACE || lo != 0xCAFEBEEF {
		t.Fatalf("passcode: got %08X %08X", hi, lo)
	}
}

func TestSoCSoftwareInterrupt(t *testing.T) {
	s := newSoC(t, 0x015A, 0x20)
	if _, ok := s.PendingVector(); ok {
		t.Fatal("pending at boot")
	}

	if err := s.Write(soc.INTCBase+0x2C, 4, 2, bus.Supervisor); err != nil {
		t.Fatalf("SSCIR3 write failed: %v", err)
	}
	v, ok := s.PendingVector()
	if !ok || v != intc.VecSoftware0+3 {
		t.Fatalf("pending: got %d, %v", v, ok)
	}

	s.Take(v)
	if _, ok := s.PendingVector(); ok {
		t.Fatal("pending while in service")
	}
	if err := s.Write(soc.INTCBase+0x2C, 4, 1, bus.Supervisor); err != nil {
		t.Fatalf("SSCIR3 clear failed: %v", err)
	}
	s.EndOfInterrupt()
	if _, ok := s.PendingVector(); ok {
		t.Fatal("pending after handler")
	}
}

func TestSoCCANInterruptDelivery(t *testing.T) {
	s := newSoC(t, 0x015A, 0x20)
	c := s.FlexCAN[0]
	if err := c.Write(0, 4, 0x0000000F); err != nil {
		t.Fatalf("CAN MCR write failed: %v", err)
	}
	if err := c.Write(0x84+2*16, 4, 0x123<<18); err != nil {
		t.Fatalf("MB2 ID write failed: %v", err)
	}
	if err := c.Write(0x80+2*16, 4, uint32(periph.CodeRxEmpty)<<24); err != nil {
		t.Fatalf("MB2 arm failed: %v", err)
	}
	if err := c.Write(0x28, 4, 1<<2); err != nil {
		t.Fatalf("IMASK1 write failed: %v", err)
	}

	c.Inject(periph.Frame{ID: 0x123, Data: []byte{0x55}})

	v, ok := s.PendingVector()
	if !ok || v != intc.VecCANAMB0+2 {
		t.Fatalf("pending: got %d, %v, want %d", v, ok, intc.VecCANAMB0+2)
	}
	s.Take(v)
	s.EndOfInterrupt()
	if _, ok := s.PendingVector(); ok {
		t.Fatal("flag survived acknowledge")
	}
}

func TestSoCSnapshot(t *testing.T) {
	s := newSoC(t, 0x015A, 0x20)
	snap := s.Snapshot("FMPLL")
	if snap == nil {
		t.Fatalf("no FMPLL snapshot, devices:\n%s", spew.Sdump(s.Devices()))
	}
	if s.Snapshot("NOSUCH") != nil {
		t.Fatal("snapshot for unknown device")
	}
	if len(s.Devices()) == 0 {
		t.Fatal("no devices listed")
	}

	// Snapshots are copies, not views of live state.
	before, ok := snap["FMPLL_ESYNCR2"].(uint32)
	if !ok {
		t.Fatalf("no ESYNCR2 in snapshot:\n%s", spew.Sdump(snap))
	}
	if err := s.Write(soc.FMPLLBase+0xC, 4, uint64(before)^1, bus.Supervisor); err != nil {
		t.Fatalf("ESYNCR2 write failed: %v", err)
	}
	if got := snap["FMPLL_ESYNCR2"].(uint32); got != before {
		t.Fatalf("snapshot aliased live state: %08X", got)
	}
	after := s.Snapshot("FMPLL")["FMPLL_ESYNCR2"].(uint32)
	if after == before {
		t.Fatal("register write not visible in a fresh snapshot")
	}
}
