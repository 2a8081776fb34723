// Package soc assembles the full microcontroller: every peripheral at
// its documented base address on one bus, the interrupt routing table,
// and the reset and boot sequencing an external CPU core drives through
// the stepping contract.
package soc

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/Urethramancer/mpc5674/bus"
	"github.com/Urethramancer/mpc5674/intc"
	"github.com/Urethramancer/mpc5674/periph"
)

var log = logrus.WithField("mod", "soc")

// Physical base addresses.
const (
	FlashBase    = 0x00000000
	ShadowBBase  = 0x00EFC000
	ShadowABase  = 0x00FFC000
	SRAMBase     = 0x40000000
	SRAMSize     = 0x00040000
	PBridgeABase = 0xC3F00000
	FMPLLBase    = 0xC3F80000
	EBIBase      = 0xC3F84000
	FlashABase   = 0xC3F88000
	FlashBBase   = 0xC3F8C000
	SIUBase      = 0xC3F90000
	PBridgeBBase = 0xFFF00000
	XBarBase     = 0xFFF04000
	SWTBase      = 0xFFF38000
	ECSMBase     = 0xFFF40000
	INTCBase     = 0xFFF48000
	EQADCABase   = 0xFFF80000
	EQADCBBase   = 0xFFF84000
	DecfiltBase  = 0xFFF88000
	DSPIBase     = 0xFFF90000
	FlexCANBase  = 0xFFFC0000
)

const periphSize = 0x4000

// Config selects the board-level inputs sampled at power on.
type Config struct {
	// Extal is the external crystal frequency in Hz. Zero selects the
	// 40 MHz crystal the evaluation boards carry.
	Extal float64
	// PLLCfg mirrors the PLLCFG boot pins.
	PLLCfg uint8
	// BootCfg mirrors the BOOTCFG boot pins.
	BootCfg uint8
}

// snapshotter is implemented by devices that expose their register file
// for inspection tooling.
type snapshotter interface {
	Snapshot() map[string]any
}

// SoC is the assembled microcontroller. The external CPU core issues
// loads and stores through Read/Write, advances emulated time through
// Advance and polls PendingVector between steps.
type SoC struct {
	Bus  *bus.Bus
	INTC *intc.Controller

	FMPLL    *periph.FMPLL
	SWT      *periph.SWT
	TB       *periph.Timebase
	SIU      *periph.SIU
	ECSM     *periph.ECSM
	Flash    *periph.Flash
	FlashB   *periph.Flash
	EBI      *periph.EBI
	XBar     *periph.XBar
	PBridgeA *periph.PBridge
	PBridgeB *periph.PBridge
	EQADCA   *periph.EQADC
	EQADCB   *periph.EQADC
	Decfilt  [8]*periph.Decfilt
	DSPI     [4]*periph.DSPI
	FlexCAN  [4]*periph.FlexCAN
	SRAM     *bus.Memory

	devices []bus.Peripheral
	rchw    *periph.RCHW

	// resetReq latches a reset demanded by the watchdog or the SIU so it
	// runs after the current access completes, never reentrantly.
	resetReq periph.ResetReason
	pending  bool

	cycles uint64
}

// New builds and wires the full device set. The flash array is blank;
// load firmware with LoadFlash before Boot.
func New(cfg Config) *SoC {
	if cfg.Extal == 0 {
		cfg.Extal = 40e6
	}
	s := &SoC{}

	s.FMPLL = periph.NewFMPLL(cfg.Extal, cfg.PLLCfg)
	s.SWT = periph.NewSWT()
	s.TB = periph.NewTimebase()
	s.SIU = periph.NewSIU(cfg.BootCfg)
	s.ECSM = periph.NewECSM("ECSM")
	s.Flash = periph.NewFlash("FLASH_A")
	s.FlashB = periph.NewFlash("FLASH_B")
	s.EBI = periph.NewEBI("EBI")
	s.XBar = periph.NewXBar("XBAR")
	s.PBridgeA = periph.NewPBridge("PBRIDGE_A", false)
	s.PBridgeB = periph.NewPBridge("PBRIDGE_B", true)
	s.EQADCA = periph.NewEQADC("EQADC_A")
	s.EQADCB = periph.NewEQADC("EQADC_B")
	fper := uint32(s.SIU.FPeriph(s.FMPLL.FPLL()))
	for i := range s.Decfilt {
		s.Decfilt[i] = periph.NewDecfilt(fmt.Sprintf("DECFILT_%c", 'A'+i))
	}
	for i := range s.DSPI {
		s.DSPI[i] = periph.NewDSPI(fmt.Sprintf("DSPI_%c", 'A'+i))
	}
	for i := range s.FlexCAN {
		s.FlexCAN[i] = periph.NewFlexCAN(fmt.Sprintf("CAN_%c", 'A'+i), fper)
	}
	s.SRAM = bus.NewMemory("SRAM", SRAMSize)
	s.INTC = intc.New()

	s.SWT.ResetRequest = func() { s.RequestReset(periph.ResetWatchdog) }
	s.SIU.ResetRequest = func() { s.RequestReset(periph.ResetDirect) }

	regions := []bus.Region{
		{Start: FlashBase, End: FlashBase + periph.FlashArraySize - 1, Dev: periph.NewFlashArray(s.Flash)},
		{Start: ShadowBBase, End: ShadowBBase + 0x3FFF, Dev: newShadow(s.FlashB)},
		{Start: ShadowABase, End: ShadowABase + 0x3FFF, Dev: newShadow(s.Flash)},
		{Start: SRAMBase, End: SRAMBase + SRAMSize - 1, Dev: s.SRAM},
		{Start: PBridgeABase, End: PBridgeABase + periphSize - 1, SupervisorOnly: true, Dev: s.PBridgeA},
		{Start: FMPLLBase, End: FMPLLBase + periphSize - 1, SupervisorOnly: true, Dev: s.FMPLL},
		{Start: EBIBase, End: EBIBase + periphSize - 1, SupervisorOnly: true, Dev: s.EBI},
		{Start: FlashABase, End: FlashABase + periphSize - 1, SupervisorOnly: true, Dev: s.Flash},
		{Start: FlashBBase, End: FlashBBase + periphSize - 1, SupervisorOnly: true, Dev: s.FlashB},
		{Start: SIUBase, End: SIUBase + periphSize - 1, SupervisorOnly: true, Dev: s.SIU},
		{Start: PBridgeBBase, End: PBridgeBBase + periphSize - 1, SupervisorOnly: true, Dev: s.PBridgeB},
		{Start: XBarBase, End: XBarBase + periphSize - 1, SupervisorOnly: true, Dev: s.XBar},
		{Start: SWTBase, End: SWTBase + periphSize - 1, SupervisorOnly: true, Dev: s.SWT},
		{Start: ECSMBase, End: ECSMBase + periphSize - 1, SupervisorOnly: true, Dev: s.ECSM},
		{Start: INTCBase, End: INTCBase + periphSize - 1, SupervisorOnly: true, Dev: s.INTC},
		{Start: EQADCABase, End: EQADCABase + periphSize - 1, SupervisorOnly: true, Dev: s.EQADCA},
		{Start: EQADCBBase, End: EQADCBBase + periphSize - 1, SupervisorOnly: true, Dev: s.EQADCB},
	}
	for i, d := range s.Decfilt {
		base := uint32(DecfiltBase + 0x800*i)
		regions = append(regions, bus.Region{Start: base, End: base + 0x7FF, SupervisorOnly: true, Dev: d})
	}
	for i, d := range s.DSPI {
		base := uint32(DSPIBase + periphSize*i)
		regions = append(regions, bus.Region{Start: base, End: base + periphSize - 1, SupervisorOnly: true, Dev: d})
	}
	for i, c := range s.FlexCAN {
		base := uint32(FlexCANBase + periphSize*i)
		regions = append(regions, bus.Region{Start: base, End: base + periphSize - 1, SupervisorOnly: true, Dev: c})
	}
	s.Bus = bus.New(regions)

	for _, r := range s.Bus.Regions() {
		s.devices = append(s.devices, r.Dev)
	}
	s.devices = append(s.devices, s.TB)

	s.routeInterrupts()
	s.ECSM.RecordReset(periph.ResetPowerOn)
	s.SIU.RecordReset(periph.ResetPowerOn)
	return s
}

// routeInterrupts builds the vector table. Priorities are seeded so every
// source is deliverable once enabled; firmware reorders them through the
// PSR bytes.
func (s *SoC) routeInterrupts() {
	add := func(dev bus.Peripheral, cause uint, v intc.Vector, prio uint8) {
		s.INTC.AddSource(intc.Source{Dev: dev, Cause: cause, Vector: v, Priority: prio, Enabled: true})
	}

	// The software interrupts are owned by the controller itself.
	for i := uint(0); i < 8; i++ {
		add(s.INTC, i, intc.VecSoftware0+intc.Vector(i), 1)
	}

	add(s.SWT, periph.SWTCauseTimeout, intc.VecSWT, 1)
	add(s.FMPLL, periph.FMPLLCauseLOC, intc.VecFMPLLLOC, 2)
	add(s.FMPLL, periph.FMPLLCauseLOL, intc.VecFMPLLLOL, 2)
	add(s.TB, periph.TBCauseDec, intc.VecTimebase, 2)

	for i := uint(0); i < 4; i++ {
		add(s.SIU, periph.SIUCauseEIF0+i, intc.VecSIUEISR0+intc.Vector(i), 3)
	}
	add(s.SIU, periph.SIUCauseEIFGroup, intc.VecSIUEISRG, 3)

	// The ECSM folds its ECC causes onto one combined vector.
	add(s.ECSM, 0, intc.VecECSM, 2)

	s.routeCAN(s.FlexCAN[0], intc.VecCANAMB0, intc.VecCANAMB16, intc.VecCANAMB32)
	s.routeCAN(s.FlexCAN[1], intc.VecCANBMB0, intc.VecCANBMB16, intc.VecCANBMB32)
	s.routeCAN(s.FlexCAN[2], intc.VecCANCMB0, intc.VecCANCMB16, intc.VecCANCMB32)
	s.routeCAN(s.FlexCAN[3], intc.VecCANDMB0, intc.VecCANDMB16, intc.VecCANDMB32)

	dspiBase := []intc.Vector{intc.VecDSPIAOver, intc.VecDSPIBOver, intc.VecDSPICOver, intc.VecDSPIDOver}
	for i, d := range s.DSPI {
		base := dspiBase[i]
		add(d, periph.DSPICauseTFUF, base, 4)
		add(d, periph.DSPICauseEOQF, base+1, 4)
		add(d, periph.DSPICauseTFFF, base+2, 4)
		add(d, periph.DSPICauseTCF, base+3, 4)
		add(d, periph.DSPICauseRFDF, base+4, 4)
	}

	s.routeEQADC(s.EQADCA, intc.VecEQADCA)
	s.routeEQADC(s.EQADCB, intc.VecEQADCB)

	for i, d := range s.Decfilt {
		add(d, periph.DecfiltCauseInput, intc.VecDecfiltA+intc.Vector(2*i), 5)
		add(d, periph.DecfiltCauseOutput, intc.VecDecfiltA+intc.Vector(2*i)+1, 5)
	}
}

// routeCAN wires one controller: mailboxes 0-15 are individual vectors,
// 16-31 and 32-63 share the two grouped vectors.
func (s *SoC) routeCAN(c *periph.FlexCAN, mb0, mb16, mb32 intc.Vector) {
	for mb := uint(0); mb < 16; mb++ {
		s.INTC.AddSource(intc.Source{Dev: c, Cause: mb, Vector: mb0 + intc.Vector(mb), Priority: 4, Enabled: true})
	}
	s.INTC.AddSource(intc.Source{Dev: c, Cause: 16, Vector: mb16, Priority: 4, Enabled: true})
	s.INTC.AddSource(intc.Source{Dev: c, Cause: 32, Vector: mb32, Priority: 4, Enabled: true})
}

// routeEQADC wires the per-FIFO cause vectors of one converter.
func (s *SoC) routeEQADC(e *periph.EQADC, base intc.Vector) {
	for f := 0; f < periph.NumCFIFOs; f++ {
		fifoBase := uint(f * 4)
		v := base + intc.Vector(1+5*f)
		s.INTC.AddSource(intc.Source{Dev: e, Cause: fifoBase + periph.EQADCCauseNCF, Vector: v, Priority: 5, Enabled: true})
		s.INTC.AddSource(intc.Source{Dev: e, Cause: fifoBase + periph.EQADCCauseEOQF, Vector: v + 1, Priority: 5, Enabled: true})
		s.INTC.AddSource(intc.Source{Dev: e, Cause: fifoBase + periph.EQADCCauseCFFF, Vector: v + 2, Priority: 5, Enabled: true})
		s.INTC.AddSource(intc.Source{Dev: e, Cause: fifoBase + periph.EQADCCauseRFDF, Vector: v + 3, Priority: 5, Enabled: true})
	}
}

// LoadFlash programs a firmware image into the flash array at offset, as
// an external programmer would.
func (s *SoC) LoadFlash(offset uint32, image []byte) error {
	return s.Flash.Load(offset, image)
}

// Boot runs the boot assist sequence: scan flash for a reset
// configuration halfword, honor its watchdog request and return the
// entry point. Without a valid halfword the part would fall into serial
// boot, reported here as an error.
func (s *SoC) Boot() (uint32, error) {
	rchw, err := periph.BootSearch(s.Flash)
	if err != nil {
		return 0, err
	}
	s.rchw = rchw
	if !rchw.SWTEnable {
		mcr, _ := s.SWT.Read(0, 4)
		if werr := s.SWT.Write(0, 4, mcr&^1); werr != nil {
			return 0, werr
		}
	}
	log.WithFields(logrus.Fields{
		"offset": fmt.Sprintf("%08X", rchw.Offset),
		"entry":  fmt.Sprintf("%08X", rchw.Entry),
		"vle":    rchw.VLE,
	}).Info("boot")
	return rchw.Entry, nil
}

// RCHW returns the boot halfword found by the last Boot, or nil.
func (s *SoC) RCHW() *periph.RCHW { return s.rchw }

// Entry returns the boot entry point, zero before a successful Boot.
func (s *SoC) Entry() uint32 {
	if s.rchw == nil {
		return 0
	}
	return s.rchw.Entry
}

// Read issues a load on the bus.
func (s *SoC) Read(addr uint32, size int, mode bus.Mode) (uint64, error) {
	v, err := s.Bus.Read(addr, size, mode)
	s.runPendingReset()
	return v, err
}

// Write issues a store on the bus.
func (s *SoC) Write(addr uint32, size int, value uint64, mode bus.Mode) error {
	err := s.Bus.Write(addr, size, value, mode)
	s.runPendingReset()
	return err
}

// Advance moves emulated time forward for every device. The CPU core
// calls this once per instruction step with the cycles it consumed,
// after the step's bus accesses have completed.
func (s *SoC) Advance(cycles uint64) {
	s.cycles += cycles
	for _, d := range s.devices {
		d.Advance(cycles)
	}
	s.runPendingReset()
}

// Cycles returns total advanced cycles since power on or the last reset.
func (s *SoC) Cycles() uint64 { return s.cycles }

// PendingVector returns the interrupt the CPU core should take before
// its next step, if any.
func (s *SoC) PendingVector() (intc.Vector, bool) {
	return s.INTC.PendingVector()
}

// Take acknowledges a vector on behalf of the CPU core.
func (s *SoC) Take(v intc.Vector) { s.INTC.Take(v) }

// EndOfInterrupt signals the CPU core finished its handler.
func (s *SoC) EndOfInterrupt() { s.INTC.EndOfInterrupt() }

// RequestReset latches a system reset to run once the current bus access
// or advance completes.
func (s *SoC) RequestReset(reason periph.ResetReason) {
	s.resetReq = reason
	s.pending = true
}

func (s *SoC) runPendingReset() {
	if !s.pending {
		return
	}
	s.pending = false
	s.Reset(s.resetReq)
}

// Reset re-initializes every peripheral to power-on values, records the
// reset reason and re-runs the boot search. The flash array contents
// survive, everything else restarts.
func (s *SoC) Reset(reason periph.ResetReason) {
	for _, d := range s.devices {
		d.Reset()
	}
	s.TB.Reset()
	s.cycles = 0
	s.ECSM.RecordReset(reason)
	s.SIU.RecordReset(reason)
	log.WithField("reason", int(reason)).Info("system reset")
	if _, err := s.Boot(); err != nil {
		log.WithError(err).Warn("boot search failed after reset")
	}
}

// Snapshot returns a read-only copy of the named device's register file
// for inspection tooling. Unknown names return nil.
func (s *SoC) Snapshot(name string) map[string]any {
	for _, d := range s.devices {
		if d.Name() != name {
			continue
		}
		if sn, ok := d.(snapshotter); ok {
			return sn.Snapshot()
		}
		return nil
	}
	return nil
}

// Devices lists every bus-visible device name.
func (s *SoC) Devices() []string {
	names := make([]string, 0, len(s.devices))
	for _, d := range s.devices {
		names = append(names, d.Name())
	}
	return names
}

// shadow exposes a flash module's shadow block as a bus device. Reads
// come from the block; programming goes through the controller, so plain
// stores are absorbed like array writes outside a program sequence.
type shadow struct {
	f *periph.Flash
}

func newShadow(f *periph.Flash) *shadow { return &shadow{f: f} }

func (h *shadow) Name() string { return h.f.Name() + "_SHADOW" }

func (h *shadow) Reset() {}

func (h *shadow) Read(offset uint32, size int) (uint32, error) {
	b := h.f.Shadow()
	if int(offset)+size > len(b) {
		return 0, bus.ReadFault(bus.Unmapped, offset, size)
	}
	var v uint32
	for i := 0; i < size; i++ {
		v = v<<8 | uint32(b[offset+uint32(i)])
	}
	return v, nil
}

func (h *shadow) Write(offset uint32, size int, value uint32) error {
	return nil
}

func (h *shadow) Advance(cycles uint64) {}

func (h *shadow) Pending() uint64 { return 0 }
