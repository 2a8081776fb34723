package periph

import "github.com/Urethramancer/mpc5674/regs"

// SIU register offsets.
const (
	siuMIDR  = 0x0004
	siuRSR   = 0x000C
	siuSRCR  = 0x0010
	siuEISR  = 0x0014
	siuDIRER = 0x0018
	siuPCR   = 0x0040
	siuGPDO  = 0x0600
	siuGPDI  = 0x0800
	siuECCR  = 0x0984
	siuGPDIF = 0x0E00
)

// siuNumPins is the number of multiplexed pads with PCR/GPDO/GPDI slots.
const siuNumPins = 512

// SIU external interrupt cause bits: causes 0-3 are the individual EISR
// flags, cause 4 is the grouped EISR[15:4] source.
const (
	SIUCauseEIF0 = iota
	SIUCauseEIF1
	SIUCauseEIF2
	SIUCauseEIF3
	SIUCauseEIFGroup
)

// SIU models the system integration unit: part identification, reset
// status, software reset requests, pin configuration and GPIO state, and
// the external interrupt inputs.
type SIU struct {
	device

	rsr   *regs.Register
	srcr  *regs.Register
	eisr  *regs.Register
	direr *regs.Register
	eccr  *regs.Register

	pcr  []byte
	gpdo []byte
	gpdi []byte
	// gpdiLegacy is the legacy input window covering the first half of
	// the pads; gpdi at the full-range offset is the canonical store.
	gpdiLegacy []byte

	// BootCfg mirrors the BOOTCFG pins sampled at reset; 0b00 selects
	// internal flash boot.
	BootCfg uint8
	// ResetRequest is invoked on a software system reset. Wired by the SoC.
	ResetRequest func()
}

// NewSIU builds the SIU with the given boot configuration pin sample.
func NewSIU(bootcfg uint8) *SIU {
	s := &SIU{device: newDevice("SIU"), BootCfg: bootcfg}
	s.set.AddRegister(siuMIDR, regs.NewRegister("SIU_MIDR",
		regs.RO("partnum", 16, 0x5674),
		regs.Rsvd(4),
		regs.RO("pkg", 4, 0),
		regs.Rsvd(4),
		regs.RO("masknum", 4, 0)))
	s.rsr = regs.NewRegister("SIU_RSR",
		regs.RO("pors", 1, 1),
		regs.RO("ers", 1, 0),
		regs.RO("llrs", 1, 0),
		regs.RO("lcrs", 1, 0),
		regs.RO("wdrs", 1, 0),
		regs.Rsvd(1),
		regs.RO("swtrs", 1, 0),
		regs.Rsvd(7),
		regs.RO("ssrs", 1, 0),
		regs.RO("serf", 1, 0),
		regs.W1c("wkpcfg", 1),
		regs.Rsvd(11),
		regs.RO("abr", 1, 0),
		regs.RO("bootcfg", 2, 0),
		regs.RO("rgf", 1, 0))
	s.srcr = regs.NewRegister("SIU_SRCR",
		regs.RW("ssr", 1),
		regs.RW("ser", 1),
		regs.Rsvd(30))
	s.eisr = regs.NewRegister("SIU_EISR",
		regs.Rsvd(16), regs.W1c("eif", 16))
	s.direr = regs.NewRegister("SIU_DIRER",
		regs.Rsvd(16), regs.RW("eire", 16))
	s.eccr = regs.NewRegister("SIU_ECCR",
		regs.Rsvd(16),
		regs.RWDef("engdiv", 8, 0x01),
		regs.Rsvd(4),
		regs.RW("ebts", 1),
		regs.Rsvd(1),
		regs.RW("ebdf", 2))
	s.set.AddRegister(siuRSR, s.rsr)
	s.set.AddRegister(siuSRCR, s.srcr)
	s.set.AddRegister(siuEISR, s.eisr)
	s.set.AddRegister(siuDIRER, s.direr)
	s.set.AddRegister(siuECCR, s.eccr)
	s.pcr = s.set.AddBytes(siuPCR, siuNumPins*2)
	s.gpdo = s.set.AddBytes(siuGPDO, siuNumPins)
	s.gpdi = s.set.AddBytes(siuGPDIF, siuNumPins)
	s.gpdiLegacy = s.set.AddBytes(siuGPDI, siuNumPins/2)
	// Stores through either input window land in both.
	s.set.OnWrite(siuGPDI, func(off uint32, size int) {
		copy(s.gpdi[off:], s.gpdiLegacy[off:off+uint32(size)])
	})
	s.set.OnWrite(siuGPDIF, func(off uint32, size int) {
		if off < uint32(len(s.gpdiLegacy)) {
			copy(s.gpdiLegacy[off:], s.gpdi[off:off+uint32(size)])
		}
	})
	s.set.OnWrite(siuSRCR, func(off uint32, size int) { s.srcrUpdate() })
	s.Reset()
	return s
}

// Reset restores the power-on state and resamples the boot pins.
func (s *SIU) Reset() {
	s.set.Reset()
	s.rsr.Override("bootcfg", uint32(s.BootCfg))
}

func (s *SIU) srcrUpdate() {
	if s.srcr.Bit("ssr") {
		s.srcr.Override("ssr", 0)
		s.rsr.Override("ssrs", 1)
		s.log().Info("software system reset requested")
		if s.ResetRequest != nil {
			s.ResetRequest()
		}
	}
}

// ExternalInterrupt injects an edge on external interrupt input n (0-15),
// latching its EISR flag.
func (s *SIU) ExternalInterrupt(n uint) {
	if n > 15 {
		return
	}
	s.eisr.Override("eif", s.eisr.Field("eif")|1<<n)
}

// Pending reports the external interrupt causes, gated by DIRER.
func (s *SIU) Pending() uint64 {
	flags := s.eisr.Field("eif") & s.direr.Field("eire")
	var c uint64
	for n := uint(0); n < 4; n++ {
		if flags&(1<<n) != 0 {
			c |= 1 << n
		}
	}
	if flags&0xFFF0 != 0 {
		c |= 1 << SIUCauseEIFGroup
	}
	return c
}

// Acknowledge clears the acknowledged external interrupt flags.
func (s *SIU) Acknowledge(cause uint) {
	switch {
	case cause < 4:
		s.eisr.Override("eif", s.eisr.Field("eif")&^(1<<cause))
	case cause == SIUCauseEIFGroup:
		s.eisr.Override("eif", s.eisr.Field("eif")&0x000F)
	}
}

// Pin returns the GPIO input level of pad n.
func (s *SIU) Pin(n uint) bool {
	if n >= siuNumPins {
		return false
	}
	return s.gpdi[n]&1 != 0
}

// SetPin drives the GPIO input level of pad n, as an external harness does.
func (s *SIU) SetPin(n uint, high bool) {
	if n >= siuNumPins {
		return
	}
	var v byte
	if high {
		v = 1
	}
	s.gpdi[n] = v
	if n < uint(len(s.gpdiLegacy)) {
		s.gpdiLegacy[n] = v
	}
}

// Out returns the GPIO output level firmware last wrote to pad n.
func (s *SIU) Out(n uint) bool {
	if n >= siuNumPins {
		return false
	}
	return s.gpdo[n]&1 != 0
}

// FPeriph derives the peripheral clock from the system clock and the
// configured engineering clock divider.
func (s *SIU) FPeriph(fsys float64) float64 {
	return fsys / float64(s.eccr.Field("engdiv")+1)
}

// RecordReset records the cause of the reset that just happened in RSR.
// A software reset keeps SSRS set by srcrUpdate; a watchdog reset marks
// both the legacy and SWT watchdog status bits.
func (s *SIU) RecordReset(reason ResetReason) {
	s.rsr.Override("pors", b2u(reason == ResetPowerOn))
	if reason == ResetWatchdog {
		s.rsr.Override("wdrs", 1)
		s.rsr.Override("swtrs", 1)
	}
	if reason == ResetDirect {
		s.rsr.Override("ssrs", 1)
	}
}
