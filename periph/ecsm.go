package periph

import (
	"github.com/Urethramancer/mpc5674/regs"
)

// ECSM word-aligned register offsets. Several of the documented
// registers are sub-word sized and share a 32-bit word here.
const (
	ecsmPCTREV = 0x0000
	ecsmIMC    = 0x0008
	ecsmMRSR   = 0x000C
	ecsmECR    = 0x0040
	ecsmESR    = 0x0044
	ecsmEEGR   = 0x0048
	ecsmFEAR   = 0x0050
	ecsmFEMR   = 0x0054
	ecsmFEDRH  = 0x0058
	ecsmFEDRL  = 0x005C
	ecsmREAR   = 0x0060
	ecsmREMR   = 0x0064
	ecsmREDRH  = 0x0068
	ecsmREDRL  = 0x006C
)

// ResetReason distinguishes the causes recorded in the MRSR register.
type ResetReason int

const (
	// ResetPowerOn is the power-on reset.
	ResetPowerOn ResetReason = iota
	// ResetDirect is an external or software directed reset.
	ResetDirect
	// ResetWatchdog is a watchdog timeout reset.
	ResetWatchdog
)

// ECSM interrupt causes.
const (
	ECSMCauseFlash1Bit = iota
	ECSMCauseRAM1Bit
	ECSMCauseFlashNC
	ECSMCauseRAMNC
)

// ECSM models the error correction status module: the miscellaneous
// reset status register and the ECC error reporting machinery for RAM
// and flash accesses.
type ECSM struct {
	device

	mrsr *regs.Register
	ecr  *regs.Register
	esr  *regs.Register

	causes uint64
}

// NewECSM builds the module reporting a power-on reset.
func NewECSM(name string) *ECSM {
	e := &ECSM{device: newDevice(name)}
	e.set.AddRegister(ecsmPCTREV, regs.NewRegister("ECSM_PCT_REV",
		regs.RO("pct", 16, 0xE760), regs.RO("rev", 16, 0)))
	e.set.AddRegister(ecsmIMC, regs.NewRegister("ECSM_IMC",
		regs.RO("imc", 32, 0xC803E800)))
	e.mrsr = regs.NewRegister("ECSM_MRSR",
		regs.Rsvd(24),
		regs.RO("por", 1, 1),
		regs.RO("dir", 1, 0),
		regs.RO("swtr", 1, 0),
		regs.Rsvd(5))
	e.set.AddRegister(ecsmMRSR, e.mrsr)
	e.ecr = regs.NewRegister("ECSM_ECR",
		regs.Rsvd(26),
		regs.RW("er1br", 1),
		regs.RW("ef1br", 1),
		regs.Rsvd(2),
		regs.RW("erncr", 1),
		regs.RW("efncr", 1))
	e.set.AddRegister(ecsmECR, e.ecr)
	e.esr = regs.NewRegister("ECSM_ESR",
		regs.Rsvd(26),
		regs.W1c("r1br", 1),
		regs.W1c("f1br", 1),
		regs.Rsvd(2),
		regs.W1c("rncr", 1),
		regs.W1c("fncr", 1))
	e.set.AddRegister(ecsmESR, e.esr)
	e.set.AddRegister(ecsmEEGR, regs.NewRegister("ECSM_EEGR",
		regs.Rsvd(18),
		regs.RW("frc1bi", 1),
		regs.RW("fr11bi", 1),
		regs.Rsvd(2),
		regs.RW("frcnci", 1),
		regs.RW("fr1nci", 1),
		regs.Rsvd(1),
		regs.RW("errbit", 7)))
	e.set.AddRegister(ecsmFEAR, regs.NewRegister("ECSM_FEAR",
		regs.RO("fear", 32, 0)))
	e.set.AddRegister(ecsmFEMR, regs.NewRegister("ECSM_FEMR_FEAT",
		regs.Rsvd(16),
		regs.RO("femr", 8, 0),
		regs.RO("feat", 8, 0)))
	e.set.AddRegister(ecsmFEDRH, regs.NewRegister("ECSM_FEDRH",
		regs.RO("fedrh", 32, 0)))
	e.set.AddRegister(ecsmFEDRL, regs.NewRegister("ECSM_FEDRL",
		regs.RO("fedrl", 32, 0)))
	e.set.AddRegister(ecsmREAR, regs.NewRegister("ECSM_REAR",
		regs.RO("rear", 32, 0)))
	e.set.AddRegister(ecsmREMR, regs.NewRegister("ECSM_RESR_REMR_REAT",
		regs.Rsvd(8),
		regs.RO("resr", 8, 0),
		regs.RO("remr", 8, 0),
		regs.RO("reat", 8, 0)))
	e.set.AddRegister(ecsmREDRH, regs.NewRegister("ECSM_REDRH",
		regs.RO("redrh", 32, 0)))
	e.set.AddRegister(ecsmREDRL, regs.NewRegister("ECSM_REDRL",
		regs.RO("redrl", 32, 0)))
	e.Reset()
	return e
}

// Reset restores register defaults but keeps the recorded reset reason,
// which the integration layer rewrites right after reset.
func (e *ECSM) Reset() {
	por := e.mrsr.Field("por")
	dir := e.mrsr.Field("dir")
	swtr := e.mrsr.Field("swtr")
	e.set.Reset()
	e.mrsr.Override("por", por)
	e.mrsr.Override("dir", dir)
	e.mrsr.Override("swtr", swtr)
	e.causes = 0
}

// RecordReset latches the reason of the reset that just happened. The
// bits are exclusive, only the latest reset's cause reads one.
func (e *ECSM) RecordReset(reason ResetReason) {
	e.mrsr.Override("por", b2u(reason == ResetPowerOn))
	e.mrsr.Override("dir", b2u(reason == ResetDirect))
	e.mrsr.Override("swtr", b2u(reason == ResetWatchdog))
}

// Reason returns the recorded reset reason.
func (e *ECSM) Reason() ResetReason {
	switch {
	case e.mrsr.Bit("swtr"):
		return ResetWatchdog
	case e.mrsr.Bit("dir"):
		return ResetDirect
	default:
		return ResetPowerOn
	}
}

// RAMError reports a correctable or non-correctable ECC event on a RAM
// access, latching the report registers when reporting is enabled.
func (e *ECSM) RAMError(addr uint32, data uint64, correctable bool) {
	if correctable {
		if !e.ecr.Bit("er1br") {
			return
		}
		e.esr.Override("r1br", 1)
		e.causes |= 1 << ECSMCauseRAM1Bit
	} else {
		if !e.ecr.Bit("erncr") {
			return
		}
		e.esr.Override("rncr", 1)
		e.causes |= 1 << ECSMCauseRAMNC
	}
	e.set.Reg(ecsmREAR).Override("rear", addr)
	e.set.Reg(ecsmREDRH).Override("redrh", uint32(data>>32))
	e.set.Reg(ecsmREDRL).Override("redrl", uint32(data))
}

// FlashError reports an ECC event on a flash access.
func (e *ECSM) FlashError(addr uint32, data uint64, correctable bool) {
	if correctable {
		if !e.ecr.Bit("ef1br") {
			return
		}
		e.esr.Override("f1br", 1)
		e.causes |= 1 << ECSMCauseFlash1Bit
	} else {
		if !e.ecr.Bit("efncr") {
			return
		}
		e.esr.Override("fncr", 1)
		e.causes |= 1 << ECSMCauseFlashNC
	}
	e.set.Reg(ecsmFEAR).Override("fear", addr)
	e.set.Reg(ecsmFEDRH).Override("fedrh", uint32(data>>32))
	e.set.Reg(ecsmFEDRL).Override("fedrl", uint32(data))
}

// Pending folds every latched ECC cause onto the single combined vector
// the part routes them to; the ESR bits distinguish them for firmware.
func (e *ECSM) Pending() uint64 {
	if e.causes != 0 {
		return 1
	}
	return 0
}

// Acknowledge clears the combined cause latch. The ESR status bits stay
// set until firmware clears them.
func (e *ECSM) Acknowledge(cause uint) {
	e.causes = 0
}

// Causes returns the individual latched ECC cause bits for inspection.
func (e *ECSM) Causes() uint64 { return e.causes }
