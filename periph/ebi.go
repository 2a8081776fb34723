package periph

import (
	"github.com/Urethramancer/mpc5674/regs"
)

// External bus interface register offsets.
const (
	ebiMCR  = 0x0000
	ebiTESR = 0x0008
	ebiBMCR = 0x000C
	ebiBR0  = 0x0010
)

const ebiNumBanks = 4

// EBI models the external bus interface configuration registers. No
// external memory is attached, so the chip select banks only hold their
// programmed values for firmware to read back.
type EBI struct {
	device
}

// NewEBI builds the interface with all chip select banks invalid.
func NewEBI(name string) *EBI {
	e := &EBI{device: newDevice(name)}
	e.set.AddRegister(ebiMCR, regs.NewRegister("EBI_MCR",
		regs.Rsvd(5),
		regs.RW("sizen", 1),
		regs.RW("size", 2),
		regs.Rsvd(8),
		regs.RW("acge", 1),
		regs.RW("extm", 1),
		regs.RW("earb", 1),
		regs.Rsvd(4),
		regs.RW("mdis", 1),
		regs.Rsvd(5),
		regs.RW("dbm", 1),
		regs.Rsvd(2)))
	e.set.AddRegister(ebiTESR, regs.NewRegister("EBI_TESR",
		regs.Rsvd(30),
		regs.W1c("teaf", 1),
		regs.W1c("bmtf", 1)))
	e.set.AddRegister(ebiBMCR, regs.NewRegister("EBI_BMCR",
		regs.Rsvd(16),
		regs.RWDef("bmt", 8, 0xFF),
		regs.RWDef("bme", 1, 1),
		regs.Rsvd(7)))
	for i := uint32(0); i < ebiNumBanks; i++ {
		e.set.AddRegister(ebiBR0+i*8, regs.NewRegister("EBI_BR",
			regs.RWDef("ba", 17, 0x04000),
			regs.Rsvd(3),
			regs.RW("ps", 1),
			regs.Rsvd(3),
			regs.RW("ad_mux", 1),
			regs.RW("bl", 1),
			regs.RW("webs", 1),
			regs.RW("tbdip", 1),
			regs.Rsvd(2),
			regs.RW("bi", 1),
			regs.RW("v", 1)))
		e.set.AddRegister(ebiBR0+i*8+4, regs.NewRegister("EBI_OR",
			regs.RWDef("am", 17, 0x1FFE0),
			regs.Rsvd(7),
			regs.RW("scy", 4),
			regs.Rsvd(1),
			regs.RW("bscy", 2),
			regs.Rsvd(1)))
	}
	e.Reset()
	return e
}

// BankValid reports whether a chip select bank has its valid bit set.
func (e *EBI) BankValid(bank int) bool {
	return e.set.Reg(ebiBR0 + uint32(bank)*8).Bit("v")
}
