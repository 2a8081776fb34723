package periph

import (
	"github.com/Urethramancer/mpc5674/regs"
)

// Crossbar slave port offsets; the part wires ports 0-2, 6 and 7.
var xbarPorts = []uint32{0x000, 0x100, 0x200, 0x600, 0x700}

// XBar models the crossbar switch arbitration registers. Arbitration
// itself has no observable effect with a single bus master, but firmware
// programs these and the read-only lock bit must hold.
type XBar struct {
	device
}

// NewXBar builds the crossbar with the reset master priority order.
func NewXBar(name string) *XBar {
	x := &XBar{device: newDevice(name)}
	for _, port := range xbarPorts {
		x.set.AddRegister(port, regs.NewRegister("XBAR_MPR",
			regs.RO("rsvd", 5, 0b01010),
			regs.RWDef("mstr6", 3, 0b100),
			regs.Rsvd(1),
			regs.RWDef("mstr5", 3, 0b011),
			regs.Rsvd(1),
			regs.RWDef("mstr4", 3, 0b010),
			regs.Rsvd(9),
			regs.RWDef("mstr1", 3, 0b001),
			regs.Rsvd(1),
			regs.RW("mstr0", 3)))
		x.set.AddRegister(port+0x10, regs.NewRegister("XBAR_SGPCR",
			regs.Once("ro", 1),
			regs.Rsvd(21),
			regs.RW("arb", 2),
			regs.Rsvd(2),
			regs.RW("pctl", 2),
			regs.Rsvd(1),
			regs.RW("park", 3)))
	}
	x.Reset()
	return x
}

// Locked reports whether a slave port's configuration is frozen by the
// SGPCR read-only bit.
func (x *XBar) Locked(port int) bool {
	return x.set.Reg(xbarPorts[port]+0x10).Bit("ro")
}

// Write blocks updates to a locked port's registers; the lock bit itself
// is write-once until reset.
func (x *XBar) Write(offset uint32, size int, value uint32) error {
	for _, port := range xbarPorts {
		if offset >= port && offset < port+0x14 && x.set.Reg(port+0x10).Bit("ro") {
			x.log().WithField("offset", offset).Debug("write to locked port ignored")
			return nil
		}
	}
	return x.set.Write(offset, size, value)
}
