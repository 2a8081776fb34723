package periph

import (
	"github.com/Urethramancer/mpc5674/regs"
)

// Peripheral bridge register offsets.
const (
	pbridgeMPCR   = 0x0000
	pbridgePACR0  = 0x0020
	pbridgeOPACR0 = 0x0040
)

// PBridge models one peripheral bridge: the per-master privilege
// controls and the per-peripheral access control words. Bridge A leaves
// two of the PACR words unimplemented, matching the part.
type PBridge struct {
	device
}

func pacr() *regs.Register {
	return regs.NewRegister("PBRIDGE_PACR",
		regs.RWDef("p0", 4, 0b0100),
		regs.RWDef("p1", 4, 0b0100),
		regs.RWDef("p2", 4, 0b0100),
		regs.RWDef("p3", 4, 0b0100),
		regs.RWDef("p4", 4, 0b0100),
		regs.RWDef("p5", 4, 0b0100),
		regs.RWDef("p6", 4, 0b0100),
		regs.RWDef("p7", 4, 0b0100))
}

// NewPBridge builds a bridge. full selects the B-side register set with
// all three PACR words present.
func NewPBridge(name string, full bool) *PBridge {
	p := &PBridge{device: newDevice(name)}
	p.set.AddRegister(pbridgeMPCR, regs.NewRegister("PBRIDGE_MPCR",
		regs.RWDef("mb0", 4, 0b0111),
		regs.RWDef("mb1", 4, 0b0111),
		regs.RO("mb2", 4, 0b0111),
		regs.RO("mb3", 4, 0b0111),
		regs.RWDef("mb4", 4, 0b0111),
		regs.RWDef("mb5", 4, 0b0111),
		regs.RWDef("mb6", 4, 0b0111),
		regs.RO("mb7", 4, 0b0111)))
	p.set.AddRegister(pbridgePACR0, pacr())
	if full {
		p.set.AddRegister(pbridgePACR0+4, pacr())
		p.set.AddRegister(pbridgePACR0+8, pacr())
	}
	for i := uint32(0); i < 4; i++ {
		p.set.AddRegister(pbridgeOPACR0+i*4, pacr())
	}
	p.Reset()
	return p
}

// SupervisorOnly reports whether the addressed PACR/OPACR slot requires
// supervisor access, the SP bit of its 4-bit control field.
func (p *PBridge) SupervisorOnly(offset uint32, slot int) bool {
	v, err := p.set.Read(offset, 4)
	if err != nil {
		return true
	}
	shift := uint(28 - slot*4)
	return (v>>shift)&0b0100 != 0
}
