package periph

import (
	"fmt"
)

// RCHW signature constants. The boot identifier lives in the low byte of
// the first halfword; bits that firmware may vary are masked off before
// the compare.
const (
	rchwMask = 0xF0FF
	rchwBoot = 0x005A
)

// rchwOffsets are the flash locations the boot assist module scans for a
// valid reset configuration halfword, in search order.
var rchwOffsets = []uint32{0x0, 0x4000, 0x10000, 0x1C000, 0x20000, 0x30000}

// RCHW is a decoded reset configuration halfword and its entry point.
type RCHW struct {
	// SWTEnable requests the watchdog be running at boot.
	SWTEnable bool
	// WTEnable requests the core watchdog timer.
	WTEnable bool
	// PS0 selects the 32-bit external bus port size.
	PS0 bool
	// VLE marks the entry code as variable-length encoded.
	VLE bool
	// BootID is the signature byte, 0x5A for a valid halfword.
	BootID uint8
	// Entry is the address of the first instruction.
	Entry uint32
	// Offset is the flash location the halfword was found at.
	Offset uint32
}

// BootSearch scans the flash array for a reset configuration halfword at
// the documented locations and decodes the first match. It fails when no
// location carries the boot signature, which on hardware would leave the
// part waiting for serial boot.
func BootSearch(f *Flash) (*RCHW, error) {
	for _, off := range rchwOffsets {
		hw := uint16(f.ReadMem(off, 2))
		if hw&rchwMask != rchwBoot {
			continue
		}
		return &RCHW{
			SWTEnable: hw&0x0800 != 0,
			WTEnable:  hw&0x0400 != 0,
			PS0:       hw&0x0200 != 0,
			VLE:       hw&0x0100 != 0,
			BootID:    uint8(hw),
			Entry:     f.ReadMem(off+4, 4),
			Offset:    off,
		}, nil
	}
	return nil, fmt.Errorf("bam: no valid RCHW at any boot location")
}
