package periph_test

import (
	"testing"

	"github.com/Urethramancer/mpc5674/periph"
)

func TestEBIDefaults(t *testing.T) {
	e := periph.NewEBI("EBI")
	if v, _ := e.Read(0x0C, 4); v != 0x0000FF80 {
		t.Fatalf("BMCR: got %08X, want 0000FF80", v)
	}
	for bank := 0; bank < 4; bank++ {
		if e.BankValid(bank) {
			t.Fatalf("[bank %d] valid at reset", bank)
		}
		base := uint32(0x10 + bank*8)
		if v, _ := e.Read(base, 4); v != 0x20000000 {
			t.Fatalf("[bank %d] BR: got %08X, want 20000000", bank, v)
		}
		if v, _ := e.Read(base+4, 4); v != 0xFFF00000 {
			t.Fatalf("[bank %d] OR: got %08X, want FFF00000", bank, v)
		}
	}
}

func TestEBIBankProgramming(t *testing.T) {
	e := periph.NewEBI("EBI")
	// Program bank 2 for a 16-bit device at 0x20000000 and validate it.
	if err := e.Write(0x20, 4, 0x20000801); err != nil {
		t.Fatalf("BR2 write failed: %v", err)
	}
	if err := e.Write(0x24, 4, 0xFFF00030); err != nil {
		t.Fatalf("OR2 write failed: %v", err)
	}
	if !e.BankValid(2) {
		t.Fatal("bank 2 not valid")
	}
	if e.BankValid(1) {
		t.Fatal("bank 1 turned valid")
	}
	if v, _ := e.Read(0x20, 4); v != 0x20000801 {
		t.Fatalf("BR2: got %08X", v)
	}
}

func TestEBIModuleControl(t *testing.T) {
	e := periph.NewEBI("EBI")
	if err := e.Write(0x0, 4, 0x00004000); err != nil {
		t.Fatalf("MCR write failed: %v", err)
	}
	v, err := e.Read(0x0, 4)
	if err != nil {
		t.Fatalf("MCR read failed: %v", err)
	}
	if v&0x00004000 == 0 {
		t.Fatalf("EXTM not set: %08X", v)
	}
	// Reserved bits swallow writes.
	if err := e.Write(0x0, 4, 0xFFFFFFFF); err != nil {
		t.Fatalf("MCR write failed: %v", err)
	}
	if v, _ := e.Read(0x0, 4); v != 0x0700E104 {
		t.Fatalf("MCR after all-ones write: got %08X, want 0700E104", v)
	}
}
