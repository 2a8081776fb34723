// Package regs provides the bit-field-aware register cells used by every
// peripheral. A register is a fixed 32-bit storage word carved into named
// fields, each with its own access policy. Invalid writes are absorbed, not
// errors; hardware does not fault on them.
package regs

import "fmt"

// Policy controls how a field reacts to bus writes.
type Policy int

const (
	// ReadWrite fields take the written value.
	ReadWrite Policy = iota
	// ReadOnly fields (including reserved bits) never change under write.
	ReadOnly
	// W1C fields clear when written with 1 and never set under write.
	W1C
	// WriteOnce fields take the first written value and then lock until reset.
	WriteOnce
)

// Field is a named bit range inside a register, declared MSB first.
type Field struct {
	Name   string
	Width  uint
	Policy Policy
	// Reset is the power-on value of the field, right-aligned.
	Reset uint32
}

// RW is a plain read-write field.
func RW(name string, width uint) Field {
	return Field{Name: name, Width: width}
}

// RWDef is a read-write field with a non-zero reset value.
func RWDef(name string, width uint, reset uint32) Field {
	return Field{Name: name, Width: width, Reset: reset}
}

// RO is a read-only field, optionally with a fixed reset value.
func RO(name string, width uint, reset uint32) Field {
	return Field{Name: name, Width: width, Policy: ReadOnly, Reset: reset}
}

// Rsvd is an unnamed reserved field. Reserved bits read back their reset
// value no matter what is written.
func Rsvd(width uint) Field {
	return Field{Width: width, Policy: ReadOnly}
}

// W1c is a write-1-to-clear status field.
func W1c(name string, width uint) Field {
	return Field{Name: name, Width: width, Policy: W1C}
}

// Once is a write-once field that locks after the first write.
func Once(name string, width uint) Field {
	return Field{Name: name, Width: width, Policy: WriteOnce}
}

type fieldpos struct {
	Field
	shift uint
	mask  uint32
}

// Register is a 32-bit register built from fields. Masks for each policy
// are derived once at construction so the write path is a few ANDs.
type Register struct {
	name   string
	fields []fieldpos
	byName map[string]int

	value uint32
	reset uint32

	writable uint32
	w1c      uint32
	once     uint32
	// onceLocked accumulates write-once fields that have been written.
	onceLocked uint32
}

// NewRegister builds a register from fields declared MSB first. The field
// widths must cover exactly 32 bits.
func NewRegister(name string, fields ...Field) *Register {
	r := &Register{name: name, byName: make(map[string]int, len(fields))}
	bit := uint(32)
	for _, f := range fields {
		if f.Width == 0 || f.Width > bit {
			panic(fmt.Sprintf("regs: register %s field %q overflows 32 bits", name, f.Name))
		}
		bit -= f.Width
		fp := fieldpos{
			Field: f,
			shift: bit,
			mask:  (uint32(1)<<f.Width - 1) << bit,
		}
		if f.Name != "" {
			if _, dup := r.byName[f.Name]; dup {
				panic(fmt.Sprintf("regs: register %s duplicate field %q", name, f.Name))
			}
			r.byName[f.Name] = len(r.fields)
		}
		r.fields = append(r.fields, fp)
		r.reset |= (f.Reset << bit) & fp.mask
		switch f.Policy {
		case ReadWrite:
			r.writable |= fp.mask
		case W1C:
			r.w1c |= fp.mask
		case WriteOnce:
			r.once |= fp.mask
		}
	}
	if bit != 0 {
		panic(fmt.Sprintf("regs: register %s fields cover %d of 32 bits", name, 32-bit))
	}
	r.value = r.reset
	return r
}

// Name returns the register name.
func (r *Register) Name() string { return r.name }

// Reset restores the power-on value and unlocks write-once fields.
func (r *Register) Reset() {
	r.value = r.reset
	r.onceLocked = 0
}

// Read returns the current register value.
func (r *Register) Read() uint32 { return r.value }

// Write applies the written word under the given byte-lane mask and the
// per-field policies. Reserved and read-only bits keep their prior value,
// write-1-to-clear bits only ever clear, locked write-once bits are
// silently rejected the way real silicon absorbs them.
func (r *Register) Write(value, lanes uint32) {
	rw := r.writable & lanes
	next := (r.value &^ rw) | (value & rw)

	// W1C: a written 1 clears, a written 0 leaves the bit alone.
	next &^= value & r.w1c & lanes

	// Write-once fields accept lane-covered writes until locked.
	open := r.once &^ r.onceLocked & lanes
	next = (next &^ open) | (value & open)
	for i := range r.fields {
		f := &r.fields[i]
		if f.Policy == WriteOnce && f.mask&open != 0 {
			r.onceLocked |= f.mask
		}
	}

	r.value = next
}

func (r *Register) field(name string) *fieldpos {
	i, ok := r.byName[name]
	if !ok {
		panic(fmt.Sprintf("regs: register %s has no field %q", r.name, name))
	}
	return &r.fields[i]
}

// Field returns the right-aligned value of a named field.
func (r *Register) Field(name string) uint32 {
	f := r.field(name)
	return (r.value & f.mask) >> f.shift
}

// Bit reports whether a 1-bit field is set.
func (r *Register) Bit(name string) bool { return r.Field(name) != 0 }

// Override sets a field from inside the device model, bypassing the write
// policy. This is how status bits that are read-only to firmware move.
func (r *Register) Override(name string, v uint32) {
	f := r.field(name)
	r.value = (r.value &^ f.mask) | ((v << f.shift) & f.mask)
}

// SetBit sets or clears a 1-bit field from inside the device model.
func (r *Register) SetBit(name string, on bool) {
	if on {
		r.Override(name, 1)
	} else {
		r.Override(name, 0)
	}
}
