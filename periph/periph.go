// Package periph contains the device models for the MPC5674F on-chip
// peripherals. Every variant implements the same bus contract and keeps
// its registers in a regs.Set; behavior beyond plain storage lives in
// register write hooks and in Advance.
package periph

import (
	"github.com/sirupsen/logrus"

	"github.com/Urethramancer/mpc5674/regs"
)

var log = logrus.StandardLogger()

// device is the common core embedded by every peripheral model.
type device struct {
	name string
	set  *regs.Set
}

func newDevice(name string) device {
	return device{name: name, set: regs.NewSet()}
}

// Name returns the device-table name.
func (d *device) Name() string { return d.name }

// Read delegates to the register set.
func (d *device) Read(offset uint32, size int) (uint32, error) {
	return d.set.Read(offset, size)
}

// Write delegates to the register set and its write hooks.
func (d *device) Write(offset uint32, size int, value uint32) error {
	return d.set.Write(offset, size, value)
}

// Advance is a no-op for untimed peripherals.
func (d *device) Advance(cycles uint64) {}

// Pending reports no interrupt causes by default.
func (d *device) Pending() uint64 { return 0 }

// Reset restores every register to its power-on value.
func (d *device) Reset() { d.set.Reset() }

// Snapshot returns a copy of the register values for inspection tooling.
func (d *device) Snapshot() map[string]any { return d.set.Snapshot() }

func (d *device) log() *logrus.Entry {
	return log.WithField("dev", d.name)
}
