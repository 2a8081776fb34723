package main

import (
	"fmt"
	"log"
	"os"

	"github.com/Urethramancer/mpc5674/bus"
	"github.com/Urethramancer/mpc5674/soc"
	"github.com/davecgh/go-spew/spew"
)

// This program provides a simple command-line interface to load a
// firmware image into the emulated flash, run the boot assist sequence
// and inspect the resulting peripheral state.
func main() {
	fmt.Println("--- MPC5674 Peripheral Emulator ---")
	s := soc.New(soc.Config{})

	image := demoImage()
	if len(os.Args) > 1 {
		var err error
		image, err = os.ReadFile(os.Args[1])
		if err != nil {
			log.Fatalf("Reading image failed: %v", err)
		}
	}

	if err := s.LoadFlash(0, image); err != nil {
		log.Fatalf("Loading flash failed: %v", err)
	}
	fmt.Printf("Loaded %d bytes into flash\n\n", len(image))

	entry, err := s.Boot()
	if err != nil {
		log.Fatalf("Boot failed: %v", err)
	}
	rchw := s.RCHW()
	fmt.Println("--- Boot Configuration ---")
	fmt.Printf("RCHW found at %08X\n", rchw.Offset)
	fmt.Printf("Entry point:  %08X\n", entry)
	fmt.Printf("Watchdog:     %v\n", rchw.SWTEnable)
	fmt.Printf("VLE:          %v\n\n", rchw.VLE)

	// Let the clocks run for a while and show what the core would see
	// at the entry point.
	s.Advance(1000)
	word, err := s.Read(entry, 4, bus.Supervisor)
	if err != nil {
		log.Fatalf("Reading entry point failed: %v", err)
	}
	fmt.Printf("First instruction word: %08X\n", uint32(word))

	if v, ok := s.PendingVector(); ok {
		fmt.Printf("Pending interrupt vector: %d\n", v)
	}

	fmt.Println("\n--- Clock State ---")
	spew.Dump(s.Snapshot("FMPLL"))

	fmt.Println("\nBoot finished successfully.")
}

// demoImage builds a minimal bootable image: a reset configuration
// halfword at the start of flash and a single instruction word at the
// entry point.
func demoImage() []byte {
	return []byte{
		0x00, 0x5A, // RCHW, watchdog off
		0x00, 0x00,
		0x00, 0x00, 0x00, 0x08, // entry point
		0x48, 0x00, 0x00, 0x00, // placeholder instruction
	}
}
