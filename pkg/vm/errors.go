package vm

import "errors"

// ErrUnsupported is returned for guest requests the monitor
// deliberately never implements.
var ErrUnsupported = errors.New("vm: unsupported operation")

// ErrGuestFatal is returned when the run loop hits a condition the
// guest cannot recover from: a fatal interrupt vector, or a page
// fault outside the stack's grow-down window.
var ErrGuestFatal = errors.New("vm: fatal guest fault")

// ErrNoVcpu is returned by operations that need a vCPU before one has
// been created.
var ErrNoVcpu = errors.New("vm: no vcpu")
