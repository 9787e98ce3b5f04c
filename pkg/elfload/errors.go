package elfload

import "errors"

// ErrNot64Bit is returned for any ELF class other than ELFCLASS64:
// 32-bit guest images are rejected outright.
var ErrNot64Bit = errors.New("elfload: only 64-bit ELF images are supported")

// ErrUnknownMachine is returned for anything but x86-64.
var ErrUnknownMachine = errors.New("elfload: unsupported machine type")

// ErrSegmentSize is returned when a program header claims
// p_filesz > p_memsz.
var ErrSegmentSize = errors.New("elfload: p_filesz exceeds p_memsz")

// ErrMultipleInterp is returned when more than one PT_INTERP header
// is present.
var ErrMultipleInterp = errors.New("elfload: multiple PT_INTERP headers")

// ErrPhdrAfterLoad is returned when a PT_PHDR header appears after a
// PT_LOAD header in program-header order.
var ErrPhdrAfterLoad = errors.New("elfload: PT_PHDR after PT_LOAD")
