// Package elfload loads a 64-bit Linux ELF executable (and, if
// present, its PT_INTERP dynamic linker) into guest memory via the
// region manager and pager. It parses with the standard library's
// debug/elf, matching gvisor's own pkg/sentry/loader: no third-party
// ELF parser exists anywhere in the retrieved corpus.
package elfload

import (
	"debug/elf"
	"io"
	"os"

	"github.com/elkvm/elkvm/pkg/guest"
	"github.com/elkvm/elkvm/pkg/heap"
	"github.com/elkvm/elkvm/pkg/pager"
	"github.com/elkvm/elkvm/pkg/region"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("pkg", "elfload")

// LDLinuxSoBase is the fixed guest-virtual base the dynamic linker is
// loaded at, well above any reasonable ET_EXEC text/data footprint.
const LDLinuxSoBase = guest.Ptr(0x0000555500000000)

// Mapper is the subset of the Pager the loader needs.
type Mapper interface {
	MapRegion(hostBase guest.Host, guestBase guest.Ptr, pages uint64, opts pager.Opts) error
}

// Result describes a fully loaded image: the entry point to jump to
// (the interpreter's, if one was loaded) plus the auxv fields the
// monitor must populate. MainEntry is always the main binary's own
// e_entry, distinct from Entry whenever a PT_INTERP was loaded: AT_ENTRY
// must name the main binary's entry point even though the vCPU itself
// starts at the interpreter's.
type Result struct {
	Entry      guest.Ptr
	MainEntry  guest.Ptr
	Phdr       guest.Ptr
	Phent      uint64
	Phnum      uint64
	InterpBase guest.Ptr // 0 if statically linked

	TextRegion *region.Region
	DataRegion *region.Region
}

// Loader loads ELF images into a RegionManager/Pager/HeapManager
// triple that already exist (the VM aggregate root owns all three).
type Loader struct {
	regions *region.Manager
	pager   Mapper
	heap    *heap.Manager
}

// New returns a Loader writing into regions/pager/heap.
func New(regions *region.Manager, p Mapper, h *heap.Manager) *Loader {
	return &Loader{regions: regions, pager: p, heap: h}
}

// Load loads the ELF at path as the main executable, recursively
// loading its PT_INTERP (if any) at LDLinuxSoBase.
func (l *Loader) Load(path string) (*Result, error) {
	main, err := l.loadImage(path, 0, false)
	if err != nil {
		return nil, errors.Wrap(err, "elfload: loading main image")
	}

	res := &Result{
		Entry:      main.entry,
		MainEntry:  main.entry,
		Phdr:       main.phdrAddr,
		Phent:      main.phent,
		Phnum:      main.phnum,
		TextRegion: main.textRegion,
		DataRegion: main.dataRegion,
	}

	if main.interpPath != "" {
		interp, err := l.loadImage(main.interpPath, LDLinuxSoBase, true)
		if err != nil {
			return nil, errors.Wrap(err, "elfload: loading interpreter")
		}
		res.Entry = interp.entry
		res.InterpBase = LDLinuxSoBase
	}

	return res, nil
}

// loadedImage is the loader's internal bookkeeping for one ELF file
// (main binary or interpreter).
type loadedImage struct {
	entry      guest.Ptr
	phdrAddr   guest.Ptr
	phent      uint64
	phnum      uint64
	interpPath string
	textRegion *region.Region
	dataRegion *region.Region
}

func (l *Loader) loadImage(path string, bias guest.Ptr, isInterp bool) (*loadedImage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ef, err := elf.NewFile(f)
	if err != nil {
		return nil, errors.Wrap(err, "elfload: parsing ELF")
	}
	if ef.Class != elf.ELFCLASS64 {
		return nil, ErrNot64Bit
	}
	if ef.Machine != elf.EM_X86_64 {
		return nil, ErrUnknownMachine
	}

	img := &loadedImage{
		entry: guest.Ptr(ef.Entry) + bias,
		phnum: uint64(len(ef.Progs)),
		phent: 56, // sizeof(Elf64_Phdr); debug/elf doesn't export this constant
	}

	sawLoad := false
	interpCount := 0

	for _, p := range ef.Progs {
		switch p.Type {
		case elf.PT_PHDR:
			if sawLoad {
				return nil, ErrPhdrAfterLoad
			}
			img.phdrAddr = guest.Ptr(p.Vaddr) + bias

		case elf.PT_INTERP:
			interpCount++
			if interpCount > 1 {
				return nil, ErrMultipleInterp
			}
			if isInterp {
				break
			}
			path, err := readInterpPath(f, p)
			if err != nil {
				return nil, err
			}
			img.interpPath = path

		case elf.PT_LOAD:
			sawLoad = true
			r, err := l.loadSegment(f, p, bias)
			if err != nil {
				return nil, err
			}
			if p.Flags&elf.PF_X != 0 {
				img.textRegion = r
			} else if p.Flags&elf.PF_W != 0 {
				img.dataRegion = r
				dataSpan := guest.PageOffset(p.Vaddr) + p.Memsz
				curBrk := r.GuestBase.After(dataSpan)
				l.heap.InitBrk(r, dataSpan, curBrk)
			}
		}
	}

	if err := l.zeroBssSections(ef, bias); err != nil {
		return nil, err
	}

	return img, nil
}

// loadSegment allocates a region for one PT_LOAD header, reads its
// file content with the leading/trailing "dirty bytes" the ELF spec
// describes, zero-fills the p_memsz-p_filesz tail, and maps it.
func (l *Loader) loadSegment(f *os.File, p *elf.Prog, bias guest.Ptr) (*region.Region, error) {
	if p.Filesz > p.Memsz {
		return nil, ErrSegmentSize
	}

	pageOff := p.Vaddr & guest.PageMask
	span := pageOff + p.Memsz

	r, err := l.regions.AllocateRegion(guest.RoundUpPage(span), purposeFor(p.Flags))
	if err != nil {
		return nil, err
	}
	guestBase := guest.Ptr(guest.PageBegin(p.Vaddr)) + bias
	r.GuestBase = guestBase

	buf := l.regions.ChunkMmap(r.ChunkID)
	chunk, _ := l.regions.Chunk(r.ChunkID)
	dst := r.Bytes(buf, chunk.HostBase)

	readLen := guest.RoundUpPage(pageOff + p.Filesz)

	if _, err := f.Seek(int64(p.Off&^guest.PageMask), io.SeekStart); err != nil {
		return nil, err
	}
	n, err := io.ReadFull(f, dst[:min64(readLen, uint64(len(dst)))])
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, errors.Wrap(err, "elfload: reading PT_LOAD segment")
	}
	zeroFrom := pageOff + p.Filesz
	if uint64(n) < zeroFrom {
		zeroFrom = uint64(n)
	}
	for i := zeroFrom; i < span && i < uint64(len(dst)); i++ {
		dst[i] = 0
	}

	opts := pager.Opts{Write: p.Flags&elf.PF_W != 0, Exec: p.Flags&elf.PF_X != 0}
	if err := l.pager.MapRegion(r.HostBase, guestBase, guest.PagesFor(span), opts); err != nil {
		return nil, err
	}
	return r, nil
}

// zeroBssSections logs every SHT_NOBITS section named .bss; it writes
// no bytes itself and relies on loadSegment's p_memsz-p_filesz
// zero-fill for the section's contents.
func (l *Loader) zeroBssSections(ef *elf.File, bias guest.Ptr) error {
	for _, s := range ef.Sections {
		if s.Type != elf.SHT_NOBITS || s.Name != ".bss" {
			continue
		}
		// The backing bytes were already zeroed by loadSegment's own
		// memsz-filesz fill, since .bss always lies inside a PT_LOAD
		// segment's memory image; this pass exists only to make that
		// guarantee visible in the log.
		log.WithField("addr", guest.Ptr(s.Addr)+bias).Debug("elfload: .bss section covered by segment zero-fill")
	}
	return nil
}

func purposeFor(flags elf.ProgFlag) region.Purpose {
	if flags&elf.PF_X != 0 {
		return region.PurposeText
	}
	return region.PurposeData
}

func readInterpPath(f *os.File, p *elf.Prog) (string, error) {
	buf := make([]byte, p.Filesz)
	if _, err := f.Seek(int64(p.Off), io.SeekStart); err != nil {
		return "", err
	}
	if _, err := io.ReadFull(f, buf); err != nil {
		return "", err
	}
	// PT_INTERP is a NUL-terminated path.
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i]), nil
		}
	}
	return string(buf), nil
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
