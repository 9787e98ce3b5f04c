// Package stack builds the guest's initial user stack image: argv,
// envp, and the auxiliary vector laid out per the System V AMD64
// process start protocol, plus the kernel-stack page the syscall
// entry trampoline runs on.
package stack

import (
	"encoding/binary"

	"github.com/elkvm/elkvm/pkg/elfload"
	"github.com/elkvm/elkvm/pkg/guest"
	"github.com/elkvm/elkvm/pkg/pager"
	"github.com/elkvm/elkvm/pkg/region"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("pkg", "stack")

// StackBase is LINUX_64_STACK_BASE: the top of the guest's user
// address range the env region sits just below.
const StackBase = guest.Ptr(0x00007ffffffff000)

const (
	envRegionPages   = 16
	initialStackPages = 4
)

// Mapper is the subset of the Pager the stack builder needs.
type Mapper interface {
	MapRegion(hostBase guest.Host, guestBase guest.Ptr, pages uint64, opts pager.Opts) error
	MapKernelPage(hostPtr guest.Host, opts pager.Opts) (guest.Ptr, error)
}

// Builder lays out the initial stack on top of a RegionManager/Pager.
type Builder struct {
	regions *region.Manager
	pager   Mapper
}

// New returns a Builder writing into regions/pager.
func New(regions *region.Manager, p Mapper) *Builder {
	return &Builder{regions: regions, pager: p}
}

// Result is what the VM needs to finish vCPU setup: the initial RSP
// and the guest-virtual top of the mapped kernel stack page.
type Result struct {
	RSP            guest.Ptr
	KernelStackTop guest.Ptr
	EnvRegion      *region.Region
	StackRegion    *region.Region
}

// Setup allocates the env and initial stack regions, a kernel stack
// page, writes the argv/envp string bodies and the argc/argv/envp/
// auxv frame into the top of the env region, and returns the RSP the
// vCPU should start with.
func (b *Builder) Setup(argv, envp []string, auxv []elfload.Auxv) (*Result, error) {
	envRegion, err := b.regions.AllocateRegion(envRegionPages*guest.PageSize, region.PurposeEnv)
	if err != nil {
		return nil, err
	}
	envRegion.GuestBase = StackBase.Align(guest.PageSize, false) - guest.Ptr(envRegionPages*guest.PageSize)

	stackRegion, err := b.regions.AllocateRegion(initialStackPages*guest.PageSize, region.PurposeStack)
	if err != nil {
		return nil, err
	}
	stackRegion.GuestBase = envRegion.GuestBase - guest.Ptr(initialStackPages*guest.PageSize)

	if err := b.pager.MapRegion(envRegion.HostBase, envRegion.GuestBase, envRegionPages, pager.Opts{Write: true}); err != nil {
		return nil, err
	}
	if err := b.pager.MapRegion(stackRegion.HostBase, stackRegion.GuestBase, initialStackPages, pager.Opts{Write: true}); err != nil {
		return nil, err
	}

	kernelStackRegion, err := b.regions.AllocateRegion(guest.PageSize, region.PurposeKernel)
	if err != nil {
		return nil, err
	}
	kernelTop, err := b.pager.MapKernelPage(kernelStackRegion.HostBase, pager.Opts{Write: true})
	if err != nil {
		return nil, err
	}
	kernelTop = kernelTop.After(guest.PageSize) // RSP starts at the top of the page, stack grows down

	chunk, _ := b.regions.Chunk(envRegion.ChunkID)
	buf := envRegion.Bytes(b.regions.ChunkMmap(envRegion.ChunkID), chunk.HostBase)

	cursor := uint64(len(buf)) // offset into buf; shrinks as we lay things out top-down

	writeString := func(s string) guest.Ptr {
		n := len(s) + 1 // NUL terminator
		cursor -= uint64(n)
		copy(buf[cursor:], s)
		buf[cursor+uint64(len(s))] = 0
		return envRegion.GuestBase.After(cursor)
	}

	argvAddrs := make([]guest.Ptr, len(argv))
	for i := len(argv) - 1; i >= 0; i-- {
		argvAddrs[i] = writeString(argv[i])
	}
	envpAddrs := make([]guest.Ptr, len(envp))
	for i := len(envp) - 1; i >= 0; i-- {
		envpAddrs[i] = writeString(envp[i])
	}

	frameWords := 1 + (len(argv) + 1) + (len(envp) + 1) + 2*len(auxv)
	frameBytes := uint64(frameWords * 8)
	cursor -= frameBytes
	cursor &^= 0xf // 16-byte align RSP per the SysV AMD64 call convention

	frame := buf[cursor:]
	w := binary.LittleEndian
	off := 0
	putWord := func(v uint64) {
		w.PutUint64(frame[off:], v)
		off += 8
	}

	putWord(uint64(len(argv)))
	for _, a := range argvAddrs {
		putWord(uint64(a))
	}
	putWord(0)
	for _, a := range envpAddrs {
		putWord(uint64(a))
	}
	putWord(0)
	for _, a := range auxv {
		putWord(a.Type)
		putWord(a.Value)
	}

	rsp := envRegion.GuestBase.After(cursor)

	log.WithFields(logrus.Fields{"rsp": rsp, "argc": len(argv), "envc": len(envp)}).Debug("stack: initial frame built")

	return &Result{
		RSP:            rsp,
		KernelStackTop: kernelTop,
		EnvRegion:      envRegion,
		StackRegion:    stackRegion,
	}, nil
}
