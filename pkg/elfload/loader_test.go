package elfload

import (
	"debug/elf"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildAuxvOrderAndTerminator(t *testing.T) {
	r := Result{Entry: 0x401000, MainEntry: 0x401000, Phdr: 0x400040, Phent: 56, Phnum: 9}
	av := BuildAuxv(r, 0, 0x7fffffffe000)

	require.Equal(t, uint64(ATPhdr), av[0].Type)
	require.Equal(t, uint64(r.Phdr), av[0].Value)
	require.Equal(t, uint64(ATNull), av[len(av)-1].Type)
}

func TestBuildAuxvEntryIsMainBinaryEvenWithInterpreter(t *testing.T) {
	// A dynamically linked binary's vCPU starts at the interpreter
	// (Entry, via InterpBase), but AT_ENTRY must still name the main
	// binary's own e_entry so the interpreter can hand control back to it.
	r := Result{
		Entry:      0x555500001000,
		MainEntry:  0x401000,
		InterpBase: 0x555500000000,
	}
	av := BuildAuxv(r, 0, 0)

	var entry uint64
	found := false
	for _, e := range av {
		if e.Type == ATEntry {
			entry = e.Value
			found = true
		}
	}
	require.True(t, found)
	require.Equal(t, uint64(r.MainEntry), entry)
	require.NotEqual(t, uint64(r.Entry), entry)
}

func TestPurposeForFlags(t *testing.T) {
	require.Equal(t, "text", purposeFor(elf.PF_X|elf.PF_R).String())
	require.Equal(t, "data", purposeFor(elf.PF_W|elf.PF_R).String())
}

func TestReadInterpPathStripsNulTerminator(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "interp")
	require.NoError(t, os.WriteFile(path, []byte("garbage/lib64/ld-linux-x86-64.so.2\x00trailing"), 0o644))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	p := &elf.Prog{ProgHeader: elf.ProgHeader{Off: 7, Filesz: 29}}
	got, err := readInterpPath(f, p)
	require.NoError(t, err)
	require.Equal(t, "/lib64/ld-linux-x86-64.so.2", got)
}
