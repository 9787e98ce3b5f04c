package vm

import "golang.org/x/sys/unix"

// RlimitCount matches Linux's RLIM_NLIMITS: the number of distinct
// RLIMIT_* resources the kernel tracks per process.
const RlimitCount = 16

// Config is supplied by the embedder; nothing here is parsed by this
// package, see cmd/elkvm for a cobra/viper-based example that builds
// one of these from flags.
type Config struct {
	Debug      bool
	BinaryPath string
	Argv       []string
	Envp       []string

	// Rlimits mirrors the Linux rlimit array indexed by RLIMIT_*
	// resource number. It is carried on the Config only; nothing in
	// this module applies these limits.
	Rlimits [RlimitCount]unix.Rlimit
}
