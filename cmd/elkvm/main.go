// Command elkvm is an illustrative embedder: it boots a single guest
// binary under the monitor and waits for it to exit. Configuration
// (debug flag, binary path, argv/envp) is parsed with cobra/viper; the
// core module itself never touches a flag or config file.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/elkvm/elkvm/pkg/kvm"
	"github.com/elkvm/elkvm/pkg/vm"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var log = logrus.WithField("pkg", "cmd/elkvm")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "elkvm <binary> [args...]",
		Short: "Run a guest binary under the elkvm process monitor",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(v, args)
		},
	}

	cmd.Flags().Bool("debug", false, "enable debug logging")
	cmd.Flags().StringSlice("env", nil, "extra environment variables, NAME=VALUE")
	_ = v.BindPFlag("debug", cmd.Flags().Lookup("debug"))
	_ = v.BindPFlag("env", cmd.Flags().Lookup("env"))
	v.SetEnvPrefix("ELKVM")
	v.AutomaticEnv()

	return cmd
}

func run(v *viper.Viper, args []string) error {
	if v.GetBool("debug") {
		logrus.SetLevel(logrus.DebugLevel)
	}

	cfg := vm.Config{
		Debug:      v.GetBool("debug"),
		BinaryPath: args[0],
		Argv:       args,
		Envp:       buildEnvp(v.GetStringSlice("env")),
	}

	kvmVM, err := kvm.Open()
	if err != nil {
		return fmt.Errorf("opening hypervisor: %w", err)
	}
	defer kvmVM.Close()

	m, err := vm.New(cfg, kvmVM)
	if err != nil {
		return fmt.Errorf("creating vm: %w", err)
	}
	defer m.Close()

	if err := m.Boot(); err != nil {
		return fmt.Errorf("booting guest: %w", err)
	}

	if err := m.RunLoop(); err != nil {
		return fmt.Errorf("running guest: %w", err)
	}

	log.WithField("exit_status", m.ExitStatus()).Info("cmd/elkvm: guest exited")
	os.Exit(m.ExitStatus())
	return nil
}

// buildEnvp merges the host's own environment with --env overrides,
// matching the convention of inheriting the parent shell's environment
// unless told otherwise.
func buildEnvp(extra []string) []string {
	envp := os.Environ()
	for _, kv := range extra {
		if !strings.Contains(kv, "=") {
			continue
		}
		envp = append(envp, kv)
	}
	return envp
}
