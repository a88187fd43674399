package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

// BindFlags registers command line flags that override the values of c.
// Values already loaded in c become the flag defaults.
// The returned function must be called once flags are parsed, it copies
// the values pflag cannot store directly and validates the result.
func BindFlags(fs *pflag.FlagSet, c *Config) func() error {
	fs.BoolVar(&c.PtraceChildProcesses, "ptrace-child-processes", c.PtraceChildProcesses, "Stop the child at its entry point using ptrace.")
	fs.BoolVar(&c.PtraceLogging, "ptrace-logging", c.PtraceLogging, "Log every ptrace request made while attaching.")
	fs.DurationVar((*time.Duration)(&c.InitialStopTimeout), "initial-stop-timeout", c.InitialStopTimeout.Std(), "Maximum wait for the child's initial stop.")
	fs.DurationVar((*time.Duration)(&c.ExecStopTimeout), "exec-stop-timeout", c.ExecStopTimeout.Std(), "Maximum wait for the child to call exec.")
	fs.DurationVar((*time.Duration)(&c.EntryTimeout), "entry-timeout", c.EntryTimeout.Std(), "Maximum wait for the child to reach its entry point.")
	fs.DurationVar((*time.Duration)(&c.PollInterval), "poll-interval", c.PollInterval.Std(), "Sleep between two probes of the traced child.")
	fs.StringVar(&c.DebuggerCommand, "debugger-command", c.DebuggerCommand, "Debugger started during a delayed handoff, {pid} is replaced by the child pid.")
	portRange := fs.IntSlice("port-range", []int{c.PortRange[0], c.PortRange[1]}, "Inclusive range where the target's control port is searched.")

	return func() error {
		if len(*portRange) != 2 {
			return fmt.Errorf("--port-range needs exactly two values, got %d", len(*portRange))
		}
		c.PortRange = PortRange{(*portRange)[0], (*portRange)[1]}
		return c.Validate()
	}
}
