package cmds

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/go-delve/entrystop/pkg/config"
	"github.com/go-delve/entrystop/pkg/debugdetect"
	"github.com/go-delve/entrystop/pkg/logflags"
	"github.com/go-delve/entrystop/pkg/proc"
	"github.com/go-delve/entrystop/pkg/proc/native"
	"github.com/go-delve/entrystop/pkg/procinfo"
	"github.com/go-delve/entrystop/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// configFile replaces the default configuration file.
	configFile string

	// delay is how long a released child waits for a debugger.
	delay time.Duration
	// usePty runs the child on a new pseudo terminal.
	usePty bool
	// waitPort searches the child's control port after release.
	waitPort bool
	// workingDir is the working directory for running the program.
	workingDir string
	// verbose prints the controller's memory usage once the program exits.
	verbose bool
	// saveConfig writes the configuration in use to the configuration file.
	saveConfig bool

	conf *config.Config
	// confErr is reported once logging is set up.
	confErr error
	// applyFlags copies the parsed configuration flags into conf.
	applyFlags func() error
)

const entrystopCommandLongDesc = `entrystop starts a program and stops it at the first instruction of its
entry point, before any of its code runs.

While the program is stopped an instrumentation layer can set up its control
channel. The program is then released, optionally after giving a debugger
some time to attach to it.

Pass flags to the program using ` + "`--`" + `, for example:

` + "`entrystop launch --delay 10s -- ./server --config conf/config.toml`"

// New returns an initialized command tree. args are the command line
// arguments, they are only used to find the --config flag before the
// configuration is loaded.
func New(args []string) *cobra.Command {
	conf, confErr = loadConfig(args)

	rootCommand := &cobra.Command{
		Use:   "entrystop",
		Short: "entrystop stops a program at its entry point.",
		Long:  entrystopCommandLongDesc,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := logflags.Setup(log, logOutput, logDest); err != nil {
				return err
			}
			if confErr != nil {
				logflags.WarnLogger().Warnf("%v, using defaults", confErr)
			}
			return applyFlags()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logflags.Close()
		},
		SilenceUsage: true,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'entrystop help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'entrystop help log').")
	rootCommand.PersistentFlags().StringVar(&configFile, "config", "", "Configuration file, replaces the file in the user's configuration directory.")
	applyFlags = config.BindFlags(rootCommand.PersistentFlags(), conf)

	// 'launch' subcommand.
	launchCommand := &cobra.Command{
		Use:   "launch [flags] -- program [arguments]",
		Short: "Start a program stopped at its entry point.",
		Long: `Start a program, stop it at the first instruction of its entry point and
print where it stopped.

The program is then released. With --delay the program stays stopped for up
to the given time after release, so that a debugger can attach to it. If no
debugger attaches before the delay expires the program is resumed. If
debugger-command is set in the configuration it is started when the delay
begins.

The exit status of entrystop is the exit status of the program.`,
		Args: cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			status := execute(args, cmd.OutOrStdout())
			logflags.Close()
			os.Exit(status)
		},
	}
	launchCommand.Flags().DurationVar(&delay, "delay", 0, "Time left to a debugger to attach after release.")
	launchCommand.Flags().BoolVar(&usePty, "pty", false, "Run the program on a new pseudo terminal.")
	launchCommand.Flags().BoolVar(&waitPort, "wait-port", false, "Print the TCP port the program listens on in port-range after release.")
	launchCommand.Flags().StringVar(&workingDir, "wd", "", "Working directory for running the program.")
	launchCommand.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print the peak memory usage of entrystop when the program exits.")
	rootCommand.AddCommand(launchCommand)

	// 'scope' subcommand.
	rootCommand.AddCommand(&cobra.Command{
		Use:   "scope",
		Short: "Print whether children can be stopped at their entry point.",
		Long: `Print whether children can be stopped at their entry point.

Stopping at the entry point needs the ptrace-child-processes option and a
Yama ptrace_scope of 0 or 1, see
https://www.kernel.org/doc/Documentation/security/Yama.txt`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printScope(cmd.OutOrStdout())
		},
	})

	// 'config' subcommand.
	configCommand := &cobra.Command{
		Use:   "config",
		Short: "Print the configuration in use.",
		Long: `Print the configuration in use, after command line overrides.

With --save the configuration is also written to the configuration file in the
user's configuration directory, so that the overrides become the defaults.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return configCmd(cmd.OutOrStdout())
		},
	}
	configCommand.Flags().BoolVar(&saveConfig, "save", false, "Write the configuration to the configuration file.")
	rootCommand.AddCommand(configCommand)

	// 'version' subcommand.
	var buildInfo bool
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "entrystop\n%s\n", version.EntrystopVersion)
			if buildInfo {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolVarP(&buildInfo, "verbose", "v", false, "print build info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	attach		Log every step and ptrace request of the attach sequence (default)
	handoff		Log detach and delayed handoff
	resolver	Log entry point resolution
	procinfo	Log control port discovery

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.

`,
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

// loadConfig loads the file named by --config in args, or the default
// configuration file.
func loadConfig(args []string) (*config.Config, error) {
	path := configFlag(args)
	if path == "" {
		return config.LoadConfig()
	}
	c, err := config.LoadConfigFile(path)
	if err != nil {
		return config.Default(), err
	}
	return c, nil
}

// configFlag returns the value of --config in args. Arguments after "--"
// belong to the program and are not looked at.
func configFlag(args []string) string {
	for i, arg := range args {
		switch {
		case arg == "--":
			return ""
		case arg == "--config" && i+1 < len(args):
			return args[i+1]
		case strings.HasPrefix(arg, "--config="):
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	return ""
}

func printScope(out io.Writer) error {
	scope, err := native.ScopeValue()
	switch {
	case err != nil:
		fmt.Fprintf(out, "ptrace_scope:\tunknown (%v)\n", err)
	case scope < 0:
		fmt.Fprintf(out, "ptrace_scope:\tnot available\n")
	default:
		fmt.Fprintf(out, "ptrace_scope:\t%d\n", scope)
	}
	fmt.Fprintf(out, "enabled:\t%v\n", conf.PtraceChildProcesses)
	fmt.Fprintf(out, "allowed:\t%v\n", native.PtraceAllowed(conf))
	attached, err := debugdetect.IsDebuggerAttached()
	if err != nil {
		fmt.Fprintf(out, "debugged:\tunknown (%v)\n", err)
	} else {
		fmt.Fprintf(out, "debugged:\t%v\n", attached)
	}
	return nil
}

func configCmd(out io.Writer) error {
	if err := config.Write(out, conf); err != nil {
		return err
	}
	if !saveConfig {
		return nil
	}
	if err := config.SaveConfig(conf); err != nil {
		return fmt.Errorf("could not save configuration: %v", err)
	}
	path, _ := config.FilePath()
	fmt.Fprintf(out, "# saved to %s\n", path)
	return nil
}

// reportRelease warns when a child was not released the way it was asked
// to be.
func reportRelease(pid int, delay time.Duration, err error) {
	switch {
	case err == nil:
	case errors.Is(err, proc.ErrHandoffUnavailable):
		logflags.WarnLogger().Warnf("pid %d can not wait %v for a debugger, it was released immediately: %v", pid, delay, err)
	default:
		logflags.WarnLogger().Warnf("release pid %d: %v", pid, err)
	}
}

func printMemoryUsage(out io.Writer) {
	n, err := procinfo.MemoryUsage()
	if err != nil {
		logflags.WarnLogger().Warnf("memory usage: %v", err)
		return
	}
	fmt.Fprintf(out, "entrystop peak memory: %d KiB\n", n/1024)
}

func printDescriptor(out io.Writer, pid int, d *proc.EntryDescriptor) {
	fmt.Fprintf(out, "pid %d stopped at %#x\n", pid, d.PatchAddr())
	fmt.Fprintf(out, "  binary:\t%s (%s)\n", d.Path, d.ExecType)
	fmt.Fprintf(out, "  entry:\t%#x\n", d.Entry)
	fmt.Fprintf(out, "  base:\t\t%#x\n", d.Base)
	if d.Section != "" {
		fmt.Fprintf(out, "  section:\t%s\n", d.Section)
	}
}

func execute(argv []string, out io.Writer) int {
	if debugdetect.Present() {
		logflags.AttachLogger().Debug("entrystop is running under a debugger")
	}
	c := native.NewController(conf)
	defer c.Close()

	opts := native.LaunchOptions{Dir: workingDir, Pty: usePty}
	if !usePty {
		opts.Stdin, opts.Stdout, opts.Stderr = os.Stdin, os.Stdout, os.Stderr
	}
	child, err := c.Launch(argv, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not launch process: %v\n", err)
		return 1
	}
	if child.Pty != nil {
		go io.Copy(os.Stdout, child.Pty)
		go io.Copy(child.Pty, os.Stdin)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if child.Cooperating {
		if d, err := c.AttachAndStopAtEntry(ctx, child.Pid); err != nil {
			logflags.WarnLogger().Warnf("pid %d not stopped at entry: %v", child.Pid, err)
		} else {
			printDescriptor(out, child.Pid, d)
			reportRelease(child.Pid, delay, c.Release(child.Pid, delay))
		}
	} else {
		fmt.Fprintf(out, "pid %d started without stopping at entry (see 'entrystop scope')\n", child.Pid)
	}

	if waitPort {
		port, err := procinfo.TargetControlPort(ctx, child.Pid, conf.PortRange)
		switch {
		case err != nil:
			logflags.WarnLogger().Warnf("control port: %v", err)
		case port == 0:
			fmt.Fprintf(out, "pid %d: no control port in [%d, %d]\n", child.Pid, conf.PortRange[0], conf.PortRange[1])
		default:
			fmt.Fprintf(out, "pid %d: control port %d\n", child.Pid, port)
		}
	}

	status := exitStatus(child.Wait())
	if verbose {
		printMemoryUsage(out)
	}
	return status
}

func exitStatus(err error) int {
	if err == nil {
		return 0
	}
	var eerr *exec.ExitError
	if errors.As(err, &eerr) {
		if code := eerr.ExitCode(); code >= 0 {
			return code
		}
		return 1
	}
	fmt.Fprintf(os.Stderr, "%v\n", err)
	return 1
}
