package config

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"path"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = "entrystop"
	configFile string = "config.yml"
)

// Duration is a time.Duration that is written to and read from the config
// file in the time.ParseDuration format ("100ms", "2s").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %v", s, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// PortRange is an inclusive range of TCP ports.
type PortRange [2]int

// Contains returns true if port is inside the range.
func (r PortRange) Contains(port int) bool {
	return port >= r[0] && port <= r[1]
}

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// PtraceChildProcesses enables stopping children at their entry point
	// with ptrace so that instrumentation connects as early as possible.
	PtraceChildProcesses bool `yaml:"ptrace-child-processes"`

	// PtraceLogging enables verbose logging of every ptrace request made
	// while attaching, regardless of --log-output.
	PtraceLogging bool `yaml:"ptrace-logging"`

	// WarnOnPtraceScope makes the capability check emit a one-time warning
	// when the kernel's Yama ptrace_scope forbids tracing children.
	WarnOnPtraceScope bool `yaml:"warn-on-ptrace-scope"`

	// InitialStopTimeout bounds the wait for the child's self-inflicted
	// SIGSTOP right after fork.
	InitialStopTimeout Duration `yaml:"initial-stop-timeout"`
	// ExecStopTimeout bounds the wait between fork and exec.
	ExecStopTimeout Duration `yaml:"exec-stop-timeout"`
	// EntryTimeout bounds the wait for the child to reach its entry point.
	EntryTimeout Duration `yaml:"entry-timeout"`
	// PollInterval is the sleep between two probes of a traced child.
	PollInterval Duration `yaml:"poll-interval"`
	// HandoffPollInterval is the sleep between two reads of the child's
	// TracerPid during a delayed handoff.
	HandoffPollInterval Duration `yaml:"handoff-poll-interval"`

	// DebuggerCommand is started at the beginning of a delayed handoff.
	// The string {pid} is replaced with the child's pid.
	DebuggerCommand string `yaml:"debugger-command"`

	// PortRange is the range of TCP ports where the target's control
	// server is expected to listen.
	PortRange PortRange `yaml:"port-range"`
}

// Default returns a Config populated with the default values.
func Default() *Config {
	return &Config{
		PtraceChildProcesses: true,
		PtraceLogging:        false,
		WarnOnPtraceScope:    true,
		InitialStopTimeout:   Duration(100 * time.Millisecond),
		ExecStopTimeout:      Duration(250 * time.Millisecond),
		EntryTimeout:         Duration(2000 * time.Millisecond),
		PollInterval:         Duration(10 * time.Microsecond),
		HandoffPollInterval:  Duration(time.Millisecond),
		PortRange:            PortRange{38920, 38927},
	}
}

// LoadConfig attempts to populate a Config object from the config.yml file.
// Keys missing from the file keep their default value.
func LoadConfig() (*Config, error) {
	err := createConfigPath()
	if err != nil {
		return Default(), fmt.Errorf("could not create config directory: %v", err)
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return Default(), fmt.Errorf("unable to get config file path: %v", err)
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			return Default(), fmt.Errorf("error creating default config file: %v", err)
		}
	}
	defer f.Close()
	return Read(f)
}

// LoadConfigFile reads the configuration from an explicit path.
func LoadConfigFile(file string) (*Config, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

// Read decodes a configuration document from r on top of the defaults.
func Read(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Default(), fmt.Errorf("unable to read config data: %v", err)
	}

	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return Default(), fmt.Errorf("unable to decode config file: %v", err)
	}
	if err := c.Validate(); err != nil {
		return Default(), err
	}
	return c, nil
}

// Validate checks that timeouts and intervals are usable.
func (c *Config) Validate() error {
	for _, d := range []struct {
		name string
		v    Duration
	}{
		{"initial-stop-timeout", c.InitialStopTimeout},
		{"exec-stop-timeout", c.ExecStopTimeout},
		{"entry-timeout", c.EntryTimeout},
		{"poll-interval", c.PollInterval},
		{"handoff-poll-interval", c.HandoffPollInterval},
	} {
		if d.v <= 0 {
			return fmt.Errorf("%s must be positive, got %v", d.name, d.v.Std())
		}
	}
	if c.PortRange[0] > c.PortRange[1] {
		return fmt.Errorf("port-range [%d, %d] is empty", c.PortRange[0], c.PortRange[1])
	}
	return nil
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := FilePath()
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()
	return Write(f, conf)
}

// Write encodes conf as a configuration document.
func Write(w io.Writer, conf *Config) error {
	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return f, nil
}

func writeDefaultConfig(f io.Writer) error {
	_, err := io.WriteString(f,
		`# Configuration file for entrystop.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Use ptrace to stop child processes at their entry point so that
# instrumentation can connect before any of their code runs.
# ptrace-child-processes: true

# Log every ptrace request made while attaching.
# ptrace-logging: false

# Warn once if /proc/sys/kernel/yama/ptrace_scope forbids tracing children.
# warn-on-ptrace-scope: true

# Upper bounds for each wait of the attach sequence.
# initial-stop-timeout: 100ms
# exec-stop-timeout: 250ms
# entry-timeout: 2s

# Sleep between two probes of the traced child.
# poll-interval: 10us
# handoff-poll-interval: 1ms

# Debugger started when a delayed handoff begins, {pid} is replaced by the
# pid of the stopped child.
# debugger-command: "gdb -p {pid}"

# Ports where the target's control server is expected to listen.
# port-range: [38920, 38927]
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// FilePath returns the path of the configuration file used by LoadConfig
// and SaveConfig.
func FilePath() (string, error) {
	return GetConfigFilePath(configFile)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	if configPath := os.Getenv("XDG_CONFIG_HOME"); configPath != "" {
		return path.Join(configPath, configDir, file), nil
	}

	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, ".config", configDir, file), nil
}
