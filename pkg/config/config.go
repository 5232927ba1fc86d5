package config

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"path"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".nkd"
	configFile string = "config.yml"
)

// DefaultMaxQueueNodes is the number of queue elements shown before a
// queue is truncated.
const DefaultMaxQueueNodes = 20

// FieldLayout describes one member of a kernel structure, used to
// override (or replace) the layout read from the debug information.
type FieldLayout struct {
	Name   string `yaml:"name"`
	Offset uint64 `yaml:"offset"`
	Size   uint64 `yaml:"size"`
}

// TypeLayout is a structure layout override.
type TypeLayout struct {
	Size   uint64        `yaml:"size"`
	Fields []FieldLayout `yaml:"fields"`
}

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Commands aliases.
	Aliases map[string][]string `yaml:"aliases"`

	// MaxQueueNodes is the maximum number of elements of a process queue
	// that are decoded before the queue is shown as truncated.
	MaxQueueNodes *int `yaml:"max-queue-nodes,omitempty"`

	// SymbolFiles lists the kernel modules (ELF files with debug info)
	// used for symbol lookups and structure layouts.
	SymbolFiles []string `yaml:"symbol-files"`

	// ConstantsFile is the gdb script generated by the kernel build that
	// sets the kernel constants ("set $MAX_PROC=1024").
	ConstantsFile string `yaml:"constants-file,omitempty"`

	// Constants override the values read from ConstantsFile and from the
	// debug information.
	Constants map[string]int64 `yaml:"constants,omitempty"`

	// Layouts override the structure layouts read from the debug information.
	Layouts map[string]TypeLayout `yaml:"layouts,omitempty"`

	// KernelRoot is the physical address of the page table used to
	// translate kernel pointers. When unset kernel pointers are read as
	// physical addresses.
	KernelRoot *uint64 `yaml:"kernel-root,omitempty"`

	// Gdbstub is the default address used by 'nkd connect'.
	Gdbstub string `yaml:"gdbstub,omitempty"`

	// NoColor disables colored output in the terminal.
	NoColor bool `yaml:"no-color"`
}

// QueueNodes returns the configured queue bound, or the default.
func (c *Config) QueueNodes() int {
	if c == nil || c.MaxQueueNodes == nil || *c.MaxQueueNodes <= 0 {
		return DefaultMaxQueueNodes
	}
	return *c.MaxQueueNodes
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() (*Config, error) {
	err := createConfigPath()
	if err != nil {
		return &Config{}, fmt.Errorf("could not create config directory: %v", err)
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to get config file path: %v", err)
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			return &Config{}, fmt.Errorf("error creating default config file: %v", err)
		}
	}
	defer f.Close()

	return readConfig(f)
}

func readConfig(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to read config data: %v", err)
	}

	var c Config
	err = yaml.Unmarshal(data, &c)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to decode config file: %v", err)
	}
	return &c, nil
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
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
		`# Configuration file for nkd, the nucleo kernel debugger.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Provided aliases will be added to the default aliases for a given command.
aliases:
  # command: ["alias1", "alias2"]

# Maximum number of processes shown for each queue.
# max-queue-nodes: 20

# Kernel modules with debug information, used for symbols and structure layouts.
symbol-files: []
  # - build/sistema
  # - build/io
  # - build/utente

# gdb script generated by the kernel build with the values of the constants.
# constants-file: util/tmp.gdb

# Values of kernel constants, overriding the ones found in constants-file.
# constants:
#   MAX_LIV: 4

# Physical address of the page table used to translate kernel pointers.
# kernel-root: 0x0

# Default address of the QEMU gdbstub.
# gdbstub: localhost:1234

# Uncomment the following line to disable colored output.
# no-color: true
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

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	if configPath := os.Getenv("NKD_CONFIG_DIR"); configPath != "" {
		return path.Join(configPath, file), nil
	}

	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDir, file), nil
}
