package config

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v2"
)

const (
	configDir       string = "membrowse"
	configDirHidden string = ".membrowse"
	configFile      string = "config.yml"
)

// Defaults used when the configuration file does not set a value.
const (
	DefaultTopSymbols        = 20
	DefaultDemangleCacheSize = 4096
)

// SubstitutePathRule describes a rule for substitution of path to source code file.
type SubstitutePathRule struct {
	// Directory path will be substituted if it matches `From`.
	From string
	// Path to which substitution is performed.
	To string
}

// SubstitutePathRules is a slice of source code path substitution rules.
type SubstitutePathRules []SubstitutePathRule

// Substitute applies the first matching rule to path. Paths that do not
// match any rule are returned unchanged.
func (rules SubstitutePathRules) Substitute(path string) string {
	for _, r := range rules {
		from := strings.TrimSuffix(r.From, "/")
		if from == "" {
			continue
		}
		if path == from {
			return r.To
		}
		if strings.HasPrefix(path, from+"/") {
			to := strings.TrimSuffix(r.To, "/")
			if to == "" {
				return path[len(from)+1:]
			}
			return to + path[len(from):]
		}
	}
	return path
}

// MemoryRegion describes one region of the target's address space, the
// way a linker script MEMORY block does.
type MemoryRegion struct {
	Name       string `yaml:"name"`
	Origin     uint64 `yaml:"origin"`
	Length     uint64 `yaml:"length"`
	Attributes string `yaml:"attributes,omitempty"`
}

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Source code path substitution rules.
	SubstitutePath SubstitutePathRules `yaml:"substitute-path"`

	// Workers is the number of goroutines used to process symbols, 0 means
	// one per CPU.
	Workers int `yaml:"workers,omitempty"`

	// TopSymbols is the length of the ranked list of largest symbols.
	TopSymbols *int `yaml:"top-symbols,omitempty"`

	// DemangleCacheSize is the number of demangled names kept in memory.
	DemangleCacheSize *int `yaml:"demangle-cache-size,omitempty"`

	// IgnoreSymbolPrefixes lists name prefixes of symbols that are dropped
	// during extraction.
	IgnoreSymbolPrefixes []string `yaml:"ignore-symbol-prefixes"`

	// MemoryRegions describes the target memory layout used to compute
	// region utilization.
	MemoryRegions []MemoryRegion `yaml:"memory-regions"`

	// LinkerScripts are read for MEMORY commands when set, the regions
	// they declare replace MemoryRegions.
	LinkerScripts []string `yaml:"linker-scripts,omitempty"`
}

// GetTopSymbols returns the configured length of the largest symbols list.
func (c *Config) GetTopSymbols() int {
	if c == nil || c.TopSymbols == nil {
		return DefaultTopSymbols
	}
	return *c.TopSymbols
}

// GetDemangleCacheSize returns the configured demangle cache size.
func (c *Config) GetDemangleCacheSize() int {
	if c == nil || c.DemangleCacheSize == nil {
		return DefaultDemangleCacheSize
	}
	return *c.DemangleCacheSize
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

	return decode(f)
}

// LoadConfigFile reads the configuration from an explicit path, it does not
// create the file if it is missing.
func LoadConfigFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return decode(f)
}

func decode(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to read config data: %v", err)
	}

	var c Config
	err = yaml.Unmarshal(data, &c)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to decode config file: %v", err)
	}

	for i := range c.MemoryRegions {
		if c.MemoryRegions[i].Name == "" {
			return &Config{}, fmt.Errorf("memory region %d has no name", i)
		}
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
	f.Seek(0, io.SeekStart)
	return f, nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for membrowse.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Define sources path substitution rules. Can be used to rewrite a source path stored
# in the program's debug information, if the sources were built in a different place.
substitute-path:
  # - {from: path, to: path}

# Number of goroutines used to process symbols (0 means one per CPU).
# workers: 0

# Length of the list of largest symbols in the report.
# top-symbols: 20

# Number of demangled names cached while analyzing a binary.
# demangle-cache-size: 4096

# Symbols whose name starts with one of these prefixes are not analyzed.
ignore-symbol-prefixes: []

# Memory layout of the target, used to compute region utilization.
memory-regions:
  # - {name: FLASH, origin: 0x08000000, length: 0x80000, attributes: rx}
  # - {name: RAM, origin: 0x20000000, length: 0x20000, attributes: rwx}

# Linker scripts whose MEMORY commands describe the memory layout, used
# instead of memory-regions when set.
# linker-scripts: [firmware.ld]
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
	if configPath := os.Getenv("MEMBROWSE_CONFIG_DIR"); configPath != "" {
		return filepath.Join(configPath, file), nil
	}

	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}

	// Prefer the legacy hidden directory if it already exists, otherwise
	// follow the XDG base directory layout on Linux.
	hidden := filepath.Join(userHomeDir, configDirHidden)
	if _, err := os.Stat(hidden); err == nil || runtime.GOOS != "linux" {
		return filepath.Join(hidden, file), nil
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, configDir, file), nil
	}
	return filepath.Join(userHomeDir, ".config", configDir, file), nil
}
