// Package config loads the cyclebuild INI configuration file using
// gopkg.in/ini.v1 rather than a hand-rolled scanner.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"golang.org/x/sys/unix"
	"gopkg.in/ini.v1"
)

// Command is one argv array from the [misc] prerun/postrun lists.
type Command []string

// Config holds all cyclebuild configuration, parsed from one INI file.
type Config struct {
	ConfigPath string

	// [repository]
	DestDir string

	// [lilac]
	Name              string
	DBURL             string
	MaxConcurrency    int
	RebuildFailedPkgs bool
	GitPush           bool

	// [nvchecker]
	Proxy string

	// [envvars] and [bindmounts] are free-form key/value sections, used
	// verbatim by the builder's sandbox environment.
	EnvVars    map[string]string
	BindMounts map[string]string

	// [misc]
	PreRun  []Command
	PostRun []Command
}

// defaults returns a Config with the fallback values used before the
// file (if any) is read.
func defaults() *Config {
	return &Config{
		DestDir:           filepath.Join(os.TempDir(), "cyclebuild", "packages"),
		MaxConcurrency:    1,
		RebuildFailedPkgs: false,
		GitPush:           false,
		EnvVars:           map[string]string{},
		BindMounts:        map[string]string{},
	}
}

// Load reads and parses the INI file at path. A missing file is not an
// error; Load returns the defaults, since the config file is optional.
func Load(path string) (*Config, error) {
	cfg := defaults()
	cfg.ConfigPath = path

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	f, err := ini.LoadSources(ini.LoadOptions{AllowShadows: true}, path)
	if err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if sec := f.Section("repository"); sec != nil {
		cfg.DestDir = sec.Key("destdir").String()
	}

	if sec := f.Section("lilac"); sec != nil {
		cfg.Name = sec.Key("name").String()
		cfg.DBURL = sec.Key("dburl").String()
		if v, err := sec.Key("max_concurrency").Int(); err == nil && v > 0 {
			cfg.MaxConcurrency = v
		}
		cfg.RebuildFailedPkgs = sec.Key("rebuild_failed_pkgs").MustBool(false)
		cfg.GitPush = sec.Key("git_push").MustBool(false)
	}

	if sec := f.Section("nvchecker"); sec != nil {
		cfg.Proxy = sec.Key("proxy").String()
	}

	if sec := f.Section("envvars"); sec != nil {
		for _, k := range sec.Keys() {
			cfg.EnvVars[k.Name()] = k.String()
		}
	}

	if sec := f.Section("bindmounts"); sec != nil {
		for _, k := range sec.Keys() {
			cfg.BindMounts[k.Name()] = k.String()
		}
	}

	if sec := f.Section("misc"); sec != nil {
		cfg.PreRun = parseCommandList(sec.Key("prerun").ValueWithShadows())
		cfg.PostRun = parseCommandList(sec.Key("postrun").ValueWithShadows())
	}

	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 1
	}
	if cfg.DestDir == "" {
		cfg.DestDir = filepath.Join(os.TempDir(), "cyclebuild", "packages")
	}

	return cfg, nil
}

// parseCommandList decodes the [misc] prerun/postrun encoding: each
// repeated key value is one command, whitespace-separated into argv,
// using ini.v1's shadow-key support for multi-valued settings. This is a
// deliberate simplification over full shell quoting — arguments
// containing spaces are not supported.
func parseCommandList(lines []string) []Command {
	var out []Command
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		out = append(out, Command(fields))
	}
	return out
}

// Validate checks configuration validity, ensuring the destination
// repository directory exists or can be created.
func (cfg *Config) Validate() error {
	if cfg.DestDir == "" {
		return fmt.Errorf("repository.destdir is not configured")
	}
	info, err := os.Stat(cfg.DestDir)
	if err != nil {
		if os.IsNotExist(err) {
			if err := os.MkdirAll(cfg.DestDir, 0o755); err != nil {
				return fmt.Errorf("repository.destdir %s cannot be created: %w", cfg.DestDir, err)
			}
		} else {
			return fmt.Errorf("repository.destdir %s: %w", cfg.DestDir, err)
		}
	} else if !info.IsDir() {
		return fmt.Errorf("repository.destdir %s is not a directory", cfg.DestDir)
	}

	if cfg.MaxConcurrency < 1 {
		return fmt.Errorf("lilac.max_concurrency must be at least 1")
	}
	if cfg.MaxConcurrency > 1024 {
		return fmt.Errorf("lilac.max_concurrency is too large (max 1024)")
	}
	return nil
}

// BindMountArgs renders BindMounts as "src:dst" strings, sorted descending
// by source path, for whatever external builder consumes them.
func (cfg *Config) BindMountArgs() []string {
	srcs := make([]string, 0, len(cfg.BindMounts))
	for src := range cfg.BindMounts {
		srcs = append(srcs, src)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(srcs)))

	out := make([]string, 0, len(srcs))
	for _, src := range srcs {
		out = append(out, fmt.Sprintf("%s:%s", src, cfg.BindMounts[src]))
	}
	return out
}

// GetSystemInfo returns uname(2)-derived host information, used by the
// monitor/CLI startup banner.
func GetSystemInfo() (osname, osversion, arch string, ncpus int) {
	var utsname unix.Utsname
	if err := unix.Uname(&utsname); err == nil {
		osname = charsToString(utsname.Sysname[:])
		osversion = charsToString(utsname.Release[:])
		arch = charsToString(utsname.Machine[:])
	}
	ncpus = runtime.NumCPU()
	return
}

func charsToString(chars []byte) string {
	var sb strings.Builder
	for _, c := range chars {
		if c == 0 {
			break
		}
		sb.WriteByte(c)
	}
	return sb.String()
}
