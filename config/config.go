// Package config holds the single process-wide configuration record for
// the union filesystem and the parsers that build it from the "-o" option
// table and the positional branch list.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/ulakefs/ulakefs/errs"
)

// Mode is a branch's read/write disposition.
type Mode int

const (
	RO Mode = iota
	RW
)

func (m Mode) String() string {
	if m == RW {
		return "RW"
	}
	return "RO"
}

// BranchSpec names one "path[=RO|RW]" entry before it has been resolved to
// an absolute, trailing-slash-normalized root.
type BranchSpec struct {
	Path string
	Mode Mode
}

// Config is the immutable, process-wide configuration record. Once built by
// New, ParseOptions and ParseBranches it is never mutated; the one exception, the debug log path, is
// isolated in DebugPath behind its own lock.
type Config struct {
	Branches           []BranchSpec
	Chroot             string
	COW                bool
	HideMetaFiles      bool
	MaxFiles           int
	RelaxedPermissions bool
	StatfsOmitRO       bool

	Debug *DebugPath
}

// DebugPath isolates the one genuinely mutable piece of configuration
// behind a reader-writer lock: readers (anything about to log) take the
// shared side, the option parser that sets it takes the exclusive side.
type DebugPath struct {
	mu      sync.RWMutex
	path    string
	enabled bool
}

func (d *DebugPath) Set(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.path = path
	d.enabled = path != ""
}

func (d *DebugPath) Get() (path string, enabled bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.path, d.enabled
}

// New returns a Config with every option at its documented default:
// RO branches, COW disabled, meta files visible.
func New() *Config {
	return &Config{Debug: &DebugPath{}}
}

// ParseBranches parses a colon-separated "path[=RO|RW]" list, defaulting to
// RO when unspecified, matching Ulakefs's add_branch()/parse_branches().
func ParseBranches(arg string) ([]BranchSpec, error) {
	var specs []BranchSpec
	for _, part := range strings.Split(arg, ":") {
		if part == "" {
			continue
		}
		path := part
		mode := RO
		if idx := strings.IndexByte(part, '='); idx >= 0 {
			path = part[:idx]
			switch strings.ToUpper(part[idx+1:]) {
			case "RW":
				mode = RW
			case "RO", "":
				mode = RO
			default:
				// Unrecognized flag: silently default to RO
				// rather than fail, matching the original
				// parser's leniency.
				mode = RO
			}
		}
		if path == "" {
			continue
		}
		specs = append(specs, BranchSpec{Path: path, Mode: mode})
	}
	if len(specs) == 0 {
		return nil, errs.New(errs.BadConfig, "parse_branches", arg, fmt.Errorf("no branches specified"))
	}
	return specs, nil
}

// ParseOptions applies a comma-separated "-o" option string on top of an
// existing Config, returning the same Config for chaining.
func ParseOptions(cfg *Config, opts string) (*Config, error) {
	if cfg == nil {
		cfg = New()
	}
	for _, opt := range strings.Split(opts, ",") {
		opt = strings.TrimSpace(opt)
		if opt == "" {
			continue
		}
		key, val, hasVal := strings.Cut(opt, "=")
		switch key {
		case "chroot":
			if !hasVal || val == "" {
				return nil, errs.New(errs.BadConfig, "parse_options", opt, fmt.Errorf("chroot requires a path"))
			}
			cfg.Chroot = val
		case "cow":
			cfg.COW = true
		case "dirs":
			specs, err := ParseBranches(val)
			if err != nil {
				return nil, err
			}
			cfg.Branches = append(cfg.Branches, specs...)
		case "hide_meta_files", "hide_meta_dir":
			cfg.HideMetaFiles = true
		case "max_files":
			n, err := strconv.Atoi(val)
			if err != nil || n <= 0 {
				return nil, errs.New(errs.BadConfig, "parse_options", opt, fmt.Errorf("max_files requires a positive integer"))
			}
			cfg.MaxFiles = n
		case "relaxed_permissions":
			cfg.RelaxedPermissions = true
		case "statfs_omit_ro":
			cfg.StatfsOmitRO = true
		case "debug_file":
			if !hasVal || val == "" {
				return nil, errs.New(errs.BadConfig, "parse_options", opt, fmt.Errorf("debug_file requires a path"))
			}
			cfg.Debug.Set(val)
		default:
			return nil, errs.New(errs.BadConfig, "parse_options", opt, fmt.Errorf("unrecognized option %q", key))
		}
	}
	return cfg, nil
}

// CheckPrivileges refuses the combination the original implementation
// refuses at startup: relaxed_permissions while running with uid=0 or
// gid=0, either of which would disable the kernel's own permission checks
// for root.
func CheckPrivileges(cfg *Config, uid, gid uint32) error {
	if cfg.RelaxedPermissions && (uid == 0 || gid == 0) {
		return errs.New(errs.BadConfig, "check_privileges", "", fmt.Errorf("relaxed permissions disallowed for root"))
	}
	return nil
}
