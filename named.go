package syslock

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/tailscale/hujson"
)

// DefaultSyslockRoot is where named locks live when SYSLOCK_ROOT is unset
// and no config overlay overrides it, per spec.md §6.
const DefaultSyslockRoot = "/var/lock/syslock"

// NamedLockConfig is the JSON-with-comments overlay file read by
// [LoadNamedLockConfig], following the teacher's config.go / hujson
// pattern: operators can annotate overrides with comments without
// recompiling callers.
type NamedLockConfig struct {
	// Root overrides [DefaultSyslockRoot] / $SYSLOCK_ROOT.
	Root string `json:"root,omitempty"`

	// DirMode and FileMode override the permissions named locks are
	// created with.
	DirMode  *os.FileMode `json:"dir_mode,omitempty"`  //nolint:tagliatelle // snake_case for config file
	FileMode *os.FileMode `json:"file_mode,omitempty"` //nolint:tagliatelle // snake_case for config file

	// DefaultMaxCounts maps a named counted lock's name to the max_count
	// a caller gets if it doesn't specify one explicitly.
	DefaultMaxCounts map[string]int `json:"default_max_counts,omitempty"` //nolint:tagliatelle // snake_case for config file
}

// DefaultNamedLockConfig returns the configuration applied when no overlay
// file exists.
func DefaultNamedLockConfig() NamedLockConfig {
	return NamedLockConfig{Root: DefaultSyslockRoot}
}

// namedLockConfigEnv is the environment variable naming an explicit overlay
// file path, checked before the SYSLOCK_ROOT-relative default location.
const namedLockConfigEnv = "SYSLOCK_CONFIG"

// LoadNamedLockConfig reads the named-lock config overlay, if any. Absence
// of the file is not an error: [DefaultNamedLockConfig] is returned as-is.
// Read once at construction time per spec.md §8 testable property 11 - a
// lock's resolved path never changes after it is built, even if the
// overlay file changes on disk later.
func LoadNamedLockConfig() (NamedLockConfig, error) {
	cfg := DefaultNamedLockConfig()

	if root := os.Getenv("SYSLOCK_ROOT"); root != "" {
		cfg.Root = root
	}

	path := os.Getenv(namedLockConfigEnv)
	if path == "" {
		path = filepath.Join(cfg.Root, "config.json")
	}

	data, err := os.ReadFile(path) //nolint:gosec // operator-controlled config path
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}

		return NamedLockConfig{}, fmt.Errorf("reading named lock config %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return NamedLockConfig{}, fmt.Errorf("parsing named lock config %s: %w", path, err)
	}

	var overlay NamedLockConfig
	if err := json.Unmarshal(standardized, &overlay); err != nil {
		return NamedLockConfig{}, fmt.Errorf("decoding named lock config %s: %w", path, err)
	}

	return mergeNamedLockConfig(cfg, overlay), nil
}

func mergeNamedLockConfig(base, overlay NamedLockConfig) NamedLockConfig {
	if overlay.Root != "" {
		base.Root = overlay.Root
	}

	if overlay.DirMode != nil {
		base.DirMode = overlay.DirMode
	}

	if overlay.FileMode != nil {
		base.FileMode = overlay.FileMode
	}

	for name, count := range overlay.DefaultMaxCounts {
		if base.DefaultMaxCounts == nil {
			base.DefaultMaxCounts = make(map[string]int, len(overlay.DefaultMaxCounts))
		}

		base.DefaultMaxCounts[name] = count
	}

	return base
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SanitizeLockName turns an arbitrary name into a safe filename component:
// anything outside [A-Za-z0-9._-] becomes an underscore, and any leading
// run of dots/underscores is stripped so the result can never resolve to a
// dotfile or traverse directories (a leading "../" sanitizes to ".._" before
// trimming, so the trim must eat underscores along with dots). If nothing
// survives the trim - e.g. the name was "", ".", or pure path separators -
// falls back to a hash of the original name so distinct names that all
// collapse to nothing still resolve to distinct, non-colliding paths.
func SanitizeLockName(name string) string {
	sanitized := unsafeNameChars.ReplaceAllString(name, "_")
	trimmed := strings.TrimLeft(sanitized, "._")

	if trimmed == "" {
		sum := sha256.Sum256([]byte(name))

		return "_" + hex.EncodeToString(sum[:])
	}

	return trimmed
}

// NamedLockPath resolves name to {root}/named/<sanitized-name>.lock, per
// spec.md §6.
func NamedLockPath(root, name string) string {
	return filepath.Join(root, "named", SanitizeLockName(name)+".lock")
}

// NewNamedExecutionLock builds an [ExecutionLock] for a named lock,
// resolving its path under cfg.Root, or under [DefaultSyslockRoot] if
// cfg.Root is empty. It does not read the overlay file or $SYSLOCK_ROOT
// itself; pass the result of [LoadNamedLockConfig] for that.
func NewNamedExecutionLock(cfg NamedLockConfig, name string, config ExecutionLockConfig) *ExecutionLock {
	root := cfg.Root
	if root == "" {
		root = DefaultSyslockRoot
	}

	if cfg.DirMode != nil && config.DirMode == 0 {
		config.DirMode = *cfg.DirMode
	}

	if cfg.FileMode != nil && config.FileMode == 0 {
		config.FileMode = *cfg.FileMode
	}

	return NewExecutionLock(NamedLockPath(root, name), config)
}

// NewNamedExecutionCLock builds an [ExecutionCLock] for a named counted
// lock. If config.MaxCount is zero, it falls back to
// cfg.DefaultMaxCounts[name], then to 1.
func NewNamedExecutionCLock(cfg NamedLockConfig, name string, config ExecutionCLockConfig) (*ExecutionCLock, error) {
	root := cfg.Root
	if root == "" {
		root = DefaultSyslockRoot
	}

	if cfg.DirMode != nil && config.DirMode == 0 {
		config.DirMode = *cfg.DirMode
	}

	if cfg.FileMode != nil && config.FileMode == 0 {
		config.FileMode = *cfg.FileMode
	}

	if config.MaxCount == 0 {
		if n, ok := cfg.DefaultMaxCounts[name]; ok {
			config.MaxCount = n
		} else {
			config.MaxCount = 1
		}
	}

	return NewExecutionCLock(NamedLockPath(root, name), config)
}
