// Package profile lays out the per-identity client directory:
// ~/.dealroom/profiles/<name>/ holds the outbox journal, the lock and logs.
package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// DefaultName is used when neither a flag nor the config names a profile.
const DefaultName = "default"

// EnvHome overrides the base directory.
const EnvHome = "DEALROOM_HOME"

var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName checks that name is safe to use as a directory.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid profile name %q: must match ^[a-z0-9_-]{1,64}$", name)
	}
	return nil
}

// BaseDir returns $DEALROOM_HOME, or ~/.dealroom.
func BaseDir() string {
	if dir := os.Getenv(EnvHome); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".dealroom")
}

// ConfigPath returns the client config file shared by all profiles.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// Resolve picks the active profile: the flag, then the config default,
// then DefaultName.
func Resolve(flagOverride, configured string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if configured != "" {
		return configured
	}
	return DefaultName
}

// Profile is one named client directory.
type Profile struct {
	Name string
	Dir  string
}

// New returns the profile name under base. base defaults to BaseDir().
func New(base, name string) (Profile, error) {
	if err := ValidateName(name); err != nil {
		return Profile{}, err
	}
	if base == "" {
		base = BaseDir()
	}
	return Profile{Name: name, Dir: filepath.Join(base, "profiles", name)}, nil
}

// QueuePath is the sqlite outbox journal and sync checkpoints.
func (p Profile) QueuePath() string { return filepath.Join(p.Dir, "queue.db") }

func (p Profile) LockPath() string { return filepath.Join(p.Dir, "LOCK") }

func (p Profile) LogDir() string { return filepath.Join(p.Dir, "logs") }

// LogPath returns the log file of a component, e.g. "agent".
func (p Profile) LogPath(component string) string {
	return filepath.Join(p.LogDir(), component+".log")
}

// EnsureDir creates the profile directory tree.
func (p Profile) EnsureDir() error {
	for _, d := range []string{p.Dir, p.LogDir()} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
