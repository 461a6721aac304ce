// ABOUTME: Operator profile for pinion-console loaded from TOML with ${VAR} expansion
// ABOUTME: Command-line flags override profile values; a missing profile is not an error

package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"

	"github.com/BurntSushi/toml"

	"github.com/2389/pinion/internal/transport"
)

type Profile struct {
	Master   MasterProfile   `toml:"master"`
	Operator OperatorProfile `toml:"operator"`
	Logging  LoggingProfile  `toml:"logging"`
}

type MasterProfile struct {
	Addr  string `toml:"addr"`
	Codec string `toml:"codec"`
}

type OperatorProfile struct {
	ID       string `toml:"id"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

type LoggingProfile struct {
	Level string `toml:"level"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// profilePath returns the profile location.
// Priority: PINION_CONSOLE_CONFIG > XDG_CONFIG_HOME/pinion/console.toml > ~/.config/pinion/console.toml
func profilePath() string {
	if p := os.Getenv("PINION_CONSOLE_CONFIG"); p != "" {
		return p
	}
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "console.toml"
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "pinion", "console.toml")
}

// LoadProfile reads the profile at path. A missing file yields the defaults.
func LoadProfile(path string) (*Profile, error) {
	p := &Profile{}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("reading profile: %w", err)
	default:
		expanded := envPattern.ReplaceAllStringFunc(string(data), func(match string) string {
			return os.Getenv(envPattern.FindStringSubmatch(match)[1])
		})
		if _, err := toml.Decode(expanded, p); err != nil {
			return nil, fmt.Errorf("parsing profile: %w", err)
		}
	}
	p.applyDefaults()
	return p, nil
}

func (p *Profile) applyDefaults() {
	if p.Master.Addr == "" {
		p.Master.Addr = "localhost:3005"
	}
	if p.Master.Codec == "" {
		p.Master.Codec = transport.CodecJSON
	}
	if p.Logging.Level == "" {
		p.Logging.Level = "warn"
	}
}

// Validate checks the merged profile before dialing.
func (p *Profile) Validate() error {
	if p.Master.Addr == "" {
		return errors.New("master.addr is required")
	}
	if err := transport.ValidCodec(p.Master.Codec); err != nil {
		return fmt.Errorf("master.codec: %w", err)
	}
	if p.Operator.Password != "" && p.Operator.Username == "" {
		return errors.New("operator.username is required when a password is set")
	}
	return nil
}
