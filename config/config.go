// Package config handles tether.toml worker configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/chazu/tether/wire"
)

// FileName is the configuration file each worker loads.
const FileName = "tether.toml"

// Config represents a tether.toml worker configuration.
type Config struct {
	Worker  Worker          `toml:"worker"`
	Peers   map[string]Peer `toml:"peers"`
	Journal Journal         `toml:"journal"`

	// Dir is the directory containing the tether.toml file (set at load time).
	Dir string `toml:"-"`
}

// Worker identifies this process in the cluster.
type Worker struct {
	ID     int32  `toml:"id"`
	Name   string `toml:"name"`
	Listen string `toml:"listen"`
}

// Peer is one remote worker, keyed in the Peers table by its name.
type Peer struct {
	ID   int32  `toml:"id"`
	Addr string `toml:"addr"`
}

// Journal configures the protocol audit journal.
type Journal struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load parses a tether.toml file from the given directory.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var c Config
	if err := toml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	c.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	// Defaults
	if c.Worker.Listen == "" {
		c.Worker.Listen = "127.0.0.1:7667"
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		c.Journal.Path = filepath.Join(c.Dir, "tether-journal.db")
	}

	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", path, err)
	}
	return &c, nil
}

// FindAndLoad walks up from startDir to find a tether.toml file, then
// loads and returns the config. Returns nil if no config is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

func (c *Config) validate() error {
	if c.Worker.Name == "" {
		return fmt.Errorf("worker.name is required")
	}
	seen := map[int32]string{c.Worker.ID: c.Worker.Name}
	for name, p := range c.Peers {
		if p.Addr == "" {
			return fmt.Errorf("peer %q has no addr", name)
		}
		if other, dup := seen[p.ID]; dup {
			return fmt.Errorf("peer %q reuses worker id %d (already %q)", name, p.ID, other)
		}
		seen[p.ID] = name
	}
	return nil
}

// WorkerID returns this worker's typed id.
func (c *Config) WorkerID() wire.WorkerID {
	return wire.WorkerID(c.Worker.ID)
}

// PeerAddrs returns the id-to-address map the transport needs.
func (c *Config) PeerAddrs() map[wire.WorkerID]string {
	addrs := make(map[wire.WorkerID]string, len(c.Peers))
	for _, p := range c.Peers {
		addrs[wire.WorkerID(p.ID)] = p.Addr
	}
	return addrs
}

// JournalPath returns the journal path resolved against the config
// directory, or empty when the journal is disabled.
func (c *Config) JournalPath() string {
	if !c.Journal.Enabled {
		return ""
	}
	if filepath.IsAbs(c.Journal.Path) {
		return c.Journal.Path
	}
	return filepath.Join(c.Dir, c.Journal.Path)
}
