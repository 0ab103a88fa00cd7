package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// Paths holds all platform-specific file paths for safnode
type Paths struct {
	ConfigDir string // ~/.config/safnode or equivalent
	DataDir   string // ~/.config/safnode/data

	IdentityFile    string // ~/.config/safnode/identity.enc
	IdentityPubFile string // ~/.config/safnode/identity.pub
	ConfigFile      string // ~/.config/safnode/config.toml
	PeersDB         string // ~/.config/safnode/data/peers.db
	PIDFile         string // ~/.config/safnode/daemon.pid
}

// GetPaths returns platform-specific paths for safnode. SAFNODE_CONFIG_DIR
// overrides the base directory, which is how several nodes share a host.
func GetPaths() (*Paths, error) {
	configDir := os.Getenv("SAFNODE_CONFIG_DIR")
	if configDir == "" {
		switch runtime.GOOS {
		case "linux", "darwin", "freebsd", "openbsd":
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("get home directory: %w", err)
			}
			configDir = filepath.Join(home, ".config", "safnode")
		case "windows":
			appData := os.Getenv("APPDATA")
			if appData == "" {
				return nil, fmt.Errorf("APPDATA environment variable not set")
			}
			configDir = filepath.Join(appData, "safnode")
		default:
			return nil, fmt.Errorf("unsupported platform: %s", runtime.GOOS)
		}
	}
	return PathsIn(configDir), nil
}

// PathsIn lays out the paths under configDir.
func PathsIn(configDir string) *Paths {
	dataDir := filepath.Join(configDir, "data")
	return &Paths{
		ConfigDir:       configDir,
		DataDir:         dataDir,
		IdentityFile:    filepath.Join(configDir, "identity.enc"),
		IdentityPubFile: filepath.Join(configDir, "identity.pub"),
		ConfigFile:      filepath.Join(configDir, "config.toml"),
		PeersDB:         filepath.Join(dataDir, "peers.db"),
		PIDFile:         filepath.Join(configDir, "daemon.pid"),
	}
}

// EnsureDirectories creates all required directories
func (p *Paths) EnsureDirectories() error {
	for _, dir := range []string{p.ConfigDir, p.DataDir} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// IdentityExists returns true if an identity has been created
func (p *Paths) IdentityExists() bool {
	_, err := os.Stat(p.IdentityFile)
	return err == nil
}
