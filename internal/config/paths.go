package config

import (
	"os"
	"path/filepath"
)

// defaultSessionPath places the session file under the user config directory,
// falling back to the working directory when none is known.
func defaultSessionPath() string {
	configDirectory, err := os.UserConfigDir()
	if err != nil || configDirectory == "" {
		return filepath.FromSlash(defaultSessionFile)
	}
	return filepath.Join(configDirectory, filepath.FromSlash(defaultSessionFile))
}
