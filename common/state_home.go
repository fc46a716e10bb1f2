package common

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

// GetOpenMatesStateHome returns a directory path for storing user-specific
// openmates state data (logs, spill backups, etc). If needed, it also creates
// the necessary directories for storing state data according to the XDG spec.
// Can be overridden by setting the OM_STATE_HOME environment variable.
func GetOpenMatesStateHome() (string, error) {
	stateDir := os.Getenv("OM_STATE_HOME")
	if stateDir != "" {
		err := os.MkdirAll(stateDir, 0755)
		if err != nil {
			return "", fmt.Errorf("failed to create openmates state directory from OM_STATE_HOME: %w", err)
		}
		return stateDir, nil
	}

	stateDir = filepath.Join(xdg.StateHome, "openmates")
	err := os.MkdirAll(stateDir, 0755)
	if err != nil {
		return "", fmt.Errorf("failed to create openmates state directory: %w", err)
	}
	return stateDir, nil
}

// GetSpillDir returns the shared-volume directory where shutdown spill
// backups (pending reminders and pending deliveries) are written. Can be
// overridden by setting the OM_SPILL_DIR environment variable.
func GetSpillDir() (string, error) {
	spillDir := os.Getenv("OM_SPILL_DIR")
	if spillDir != "" {
		err := os.MkdirAll(spillDir, 0755)
		if err != nil {
			return "", fmt.Errorf("failed to create spill directory from OM_SPILL_DIR: %w", err)
		}
		return spillDir, nil
	}

	stateHome, err := GetOpenMatesStateHome()
	if err != nil {
		return "", err
	}
	spillDir = filepath.Join(stateHome, "spill")
	err = os.MkdirAll(spillDir, 0755)
	if err != nil {
		return "", fmt.Errorf("failed to create spill directory: %w", err)
	}
	return spillDir, nil
}
