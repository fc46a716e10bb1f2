package common

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

// GetOpenMatesDataHome returns a directory path for storing user-specific
// openmates data. If needed, it also creates the necessary directories for
// storing user-specific data according to the XDG spec. Can be overridden by
// setting the OM_DATA_HOME environment variable.
func GetOpenMatesDataHome() (string, error) {
	dataDir := os.Getenv("OM_DATA_HOME")
	if dataDir != "" {
		return dataDir, nil
	}

	dataDir = filepath.Join(xdg.DataHome, "openmates")
	err := os.MkdirAll(dataDir, 0755)
	if err != nil {
		return "", fmt.Errorf("failed to create openmates data directory: %w", err)
	}
	return dataDir, nil
}

// GetDatabasePath returns the path of the sqlite metadata store. Can be
// overridden by setting the OM_SQLITE_PATH environment variable.
func GetDatabasePath() (string, error) {
	dbPath := os.Getenv("OM_SQLITE_PATH")
	if dbPath != "" {
		return dbPath, nil
	}

	dataHome, err := GetOpenMatesDataHome()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataHome, "openmates.sqlite3"), nil
}
