package file

import (
	"encoding/json"
	"fmt"
	"os"
)

// migration transforms a JSON config from one version to the next.
type migration struct {
	from    int
	to      int
	migrate func(raw json.RawMessage) (json.RawMessage, error)
}

// migrations is the ordered list of JSON config migrations.
// Empty for now — version 1 is the initial format.
var migrations []migration

// migrate runs all necessary migrations on the config file's bytes and
// returns the resulting data, rewriting path along the way. Before each
// migration step, the current file is backed up.
func migrate(path string, data []byte, fromVersion int) ([]byte, error) {
	current := fromVersion

	for _, m := range migrations {
		if m.from != current {
			continue
		}

		backupPath := fmt.Sprintf("%s.v%d.bak", path, current)
		if err := os.WriteFile(backupPath, data, 0o644); err != nil {
			return nil, fmt.Errorf("backup before migration v%d→v%d: %w", m.from, m.to, err)
		}

		migrated, err := m.migrate(json.RawMessage(data))
		if err != nil {
			return nil, fmt.Errorf("migration v%d→v%d: %w", m.from, m.to, err)
		}

		tmpPath := path + ".tmp"
		if err := os.WriteFile(tmpPath, migrated, 0o644); err != nil {
			return nil, fmt.Errorf("write migrated config: %w", err)
		}
		if err := os.Rename(tmpPath, path); err != nil {
			os.Remove(tmpPath)
			return nil, fmt.Errorf("rename migrated config: %w", err)
		}

		data = migrated
		current = m.to
	}

	if current != currentVersion {
		return nil, fmt.Errorf("no migration path from version %d to %d", fromVersion, currentVersion)
	}

	return data, nil
}
