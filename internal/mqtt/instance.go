package mqtt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// instanceIDFile is the name of the file under the gateway's data
// directory that pins this installation's identity.
const instanceIDFile = "instance_id"

// LoadOrCreateInstanceID returns the gateway's stable Home Assistant
// device identifier, generating and persisting a UUIDv7 on first run.
// Unique IDs for the discovered sensors derive from it, so a gateway
// whose device_name is later renamed keeps its HA entity history.
func LoadOrCreateInstanceID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, instanceIDFile)

	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate instance ID: %w", err)
	}

	idStr := id.String()
	if err := os.WriteFile(path, []byte(idStr+"\n"), 0644); err != nil {
		return "", fmt.Errorf("persist instance ID to %s: %w", path, err)
	}

	return idStr, nil
}
