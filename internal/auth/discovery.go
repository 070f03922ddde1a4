package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// EnvClientJWT supplies the bearer token for a client session.
const EnvClientJWT = "MCP_CLIENT_JWT"

// clientTokenFile is the fallback token location under the home directory.
const clientTokenFile = ".mcp/client.json"

// DiscoverClientToken finds the session bearer token: the MCP_CLIENT_JWT
// environment variable, then ~/.mcp/client.json. An empty result with a nil
// error means no token is configured and the session should proceed
// unauthenticated (development mode).
func DiscoverClientToken() (string, error) {
	if token := os.Getenv(EnvClientJWT); token != "" {
		return token, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", nil
	}
	path := filepath.Join(home, clientTokenFile)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read token file %q: %w", path, err)
	}

	var file struct {
		JWT string `json:"jwt"`
	}
	if err := json.Unmarshal(raw, &file); err != nil {
		return "", fmt.Errorf("parse token file %q: %w", path, err)
	}
	return file.JWT, nil
}
