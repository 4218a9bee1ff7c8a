package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// keysetFile is the on-disk form mounted from the secret store:
// {"active_kid":"k2","keys":{"k1":"...","k2":"..."}}.
type keysetFile struct {
	ActiveKID string            `json:"active_kid"`
	Keys      map[string]string `json:"keys"`
}

func LoadHMACKeysetFile(path string) (HMACKeyset, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return HMACKeyset{}, fmt.Errorf("read jwt keyset file: %w", err)
	}
	var f keysetFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return HMACKeyset{}, fmt.Errorf("decode jwt keyset file: %w", err)
	}

	keys := make(map[string][]byte, len(f.Keys))
	for kid, secret := range f.Keys {
		kid, secret = strings.TrimSpace(kid), strings.TrimSpace(secret)
		if kid == "" || secret == "" {
			continue
		}
		keys[kid] = []byte(secret)
	}
	if len(keys) == 0 {
		return HMACKeyset{}, fmt.Errorf("jwt keyset file %s contains no keys", path)
	}
	active := strings.TrimSpace(f.ActiveKID)
	if active == "" {
		active = "default"
	}
	if _, ok := keys[active]; !ok {
		return HMACKeyset{}, fmt.Errorf("active kid %q not found in keyset file", active)
	}
	return HMACKeyset{ActiveKID: active, Keys: keys}, nil
}
