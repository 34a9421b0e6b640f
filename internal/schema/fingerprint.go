package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Fingerprint computes a deterministic digest of (server name, connection
// configuration). Equal configurations always produce equal fingerprints;
// any field change produces a different one. The cache trusts an entry
// only while its stored fingerprint matches the recomputed value, so a
// config edit invalidates stale schemas without a network round trip.
//
// encoding/json sorts map keys, which makes the serialized form canonical
// for the env/headers maps inside server configs.
func Fingerprint(name string, cfg any) (string, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("serializing config for fingerprint: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(name))
	h.Write([]byte{0})
	h.Write(raw)
	return hex.EncodeToString(h.Sum(nil)), nil
}
