package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// fingerprint is the hex SHA-256 of the JSON object formed by base overlaid
// with extra. encoding/json writes map keys sorted, so equal inputs hash equal.
func fingerprint(base map[string]any, extra map[string]any) (string, error) {
	doc := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		doc[k] = v
	}
	for k, v := range extra {
		doc[k] = v
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
