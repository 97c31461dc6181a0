package canonhash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// SumObject is the canonical hash used for contract signing payloads:
// json.Marshal(v) bytes hashed with SHA256, prefixed hex form.
func SumObject(v any) (string, []byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", nil, err
	}
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:]), b, nil
}

// Sum256Hex returns the bare hex SHA256 of the canonical JSON encoding,
// along with the encoded bytes. Signature envelopes carry this form.
func Sum256Hex(v any) (string, []byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", nil, err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), b, nil
}

func HashStringSHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
