package rbac

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// emptyFingerprint is the cache-key component for an empty request context.
const emptyFingerprint = "-"

// Fingerprint produces a stable digest of a request context map for use in
// cache keys. Keys are sorted and values serialized as JSON so that two maps
// with equal content always fingerprint identically.
func Fingerprint(ctx map[string]any) string {
	if len(ctx) == 0 {
		return emptyFingerprint
	}
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		raw, err := json.Marshal(ctx[k])
		if err != nil {
			// Unserializable values still need a stable representation.
			raw = []byte("\"?\"")
		}
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write(raw)
		h.Write([]byte{';'})
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}
