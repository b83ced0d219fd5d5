package rbac

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFingerprintEmptyContext(t *testing.T) {
	require.Equal(t, "-", Fingerprint(nil))
	require.Equal(t, "-", Fingerprint(map[string]any{}))
}

func TestFingerprintKeyOrderIndependent(t *testing.T) {
	a := Fingerprint(map[string]any{"department": "finance", "region": "eu", "own_resource": true})
	b := Fingerprint(map[string]any{"own_resource": true, "region": "eu", "department": "finance"})
	require.Equal(t, a, b)
	require.Len(t, a, 32)
}

func TestFingerprintDistinguishesValues(t *testing.T) {
	base := Fingerprint(map[string]any{"region": "eu"})
	require.NotEqual(t, base, Fingerprint(map[string]any{"region": "us"}))
	require.NotEqual(t, base, Fingerprint(map[string]any{"region": "eu", "extra": 1}))
}

func TestFingerprintNumericNormalization(t *testing.T) {
	// JSONB round-trips integers as float64; both spellings must agree.
	a := Fingerprint(map[string]any{"team_id": float64(42)})
	b := Fingerprint(map[string]any{"team_id": 42})
	require.Equal(t, a, b)
}
