package metadata

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanonicalJSONIsStableUnderMapKeyOrder(t *testing.T) {
	a := map[string]interface{}{"b": 1, "a": 2}
	b := map[string]interface{}{"a": 2, "b": 1}

	ca, err := CanonicalJSON(a)
	require.NoError(t, err)
	cb, err := CanonicalJSON(b)
	require.NoError(t, err)
	require.Equal(t, string(ca), string(cb))
	require.Equal(t, `{"a":2,"b":1}`, string(ca))
}

func TestCanonicalJSONPreservesArrayOrder(t *testing.T) {
	v := map[string]interface{}{"xs": []interface{}{3, 1, 2}}
	c, err := CanonicalJSON(v)
	require.NoError(t, err)
	require.Equal(t, `{"xs":[3,1,2]}`, string(c))
}

func TestCanonicalMACIsDeterministic(t *testing.T) {
	m := validMetadata()
	secret := []byte("test-secret")

	mac1, err := CanonicalMAC(secret, m)
	require.NoError(t, err)
	mac2, err := CanonicalMAC(secret, m)
	require.NoError(t, err)
	require.Equal(t, mac1, mac2)
}

func TestVerifyMACAcceptsMatchingMAC(t *testing.T) {
	m := validMetadata()
	secret := []byte("test-secret")
	mac, err := CanonicalMAC(secret, m)
	require.NoError(t, err)

	ok, err := VerifyMAC(secret, m, mac)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestVerifyMACRejectsTamperedMetadata(t *testing.T) {
	m := validMetadata()
	secret := []byte("test-secret")
	mac, err := CanonicalMAC(secret, m)
	require.NoError(t, err)

	m.Layout.TotalPages = m.Layout.TotalPages + 1
	ok, err := VerifyMAC(secret, m, mac)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVerifyMACRejectsGarbageHex(t *testing.T) {
	m := validMetadata()
	ok, err := VerifyMAC([]byte("k"), m, "not-hex")
	require.NoError(t, err)
	require.False(t, ok)
}
