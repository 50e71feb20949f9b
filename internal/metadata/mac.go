package metadata

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// CanonicalJSON serializes v with object keys sorted and array order
// preserved, so that structurally-equal values always produce identical
// bytes regardless of struct field order or map iteration order.
func CanonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := encodeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encodeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []interface{}:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	return nil
}

// CanonicalMAC computes the hex-encoded HMAC-SHA256 over v's canonical
// JSON serialization, keyed by secret.
func CanonicalMAC(secret []byte, v interface{}) (string, error) {
	canon, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(canon)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifyMAC reports whether expectedHex is the correct CanonicalMAC of v
// under secret, using a constant-time comparison.
func VerifyMAC(secret []byte, v interface{}, expectedHex string) (bool, error) {
	got, err := CanonicalMAC(secret, v)
	if err != nil {
		return false, err
	}
	gotBytes, err := hex.DecodeString(got)
	if err != nil {
		return false, err
	}
	wantBytes, err := hex.DecodeString(expectedHex)
	if err != nil {
		return false, nil
	}
	return subtle.ConstantTimeCompare(gotBytes, wantBytes) == 1, nil
}
