// Package bodyhash computes the canonical fingerprint used as the sole
// basis for response-cache identity (SPEC §4.4).
package bodyhash

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Hash returns the 16-byte MD5 digest and lowercase-hex fingerprint of body.
// If body parses as JSON, it is first re-encoded with object keys sorted
// recursively (Open Question 1, §9) so that key-order permutations of an
// otherwise identical payload hash identically; non-JSON bodies are hashed
// as raw bytes.
func Hash(body []byte) (digest [16]byte, hexDigest string) {
	canon, err := canonicalize(body)
	if err != nil {
		canon = body
	}
	digest = md5.Sum(canon)
	return digest, hex.EncodeToString(digest[:])
}

// HexHash is a convenience wrapper returning only the hex fingerprint.
func HexHash(body []byte) string {
	_, h := Hash(body)
	return h
}

func canonicalize(body []byte) ([]byte, error) {
	var v any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := encodeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// encodeCanonical recursively re-serializes v with object keys sorted at
// every nesting level, so that nested objects are normalized too, not just
// the top level.
func encodeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case map[string]any:
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
	case []any:
		buf.WriteByte('[')
		for i, e := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeCanonical(buf, e); err != nil {
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
