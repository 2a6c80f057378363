package bodyhash

import "testing"

func TestHash_KeyOrderPermutationsMatch(t *testing.T) {
	t.Parallel()

	a := []byte(`{"model":"gpt-big","messages":[{"role":"user","content":"hi"}],"stream":false}`)
	b := []byte(`{"stream":false,"messages":[{"content":"hi","role":"user"}],"model":"gpt-big"}`)

	if HexHash(a) != HexHash(b) {
		t.Error("permuted-key JSON bodies should hash identically")
	}
}

func TestHash_NestedObjectKeyOrderNormalized(t *testing.T) {
	t.Parallel()

	a := []byte(`{"a":{"x":1,"y":2},"b":1}`)
	b := []byte(`{"b":1,"a":{"y":2,"x":1}}`)

	if HexHash(a) != HexHash(b) {
		t.Error("nested object key order should also be normalized")
	}
}

func TestHash_DistinctBodiesDiffer(t *testing.T) {
	t.Parallel()

	a := HexHash([]byte(`{"model":"a"}`))
	b := HexHash([]byte(`{"model":"b"}`))
	if a == b {
		t.Error("distinct bodies should hash differently")
	}
}

func TestHash_NonJSONFallsBackToRawBytes(t *testing.T) {
	t.Parallel()

	a := HexHash([]byte("not json"))
	b := HexHash([]byte("not json"))
	if a != b {
		t.Error("identical non-JSON bodies should hash identically")
	}
	if a == HexHash([]byte("different")) {
		t.Error("distinct non-JSON bodies should hash differently")
	}
}

func TestHash_ReturnsSixteenByteDigest(t *testing.T) {
	t.Parallel()
	digest, hexDigest := Hash([]byte(`{"a":1}`))
	if len(digest) != 16 {
		t.Errorf("digest len = %d, want 16", len(digest))
	}
	if len(hexDigest) != 32 {
		t.Errorf("hex digest len = %d, want 32", len(hexDigest))
	}
}
