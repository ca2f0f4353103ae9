package cache

import (
	"strings"
	"testing"
)

func TestKeyDeterministic(t *testing.T) {
	payload := map[string]string{"prompt": "What is 2+2?", "userId": "u1", "tier": "free"}

	k1, err := Key(PrefixEnsemble, payload)
	if err != nil {
		t.Fatalf("key derivation failed: %v", err)
	}
	k2, err := Key(PrefixEnsemble, payload)
	if err != nil {
		t.Fatalf("key derivation failed: %v", err)
	}

	if k1 != k2 {
		t.Errorf("equal payloads must yield equal keys: %q != %q", k1, k2)
	}
}

func TestKeyFormat(t *testing.T) {
	k, err := Key(PrefixEnsemble, map[string]string{"a": "b"})
	if err != nil {
		t.Fatalf("key derivation failed: %v", err)
	}

	parts := strings.SplitN(k, ":", 2)
	if len(parts) != 2 {
		t.Fatalf("expected prefix:hash, got %q", k)
	}
	if parts[0] != PrefixEnsemble {
		t.Errorf("unexpected prefix %q", parts[0])
	}
	if len(parts[1]) != 16 {
		t.Errorf("expected 16 hex chars, got %d in %q", len(parts[1]), parts[1])
	}
	for _, c := range parts[1] {
		if !strings.ContainsRune("0123456789abcdef", c) {
			t.Errorf("non-hex character %q in key", c)
		}
	}
}

func TestKeyDistinguishesPayloads(t *testing.T) {
	k1, _ := Key(PrefixEnsemble, map[string]string{"prompt": "a", "userId": "u1"})
	k2, _ := Key(PrefixEnsemble, map[string]string{"prompt": "b", "userId": "u1"})
	if k1 == k2 {
		t.Error("different payloads must yield different keys")
	}

	k3, _ := Key(PrefixMemory, map[string]string{"prompt": "a", "userId": "u1"})
	if k1 == k3 {
		t.Error("different prefixes must yield different keys")
	}
}

func TestCanonicalJSONSortsKeys(t *testing.T) {
	a, err := CanonicalJSON(map[string]interface{}{"b": 1, "a": 2, "c": map[string]interface{}{"z": 1, "y": 2}})
	if err != nil {
		t.Fatalf("canonicalization failed: %v", err)
	}

	want := `{"a":2,"b":1,"c":{"y":2,"z":1}}`
	if string(a) != want {
		t.Errorf("expected %s, got %s", want, string(a))
	}
}

func TestCanonicalJSONStableAcrossEquivalentStructures(t *testing.T) {
	type payload struct {
		Prompt string `json:"prompt"`
		UserID string `json:"userId"`
	}

	s, err := CanonicalJSON(payload{Prompt: "p", UserID: "u"})
	if err != nil {
		t.Fatalf("canonicalization failed: %v", err)
	}
	m, err := CanonicalJSON(map[string]string{"userId": "u", "prompt": "p"})
	if err != nil {
		t.Fatalf("canonicalization failed: %v", err)
	}

	if string(s) != string(m) {
		t.Errorf("struct and map forms should canonicalize equally: %s vs %s", s, m)
	}
}
