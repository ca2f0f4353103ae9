package cache

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestCompressionRoundTrip(t *testing.T) {
	inputs := [][]byte{
		[]byte(`{"answer":"4"}`),
		[]byte(strings.Repeat("the same phrase over and over ", 200)),
		[]byte(""),
		[]byte(`{"nested":{"deep":[1,2,3,"four",null,true]}}`),
	}

	for _, input := range inputs {
		compressed, err := Compress(input)
		if err != nil {
			t.Fatalf("compress failed: %v", err)
		}
		restored, err := Decompress(compressed)
		if err != nil {
			t.Fatalf("decompress failed: %v", err)
		}
		if !bytes.Equal(input, restored) {
			t.Errorf("round trip mismatch for input of %d bytes", len(input))
		}
	}
}

func TestCompressionShrinksRepetitiveJSON(t *testing.T) {
	value := map[string]string{}
	payload := strings.Repeat("all work and no play makes for repetitive content ", 100)
	value["content"] = payload

	raw, err := json.Marshal(value)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	compressed, err := Compress(raw)
	if err != nil {
		t.Fatalf("compress failed: %v", err)
	}
	if len(compressed) >= len(raw) {
		t.Errorf("expected compression win on repetitive data: %d >= %d", len(compressed), len(raw))
	}
}
