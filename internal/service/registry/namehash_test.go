package registry

import (
	"encoding/hex"
	"testing"
)

// Vectors from EIP-137.
func TestNamehash(t *testing.T) {
	cases := map[string]string{
		"":        "0000000000000000000000000000000000000000000000000000000000000000",
		"eth":     "93cdeb708b7545dc668eb9280176169d1c33cfd8ed6f04690a0bcc88a93fc4ae",
		"foo.eth": "de9b09fd7c5f901e23a3f19fecc54828e9c848539801e86591bd9801b019f84f",
	}
	for name, want := range cases {
		got := hex.EncodeToString(Namehash(name).Bytes())
		if got != want {
			t.Fatalf("Namehash(%q) = %s, want %s", name, got, want)
		}
	}
}

func TestLabelHashMatchesNamehashStep(t *testing.T) {
	// namehash("foo.eth") = keccak(namehash("eth") ++ labelhash("foo"))
	label := LabelHash("foo")
	if len(label.Bytes()) != 32 {
		t.Fatalf("label hash should be 32 bytes, got %d", len(label.Bytes()))
	}
	if label == LabelHash("bar") {
		t.Fatal("distinct labels should hash differently")
	}
}

// Vector from EIP-1577: the ipfs-ns codec prefix followed by the CIDv1 form
// of the base58 v0 id.
func TestEncodeContenthash(t *testing.T) {
	got, err := EncodeContenthash("QmRAQB6YaCyidP37UdDnjFY5vQuiBrcqdyoW1CuDgwxkD4")
	if err != nil {
		t.Fatalf("EncodeContenthash returned error: %v", err)
	}
	want := "e3010170122029f2d17be6139079dc48696d1f582a8530eb9805b561eda517e22a892c7e3f1f"
	if hex.EncodeToString(got) != want {
		t.Fatalf("contenthash = %s, want %s", hex.EncodeToString(got), want)
	}
}

func TestEncodeContenthashRejectsGarbage(t *testing.T) {
	if _, err := EncodeContenthash("not-a-cid"); err == nil {
		t.Fatal("expected error for invalid content id")
	}
}
