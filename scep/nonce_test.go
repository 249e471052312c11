package scep

import "testing"

func TestNonceGeneratorFreshness(t *testing.T) {
	gen := NewNonceGenerator(nil)
	a, err := gen.Nonce()
	if err != nil {
		t.Fatal(err)
	}
	b, err := gen.Nonce()
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != nonceSize || len(b) != nonceSize {
		t.Fatalf("got nonce lengths %d/%d, want %d", len(a), len(b), nonceSize)
	}
	if string(a) == string(b) {
		t.Error("two consecutive nonces must not collide")
	}
}
