package digest

import "testing"

func TestHexDeterministic(t *testing.T) {
	t.Parallel()

	got := Hex([]byte("hello world"))
	want := "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	if again := Hex([]byte("hello world")); again != got {
		t.Fatalf("expected deterministic hash, got %s vs %s", got, again)
	}
}

func TestURLKeyIgnoresSurroundingSpace(t *testing.T) {
	t.Parallel()

	if URLKey(" https://example.com/a\n") != URLKey("https://example.com/a") {
		t.Fatal("expected surrounding space to be ignored")
	}
	if URLKey("https://example.com/a") == URLKey("https://example.com/b") {
		t.Fatal("expected distinct urls to produce distinct keys")
	}
}
