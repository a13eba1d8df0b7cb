package content

import "testing"

func TestFingerprintDeterministic(t *testing.T) {
	a := Fingerprint("photo", "caption text", "", []byte("media-bytes"))
	b := Fingerprint("photo", "caption text", "", []byte("media-bytes"))
	if a != b {
		t.Fatalf("fingerprint not deterministic: %q != %q", a, b)
	}
	if len(a) != 32 {
		t.Fatalf("expected 32-char fingerprint, got %d: %q", len(a), a)
	}
}

func TestFingerprintDiffersByKind(t *testing.T) {
	a := Fingerprint("photo", "same caption", "", []byte("same-media"))
	b := Fingerprint("video", "same caption", "", []byte("same-media"))
	if a == b {
		t.Fatalf("expected different fingerprints for different kinds")
	}
}

func TestFingerprintTruncatesCaption(t *testing.T) {
	long := make([]rune, 400)
	for i := range long {
		long[i] = 'a'
	}
	shortCaption := string(long[:300]) + "XXXXXXX"
	a := Fingerprint("text", string(long), "", nil)
	b := Fingerprint("text", shortCaption, "", nil)
	if a != b {
		t.Fatalf("expected captions beyond 300 runes to be ignored")
	}
}

func TestMediaHashEmpty(t *testing.T) {
	if h := MediaHash(nil); h != "" {
		t.Fatalf("expected empty media hash for nil bytes, got %q", h)
	}
	if h := MediaHash([]byte{}); h != "" {
		t.Fatalf("expected empty media hash for empty bytes, got %q", h)
	}
}

func TestFingerprintTextOnlyOmitsMediaHash(t *testing.T) {
	a := Fingerprint("text", "", "hello world", nil)
	b := Fingerprint("text", "", "hello world", []byte{})
	if a != b {
		t.Fatalf("expected nil and empty media bytes to fingerprint identically")
	}
}
