package transport

import (
	"errors"
	"testing"
)

func TestSealOpen(t *testing.T) {
	key, err := GenerateSecretKey()
	if err != nil {
		t.Fatalf("GenerateSecretKey() failed: %v", err)
	}
	s, err := NewSealer(key)
	if err != nil {
		t.Fatalf("NewSealer() failed: %v", err)
	}

	sealed, err := s.Seal("https://x/feed")
	if err != nil {
		t.Fatalf("Seal() failed: %v", err)
	}
	if sealed == "https://x/feed" {
		t.Fatal("Seal() returned plaintext")
	}

	again, _ := s.Seal("https://x/feed")
	if again == sealed {
		t.Error("two seals of the same plaintext should differ")
	}

	plain, err := s.Open(sealed)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if plain != "https://x/feed" {
		t.Errorf("Open() = %q", plain)
	}
}

func TestOpen_WrongKey(t *testing.T) {
	k1, _ := GenerateSecretKey()
	k2, _ := GenerateSecretKey()
	s1, _ := NewSealer(k1)
	s2, _ := NewSealer(k2)

	sealed, _ := s1.Seal("g1")
	if _, err := s2.Open(sealed); !errors.Is(err, ErrOpen) {
		t.Errorf("Open() with wrong key = %v, want ErrOpen", err)
	}
	if _, err := s1.Open("not-base64!"); !errors.Is(err, ErrOpen) {
		t.Errorf("Open() garbage = %v, want ErrOpen", err)
	}
	if _, err := s1.Open("AAAA"); !errors.Is(err, ErrOpen) {
		t.Errorf("Open() short = %v, want ErrOpen", err)
	}
}

func TestNewSealer_Invalid(t *testing.T) {
	for _, k := range []string{"", "short", "!!!!"} {
		if _, err := NewSealer(k); err == nil {
			t.Errorf("NewSealer(%q) = nil error", k)
		}
	}
}

func TestFeedListHash_OrderIndependent(t *testing.T) {
	a := FeedListHash([]string{"https://a/feed", "https://b/feed"})
	b := FeedListHash([]string{"https://b/feed", "https://a/feed"})
	if a != b {
		t.Errorf("hash depends on order: %d vs %d", a, b)
	}
	if a == FeedListHash([]string{"https://a/feed"}) {
		t.Error("different sets should hash differently")
	}
}
