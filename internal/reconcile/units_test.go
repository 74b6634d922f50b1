package reconcile

import (
	"testing"

	"github.com/ekuinox/kgd/internal/diary"
)

func TestFingerprintIgnoresSignedQuery(t *testing.T) {
	first := NewImageUnit(ImagePayload{AttachmentID: "1", SourceURL: "https://cdn.example.com/a.png?ex=1&hm=abc"})
	second := NewImageUnit(ImagePayload{AttachmentID: "1", SourceURL: "https://cdn.example.com/a.png?ex=2&hm=def", Data: []byte("other")})
	if first.Fingerprint() != second.Fingerprint() {
		t.Fatalf("expected image fingerprints to match")
	}

	moved := NewImageUnit(ImagePayload{AttachmentID: "2", SourceURL: "https://cdn.example.com/a.png"})
	if first.Fingerprint() == moved.Fingerprint() {
		t.Fatalf("expected different attachments to differ")
	}
}

func TestFingerprintCoversAnnotations(t *testing.T) {
	plain := NewTextUnit([]diary.TextSpan{{Content: "hello"}})
	bold := NewTextUnit([]diary.TextSpan{{Content: "hello", Bold: true}})
	if plain.Fingerprint() == bold.Fingerprint() {
		t.Fatalf("expected annotation change to alter fingerprint")
	}
	link := NewLinkUnit("https://example.com", "")
	if plain.Fingerprint() == link.Fingerprint() {
		t.Fatalf("expected different types to differ")
	}
}

func TestValidateRejectsMismatchedPayload(t *testing.T) {
	if err := (ContentUnit{Type: diary.BlockTypeText}).Validate(); err == nil {
		t.Fatalf("expected missing payload error")
	}
	if err := (ContentUnit{Type: "video", Text: &TextPayload{}}).Validate(); err == nil {
		t.Fatalf("expected unknown type error")
	}
	if err := NewLinkUnit("https://example.com", "x").Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
