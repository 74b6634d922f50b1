package reconcile

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"unicode/utf8"

	"github.com/ekuinox/kgd/internal/diary"
)

const (
	maxSpanRunes     = 2000
	maxSpansPerBlock = 100
)

// TextPayload is the content of a text unit.
type TextPayload struct {
	Spans []diary.TextSpan
}

// ImagePayload is the content of an image unit. Data is set when the
// attachment had to be converted and must be hosted before it is written.
type ImagePayload struct {
	AttachmentID string
	SourceURL    string
	Filename     string
	MediaType    string
	Data         []byte
}

// LinkPayload is the content of a link unit.
type LinkPayload struct {
	URL     string
	Caption string
}

// ContentUnit is one block worth of message content. Exactly one payload
// pointer is set and it matches Type.
type ContentUnit struct {
	Type  diary.BlockType
	Text  *TextPayload
	Image *ImagePayload
	Link  *LinkPayload
}

// NewTextUnit builds a text unit.
func NewTextUnit(spans []diary.TextSpan) ContentUnit {
	return ContentUnit{Type: diary.BlockTypeText, Text: &TextPayload{Spans: spans}}
}

// NewImageUnit builds an image unit.
func NewImageUnit(payload ImagePayload) ContentUnit {
	return ContentUnit{Type: diary.BlockTypeImage, Image: &payload}
}

// NewLinkUnit builds a link unit.
func NewLinkUnit(target, caption string) ContentUnit {
	return ContentUnit{Type: diary.BlockTypeLink, Link: &LinkPayload{URL: target, Caption: caption}}
}

// Validate reports a unit whose payload does not match its type.
func (u ContentUnit) Validate() error {
	switch u.Type {
	case diary.BlockTypeText:
		if u.Text == nil {
			return fmt.Errorf("%w: text unit without payload", diary.ErrInvalidBlockType)
		}
	case diary.BlockTypeImage:
		if u.Image == nil {
			return fmt.Errorf("%w: image unit without payload", diary.ErrInvalidBlockType)
		}
	case diary.BlockTypeLink:
		if u.Link == nil {
			return fmt.Errorf("%w: link unit without payload", diary.ErrInvalidBlockType)
		}
	default:
		return fmt.Errorf("%w: %q", diary.ErrInvalidBlockType, u.Type)
	}
	return nil
}

type fingerprintSource struct {
	Type  diary.BlockType  `json:"type"`
	Spans []diary.TextSpan `json:"spans,omitempty"`
	Image string           `json:"image,omitempty"`
	URL   string           `json:"url,omitempty"`
	Label string           `json:"label,omitempty"`
}

// Fingerprint hashes the canonical payload of the unit. Images are keyed by
// attachment identity so that re-hosting converted bytes does not count as
// a content change.
func (u ContentUnit) Fingerprint() string {
	source := fingerprintSource{Type: u.Type}
	switch u.Type {
	case diary.BlockTypeText:
		source.Spans = u.Text.Spans
	case diary.BlockTypeImage:
		source.Image = u.Image.AttachmentID + "|" + stripQuery(u.Image.SourceURL)
	case diary.BlockTypeLink:
		source.URL = stripQuery(u.Link.URL)
		source.Label = u.Link.Caption
	}
	encoded, _ := json.Marshal(source)
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}

// stripQuery drops the query string, which carries expiring signatures on
// attachment CDN links.
func stripQuery(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.RawQuery == "" {
		return raw
	}
	parsed.RawQuery = ""
	return parsed.String()
}

// splitSpans enforces the per-object and per-block rich text limits of the
// document API, returning one span list per block.
func splitSpans(spans []diary.TextSpan) [][]diary.TextSpan {
	var pieces []diary.TextSpan
	for _, span := range spans {
		if span.Content == "" {
			continue
		}
		for _, chunk := range chunkRunes(span.Content, maxSpanRunes) {
			piece := span
			piece.Content = chunk
			pieces = append(pieces, piece)
		}
	}

	var blocks [][]diary.TextSpan
	for start := 0; start < len(pieces); start += maxSpansPerBlock {
		end := start + maxSpansPerBlock
		if end > len(pieces) {
			end = len(pieces)
		}
		blocks = append(blocks, pieces[start:end])
	}
	return blocks
}

func chunkRunes(value string, limit int) []string {
	if utf8.RuneCountInString(value) <= limit {
		return []string{value}
	}
	var chunks []string
	runes := []rune(value)
	for start := 0; start < len(runes); start += limit {
		end := start + limit
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}
