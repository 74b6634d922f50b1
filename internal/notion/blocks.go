package notion

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/ekuinox/kgd/internal/diary"
)

const (
	blockParagraph = "paragraph"
	blockImage     = "image"
	blockBookmark  = "bookmark"
	fileExternal   = "external"
	fileUpload     = "file_upload"
)

var errMissingMedia = errors.New("image block needs a url or an upload id")

type selectOption struct {
	Name string `json:"name"`
}

type pageObject struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Archived bool   `json:"archived"`
	InTrash  bool   `json:"in_trash"`
}

type richText struct {
	Type        string       `json:"type"`
	Text        textContent  `json:"text"`
	Annotations *annotations `json:"annotations,omitempty"`
}

type textContent struct {
	Content string   `json:"content"`
	Link    *linkRef `json:"link,omitempty"`
}

type linkRef struct {
	URL string `json:"url"`
}

type annotations struct {
	Bold          bool `json:"bold,omitempty"`
	Italic        bool `json:"italic,omitempty"`
	Strikethrough bool `json:"strikethrough,omitempty"`
	Code          bool `json:"code,omitempty"`
}

type paragraphBlock struct {
	RichText []richText `json:"rich_text"`
}

type externalFile struct {
	URL string `json:"url"`
}

type uploadedFile struct {
	ID string `json:"id"`
}

type imageBlock struct {
	Type       string        `json:"type"`
	External   *externalFile `json:"external,omitempty"`
	FileUpload *uploadedFile `json:"file_upload,omitempty"`
	Caption    []richText    `json:"caption,omitempty"`
}

type bookmarkBlock struct {
	URL     string     `json:"url"`
	Caption []richText `json:"caption,omitempty"`
}

type blockObject struct {
	Object    string          `json:"object"`
	Type      string          `json:"type"`
	Paragraph *paragraphBlock `json:"paragraph,omitempty"`
	Image     *imageBlock     `json:"image,omitempty"`
	Bookmark  *bookmarkBlock  `json:"bookmark,omitempty"`
}

// blockUpdate is the PATCH /v1/blocks/{id} body: the typed payload alone.
type blockUpdate struct {
	Paragraph *paragraphBlock `json:"paragraph,omitempty"`
	Image     *imageBlock     `json:"image,omitempty"`
	Bookmark  *bookmarkBlock  `json:"bookmark,omitempty"`
}

type appendRequest struct {
	Children []blockObject `json:"children"`
	After    string        `json:"after,omitempty"`
}

func (b blockObject) update() blockUpdate {
	return blockUpdate{Paragraph: b.Paragraph, Image: b.Image, Bookmark: b.Bookmark}
}

func newBlock(content diary.BlockContent) (blockObject, error) {
	switch content.Type {
	case diary.BlockTypeText:
		return blockObject{
			Object:    "block",
			Type:      blockParagraph,
			Paragraph: &paragraphBlock{RichText: spansToRichText(content.Spans)},
		}, nil
	case diary.BlockTypeImage:
		image := &imageBlock{Caption: captionText(content.Caption)}
		switch {
		case content.ImageUploadID != "":
			image.Type = fileUpload
			image.FileUpload = &uploadedFile{ID: content.ImageUploadID}
		case content.ImageURL != "":
			image.Type = fileExternal
			image.External = &externalFile{URL: content.ImageURL}
		default:
			return blockObject{}, errMissingMedia
		}
		return blockObject{Object: "block", Type: blockImage, Image: image}, nil
	case diary.BlockTypeLink:
		return blockObject{
			Object:   "block",
			Type:     blockBookmark,
			Bookmark: &bookmarkBlock{URL: content.LinkURL, Caption: captionText(content.Caption)},
		}, nil
	default:
		return blockObject{}, fmt.Errorf("%w: %q", diary.ErrInvalidBlockType, content.Type)
	}
}

func spansToRichText(spans []diary.TextSpan) []richText {
	texts := make([]richText, 0, len(spans))
	for _, span := range spans {
		item := richText{Type: "text", Text: textContent{Content: span.Content}}
		if isWebURL(span.Link) {
			item.Text.Link = &linkRef{URL: span.Link}
		}
		if span.Bold || span.Italic || span.Strikethrough || span.Code {
			item.Annotations = &annotations{
				Bold:          span.Bold,
				Italic:        span.Italic,
				Strikethrough: span.Strikethrough,
				Code:          span.Code,
			}
		}
		texts = append(texts, item)
	}
	return texts
}

func captionText(caption string) []richText {
	if caption == "" {
		return nil
	}
	return []richText{plainText(caption)}
}

func plainText(content string) richText {
	return richText{Type: "text", Text: textContent{Content: content}}
}

// isWebURL reports whether link is an absolute http(s) URL; Notion rejects
// rich text links of any other shape.
func isWebURL(link string) bool {
	if link == "" {
		return false
	}
	parsed, err := url.Parse(link)
	if err != nil {
		return false
	}
	return (parsed.Scheme == "http" || parsed.Scheme == "https") && parsed.Host != ""
}
