package diary

// TextSpan is one run of rich text sharing the same annotations.
type TextSpan struct {
	Content       string `json:"content"`
	Link          string `json:"link,omitempty"`
	Bold          bool   `json:"bold,omitempty"`
	Italic        bool   `json:"italic,omitempty"`
	Strikethrough bool   `json:"strikethrough,omitempty"`
	Code          bool   `json:"code,omitempty"`
}

// BlockContent is the materialized payload written to one document block.
// Exactly the fields of Type are meaningful.
type BlockContent struct {
	Type BlockType

	// text
	Spans []TextSpan

	// image: either an external URL or an uploaded file reference
	ImageURL      string
	ImageUploadID string

	// link
	LinkURL string

	// image and link
	Caption string
}

// HostedMedia references bytes stored by a media host.
type HostedMedia struct {
	URL      string
	UploadID string
}

// LinkPreview is the page metadata shown under a link block.
type LinkPreview struct {
	Title       string
	Description string
}

// Caption joins the title and description, skipping empty parts.
func (p LinkPreview) Caption() string {
	switch {
	case p.Title == "":
		return p.Description
	case p.Description == "":
		return p.Title
	default:
		return p.Title + "\n" + p.Description
	}
}
