package reconcile

import (
	"bytes"
	"net/url"
	"strings"
	"sync"

	"github.com/ekuinox/kgd/internal/diary"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

var (
	markdownParserInstance goldmark.Markdown
	markdownParserOnce     sync.Once
)

func getMarkdownParser() goldmark.Markdown {
	markdownParserOnce.Do(func() {
		markdownParserInstance = goldmark.New(goldmark.WithExtensions(extension.GFM))
	})
	return markdownParserInstance
}

// SegmentText splits message text into content units, one per top level
// markdown block. A paragraph holding nothing but a URL becomes a link unit
// and other bare URLs stay inline links.
func SegmentText(input string) []ContentUnit {
	return SegmentTextWithRules(input, nil)
}

// SegmentTextWithRules is SegmentText with bare URLs styled by rules.
func SegmentTextWithRules(input string, rules *LinkRules) []ContentUnit {
	if rules == nil {
		rules = legacyLinkRules
	}
	if strings.TrimSpace(input) == "" {
		return nil
	}
	source := []byte(input)
	document := getMarkdownParser().Parser().Parse(text.NewReader(source))

	var units []ContentUnit
	for node := document.FirstChild(); node != nil; node = node.NextSibling() {
		switch block := node.(type) {
		case *ast.Paragraph, *ast.TextBlock:
			raw := strings.TrimSpace(blockSource(source, block))
			if target, ok := standaloneURL(raw); ok {
				spans := []diary.TextSpan{{Content: target, Link: target}}
				units = appendParagraphUnits(units, spans, []bool{true}, rules.classifyStandalone)
				continue
			}
			collector := collectSpans(source, block, inlineStyle{})
			units = appendParagraphUnits(units, collector.spans, collector.bare, rules.Classify)
		case *ast.Heading:
			units = appendTextUnits(units, inlineSpans(source, block, inlineStyle{bold: true}))
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			code := strings.TrimRight(linesText(source, block), "\n")
			units = appendTextUnits(units, []diary.TextSpan{{Content: code, Code: true}})
		case *ast.ThematicBreak:
			continue
		default:
			raw := strings.TrimRight(blockSource(source, block), "\n")
			units = appendTextUnits(units, []diary.TextSpan{{Content: raw}})
		}
	}
	return units
}

func appendTextUnits(units []ContentUnit, spans []diary.TextSpan) []ContentUnit {
	for _, blockSpans := range splitSpans(spans) {
		units = append(units, NewTextUnit(blockSpans))
	}
	return units
}

type inlineStyle struct {
	bold          bool
	italic        bool
	strikethrough bool
	code          bool
	link          string
}

// appendParagraphUnits styles the bare URLs of a paragraph. A bookmark URL
// closes the text gathered so far and becomes a link unit of its own.
func appendParagraphUnits(units []ContentUnit, spans []diary.TextSpan, bare []bool, classify func(string) []LinkStyle) []ContentUnit {
	var pending []diary.TextSpan
	flush := func() {
		units = appendTextUnits(units, trimSpanEdges(pending))
		pending = nil
	}
	for index, span := range spans {
		if !bare[index] {
			pending = appendSpan(pending, span)
			continue
		}
		styles := classify(span.Link)
		bookmark := containsStyle(styles, LinkStyleBookmark)
		switch {
		case containsStyle(styles, LinkStyleInline):
			pending = appendSpan(pending, span)
		case !bookmark:
			plain := span
			plain.Link = ""
			pending = appendSpan(pending, plain)
		}
		if bookmark {
			flush()
			units = append(units, NewLinkUnit(span.Link, ""))
		}
	}
	flush()
	return units
}

func appendSpan(spans []diary.TextSpan, span diary.TextSpan) []diary.TextSpan {
	if count := len(spans); count > 0 && sameAnnotations(spans[count-1], span) {
		spans[count-1].Content += span.Content
		return spans
	}
	return append(spans, span)
}

// trimSpanEdges drops the whitespace left around a split point.
func trimSpanEdges(spans []diary.TextSpan) []diary.TextSpan {
	for len(spans) > 0 && !spans[0].Code {
		spans[0].Content = strings.TrimLeft(spans[0].Content, " \t\n")
		if spans[0].Content != "" {
			break
		}
		spans = spans[1:]
	}
	for len(spans) > 0 && !spans[len(spans)-1].Code {
		last := &spans[len(spans)-1]
		last.Content = strings.TrimRight(last.Content, " \t\n")
		if last.Content != "" {
			break
		}
		spans = spans[:len(spans)-1]
	}
	return spans
}

type spanCollector struct {
	source []byte
	spans  []diary.TextSpan
	// bare marks spans that came from an autolink rather than link syntax.
	bare []bool
}

func collectSpans(source []byte, block ast.Node, style inlineStyle) *spanCollector {
	collector := &spanCollector{source: source}
	collector.walk(block, style)
	if len(collector.spans) > 0 {
		last := &collector.spans[len(collector.spans)-1]
		last.Content = strings.TrimRight(last.Content, "\n")
	}
	return collector
}

func inlineSpans(source []byte, block ast.Node, style inlineStyle) []diary.TextSpan {
	return collectSpans(source, block, style).spans
}

func (c *spanCollector) walk(parent ast.Node, style inlineStyle) {
	for child := parent.FirstChild(); child != nil; child = child.NextSibling() {
		switch node := child.(type) {
		case *ast.Text:
			c.emit(string(node.Segment.Value(c.source)), style)
			if node.SoftLineBreak() || node.HardLineBreak() {
				c.emit("\n", style)
			}
		case *ast.String:
			c.emit(string(node.Value), style)
		case *ast.Emphasis:
			next := style
			if node.Level >= 2 {
				next.bold = true
			} else {
				next.italic = true
			}
			c.walk(node, next)
		case *ast.CodeSpan:
			next := style
			next.code = true
			c.walk(node, next)
		case *ast.Link:
			next := style
			next.link = string(node.Destination)
			c.walk(node, next)
		case *ast.AutoLink:
			next := style
			next.link = string(node.URL(c.source))
			c.add(next.span(string(node.Label(c.source))), node.AutoLinkType == ast.AutoLinkURL)
		case *ast.Image:
			next := style
			next.link = string(node.Destination)
			c.walk(node, next)
		case *ast.RawHTML:
			for index := 0; index < node.Segments.Len(); index++ {
				segment := node.Segments.At(index)
				c.emit(string(segment.Value(c.source)), style)
			}
		default:
			next := style
			if child.Kind() == extast.KindStrikethrough {
				next.strikethrough = true
			}
			c.walk(child, next)
		}
	}
}

func (s inlineStyle) span(content string) diary.TextSpan {
	return diary.TextSpan{
		Content:       content,
		Link:          s.link,
		Bold:          s.bold,
		Italic:        s.italic,
		Strikethrough: s.strikethrough,
		Code:          s.code,
	}
}

func (c *spanCollector) emit(content string, style inlineStyle) {
	c.add(style.span(content), false)
}

func (c *spanCollector) add(span diary.TextSpan, bare bool) {
	if span.Content == "" {
		return
	}
	if count := len(c.spans); count > 0 && !bare && !c.bare[count-1] && sameAnnotations(c.spans[count-1], span) {
		c.spans[count-1].Content += span.Content
		return
	}
	c.spans = append(c.spans, span)
	c.bare = append(c.bare, bare)
}

func sameAnnotations(left, right diary.TextSpan) bool {
	return left.Link == right.Link &&
		left.Bold == right.Bold &&
		left.Italic == right.Italic &&
		left.Strikethrough == right.Strikethrough &&
		left.Code == right.Code
}

func linesText(source []byte, node ast.Node) string {
	var buffer bytes.Buffer
	lines := node.Lines()
	for index := 0; index < lines.Len(); index++ {
		segment := lines.At(index)
		buffer.Write(segment.Value(source))
	}
	return buffer.String()
}

// blockSource returns the source lines covered by node and its descendants,
// including list markers and quote prefixes on the first line.
func blockSource(source []byte, node ast.Node) string {
	start, stop := -1, -1
	_ = ast.Walk(node, func(current ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering || current.Type() != ast.TypeBlock {
			return ast.WalkContinue, nil
		}
		lines := current.Lines()
		for index := 0; index < lines.Len(); index++ {
			segment := lines.At(index)
			if start < 0 || segment.Start < start {
				start = segment.Start
			}
			if segment.Stop > stop {
				stop = segment.Stop
			}
		}
		return ast.WalkContinue, nil
	})
	if start < 0 {
		return ""
	}
	for start > 0 && source[start-1] != '\n' {
		start--
	}
	return string(source[start:stop])
}

func standaloneURL(raw string) (string, bool) {
	candidate := strings.TrimSuffix(strings.TrimPrefix(raw, "<"), ">")
	if candidate == "" || strings.ContainsAny(candidate, " \t\n") {
		return "", false
	}
	parsed, err := url.Parse(candidate)
	if err != nil || parsed.Host == "" {
		return "", false
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", false
	}
	return candidate, true
}
