package ingestion

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/pharmatrace/backend/internal/llm/gemini"
	"github.com/pharmatrace/backend/internal/storage/models"
)

var whitespace = regexp.MustCompile(`\s+`)

type FileReader interface {
	Read(path string) ([]byte, error)
}

// Preparer turns an uploaded document into the attachment sent to the
// extraction model. HTML records are reduced to their visible text; text is
// passed through; anything else (PDF) is sent as raw bytes.
type Preparer struct {
	files    FileReader
	maxChars int
	logger   *zap.Logger
}

func NewPreparer(files FileReader, maxChars int, logger *zap.Logger) *Preparer {
	if maxChars <= 0 {
		maxChars = 60000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Preparer{files: files, maxChars: maxChars, logger: logger}
}

func (p *Preparer) Prepare(doc models.Document) (*gemini.Attachment, error) {
	data, err := p.files.Read(doc.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read document %s: %w", doc.Name, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("document %s is empty", doc.Name)
	}

	switch doc.MIMEType {
	case "text/html":
		text := CleanHTML(data)
		if text == "" {
			return nil, fmt.Errorf("no content extracted from HTML document %s", doc.Name)
		}
		title := ExtractTitle(data)
		if title != "" {
			text = title + "\n\n" + text
		}
		return &gemini.Attachment{MIMEType: doc.MIMEType, Text: p.truncate(doc, text)}, nil
	case "text/plain":
		if !utf8.Valid(data) {
			return nil, fmt.Errorf("document %s is not valid UTF-8 text", doc.Name)
		}
		text := strings.TrimSpace(string(data))
		return &gemini.Attachment{MIMEType: doc.MIMEType, Text: p.truncate(doc, text)}, nil
	default:
		mimeType := doc.MIMEType
		if mimeType == "" {
			mimeType = "application/pdf"
		}
		return &gemini.Attachment{MIMEType: mimeType, Data: data}, nil
	}
}

func (p *Preparer) truncate(doc models.Document, text string) string {
	if len(text) <= p.maxChars {
		return text
	}
	p.logger.Warn("Document text truncated",
		zap.String("file", doc.Name),
		zap.Int("length", len(text)),
		zap.Int("max_chars", p.maxChars),
	)
	cut := p.maxChars
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

func CleanHTML(html []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return ""
	}

	doc.Find("script, style, nav, footer, aside, noscript").Each(func(i int, s *goquery.Selection) {
		s.Remove()
	})

	// Table cells and list items would otherwise run together.
	doc.Find("td, th, li, p, br, tr, h1, h2, h3, h4").Each(func(i int, s *goquery.Selection) {
		s.AppendHtml(" ")
	})

	text := doc.Find("body").Text()

	text = whitespace.ReplaceAllString(text, " ")
	text = strings.TrimSpace(text)

	return text
}

func ExtractTitle(html []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return ""
	}

	title := doc.Find("title").First().Text()
	if title == "" {
		title = doc.Find("h1").First().Text()
	}

	return strings.TrimSpace(whitespace.ReplaceAllString(title, " "))
}
