package email

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strings"
	texttemplate "text/template"

	"qsldigest/internal/types"
)

//go:embed templates/*.html templates/*.txt
var templateFS embed.FS

// maxPreviewItems caps the contact table in the HTML body.
const maxPreviewItems = 10

// DigestEmail is the input to Render.
type DigestEmail struct {
	To         string
	Op         string
	QSLCount   int
	DigestDate string
	URL        string
	Items      []types.DigestItem
	// ReferenceID is passed through to the provider.
	ReferenceID string
}

type digestTemplateData struct {
	Op         string
	QSLCount   int
	DigestDate string
	URL        string
	Items      []types.DigestItem
	More       int
}

// Renderer turns a digest into a subject, a plain-text body and an HTML
// alternative using the embedded templates. It holds no mutable state and is
// safe for concurrent use.
type Renderer struct {
	html *template.Template
	text *texttemplate.Template
}

// NewRenderer parses the embedded templates.
func NewRenderer() (*Renderer, error) {
	html, err := template.ParseFS(templateFS, "templates/base.html", "templates/digest.html")
	if err != nil {
		return nil, fmt.Errorf("renderer: parsing html templates: %w", err)
	}
	text, err := texttemplate.ParseFS(templateFS, "templates/digest.txt")
	if err != nil {
		return nil, fmt.Errorf("renderer: parsing text template: %w", err)
	}
	return &Renderer{html: html, text: text}, nil
}

// Subject formats the digest subject line.
func Subject(qslCount int) string {
	return fmt.Sprintf("Daily QSL Digest: %d new QSLs", qslCount)
}

// Render produces the outbound message for d.
func (r *Renderer) Render(d DigestEmail) (types.EmailMessage, error) {
	data := digestTemplateData{
		Op:         d.Op,
		QSLCount:   d.QSLCount,
		DigestDate: d.DigestDate,
		URL:        d.URL,
		Items:      d.Items,
	}
	if len(data.Items) > maxPreviewItems {
		data.More = len(data.Items) - maxPreviewItems
		data.Items = data.Items[:maxPreviewItems]
	}

	var text bytes.Buffer
	if err := r.text.ExecuteTemplate(&text, "digest.txt", data); err != nil {
		return types.EmailMessage{}, fmt.Errorf("renderer: text body: %w", err)
	}
	var html bytes.Buffer
	if err := r.html.ExecuteTemplate(&html, "base.html", data); err != nil {
		return types.EmailMessage{}, fmt.Errorf("renderer: html body: %w", err)
	}

	return types.EmailMessage{
		To:          d.To,
		Subject:     Subject(d.QSLCount),
		TextBody:    strings.TrimRight(text.String(), "\n"),
		HTMLBody:    html.String(),
		ReferenceID: d.ReferenceID,
	}, nil
}
