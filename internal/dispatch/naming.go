package dispatch

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"chatrelay/internal/domain"
)

// DefaultNameTemplate names a saved document after its sender.
const DefaultNameTemplate = "{{.Sender}}-{{.FileName}}"

// NameData is what a naming template can refer to.
type NameData struct {
	Sender     string // sender address without network suffix
	SenderName string
	FileName   string // original file name, "document" when missing
	Base       string // FileName without extension
	Ext        string // extension including the dot
	Date       string // 20060102
	Time       string // 150405
	MessageID  string
}

// NamingPolicy turns a document and its sender into a local file name.
type NamingPolicy struct {
	tmpl *template.Template
}

func NewNamingPolicy(pattern string) (*NamingPolicy, error) {
	if strings.TrimSpace(pattern) == "" {
		pattern = DefaultNameTemplate
	}
	tmpl, err := template.New("name").Option("missingkey=error").Parse(pattern)
	if err != nil {
		return nil, fmt.Errorf("parse document name template: %w", err)
	}
	return &NamingPolicy{tmpl: tmpl}, nil
}

// Name renders the template. The result is always a single path element.
func (p *NamingPolicy) Name(evt domain.InboundEvent, att *domain.Attachment, now time.Time) (string, error) {
	file := sanitize(filepath.Base(att.FileName))
	if file == "" || file == "." {
		file = "document"
	}
	ext := filepath.Ext(file)

	var buf bytes.Buffer
	err := p.tmpl.Execute(&buf, NameData{
		Sender:     sanitize(domain.LocalPart(evt.SenderID)),
		SenderName: sanitize(evt.SenderName),
		FileName:   file,
		Base:       strings.TrimSuffix(file, ext),
		Ext:        ext,
		Date:       now.Format("20060102"),
		Time:       now.Format("150405"),
		MessageID:  sanitize(evt.ID),
	})
	if err != nil {
		return "", fmt.Errorf("render document name: %w", err)
	}

	name := sanitize(filepath.Base(buf.String()))
	if name == "" || name == "." || name == ".." {
		return "", fmt.Errorf("document name template produced %q", buf.String())
	}
	return name, nil
}

// sanitize drops characters that are unsafe in file names.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r < 0x20, r == 0x7f:
			return -1
		case strings.ContainsRune(`/\:*?"<>|`, r):
			return '_'
		}
		return r
	}, strings.TrimSpace(s))
}
