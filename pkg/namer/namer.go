// Package namer derives destination filenames for archived documents,
// either from the item identifier or from the PDF title metadata.
package namer

import (
	"regexp"
	"strings"
	"unicode/utf16"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/ledongthuc/pdf"
	"github.com/pkg/errors"

	"github.com/ValerySidorin/yoink/pkg/manifest"
)

// Characters that are unsafe in filenames on at least one supported OS.
var unsafeChars = regexp.MustCompile(`[\\/*?:"<>|]`)

type Namer struct {
	log log.Logger
}

func New(logger log.Logger) *Namer {
	return &Namer{
		log: logger,
	}
}

// Name computes the destination filename for a downloaded payload. In
// title mode the payload at payloadPath is inspected for PDF metadata;
// a document without a usable title falls back to the item identifier.
func (n *Namer) Name(e manifest.Entry, payloadPath string) (string, error) {
	switch e.FilenameMode {
	case manifest.FilenameModeItem:
		return e.Item + ".pdf", nil
	case manifest.FilenameModeTitle:
		title := Title(payloadPath)
		if title == "" {
			level.Info(n.log).Log("msg", "no title found, using item as filename",
				"category", e.Category, "item", e.Item)
			title = e.Item
		}
		return title + ".pdf", nil
	default:
		return "", errors.Errorf("unknown filename mode: %s", e.FilenameMode)
	}
}

// Title extracts the sanitized /Title entry from the PDF info
// dictionary at path. Unreadable or title-less documents yield "".
func Title(path string) string {
	f, r, err := pdf.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	title, err := readTitle(r)
	if err != nil {
		return ""
	}

	return Sanitize(title)
}

func readTitle(r *pdf.Reader) (title string, err error) {
	// The underlying reader panics on some malformed documents.
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.Errorf("read pdf title: %v", rec)
		}
	}()

	info := r.Trailer().Key("Info")
	if info.Kind() != pdf.Dict {
		return "", nil
	}

	v := info.Key("Title")
	if v.Kind() != pdf.String {
		return "", nil
	}

	return decodePDFString(v.RawString()), nil
}

// decodePDFString handles the UTF-16BE encoding PDF producers commonly
// use for metadata strings.
func decodePDFString(s string) string {
	if !strings.HasPrefix(s, "\xfe\xff") {
		return s
	}

	b := []byte(s[2:])
	u := make([]uint16, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		u = append(u, uint16(b[i])<<8|uint16(b[i+1]))
	}

	return string(utf16.Decode(u))
}

// Sanitize strips characters that cannot appear in filenames and trims
// surrounding whitespace.
func Sanitize(name string) string {
	return strings.TrimSpace(unsafeChars.ReplaceAllString(name, ""))
}
