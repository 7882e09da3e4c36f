package staging

import (
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Kind is the display category of a staged file, inferred from its extension.
type Kind string

const (
	KindPDF   Kind = "pdf"
	KindImage Kind = "image"
	KindText  Kind = "text"
	KindOther Kind = "other"
)

// KindOf maps a filename to its Kind. Matching is case-insensitive.
func KindOf(name string) Kind {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	switch ext {
	case "pdf":
		return KindPDF
	case "png", "jpg", "jpeg":
		return KindImage
	case "txt", "md":
		return KindText
	default:
		return KindOther
	}
}

// Icon returns the chip glyph shown next to a staged file.
func (k Kind) Icon() string {
	switch k {
	case KindPDF:
		return "📕"
	case KindImage:
		return "🖼️"
	case KindText:
		return "📄"
	default:
		return "📁"
	}
}

// File is one staged upload. Two files may share a Name; ID tells them apart.
type File struct {
	ID      uuid.UUID
	Name    string
	Content []byte
	Kind    Kind
}

// NewFile builds a File with a fresh ID and the kind inferred from name.
func NewFile(name string, content []byte) File {
	return File{
		ID:      uuid.New(),
		Name:    name,
		Content: content,
		Kind:    KindOf(name),
	}
}

// Size is the content length in bytes.
func (f File) Size() int {
	return len(f.Content)
}

// Input is a point-in-time copy of the staged question and files.
type Input struct {
	Question string
	Files    []File
}

// Valid reports whether the input may be submitted: a non-blank question,
// at least one file, or both.
func (in Input) Valid() bool {
	return strings.TrimSpace(in.Question) != "" || len(in.Files) > 0
}
