package files

import (
	"mime"
	"path/filepath"
	"strings"
)

const (
	MimePDF  = "application/pdf"
	MimeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	MimeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	MimeXLS  = "application/vnd.ms-excel"
	MimeJPEG = "image/jpeg"
	MimePNG  = "image/png"
	MimeWEBP = "image/webp"
	MimeGIF  = "image/gif"
)

var allowedTypes = map[string]string{
	MimePDF:  ".pdf",
	MimeDOCX: ".docx",
	MimeXLSX: ".xlsx",
	MimeXLS:  ".xls",
	MimeJPEG: ".jpg",
	MimePNG:  ".png",
	MimeWEBP: ".webp",
	MimeGIF:  ".gif",
}

// Category groups allowed MIME types for listing filters.
type Category string

const (
	CategoryAll         Category = ""
	CategoryPDF         Category = "pdf"
	CategoryDocument    Category = "docx"
	CategorySpreadsheet Category = "xlsx"
	CategoryImage       Category = "image"
)

// ParseCategory accepts the filter names used by the dashboard.
func ParseCategory(s string) (Category, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all":
		return CategoryAll, nil
	case "pdf":
		return CategoryPDF, nil
	case "docx", "doc", "document":
		return CategoryDocument, nil
	case "xlsx", "xls", "spreadsheet":
		return CategorySpreadsheet, nil
	case "image", "images":
		return CategoryImage, nil
	}
	return CategoryAll, InvalidArgument("unknown file type filter %q", s)
}

// Match reports whether a stored file type belongs to the category.
func (c Category) Match(fileType string) bool {
	switch c {
	case CategoryAll:
		return true
	case CategoryPDF:
		return fileType == MimePDF
	case CategoryDocument:
		return fileType == MimeDOCX
	case CategorySpreadsheet:
		return fileType == MimeXLSX || fileType == MimeXLS
	case CategoryImage:
		return strings.HasPrefix(fileType, "image/")
	}
	return false
}

// NormalizeType lower-cases a declared MIME type and strips its parameters.
func NormalizeType(declared string) string {
	mt, _, err := mime.ParseMediaType(declared)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(declared))
	}
	return mt
}

// Allowed reports whether a normalized MIME type may be stored.
func Allowed(mimeType string) bool {
	_, ok := allowedTypes[mimeType]
	return ok
}

// ContentType resolves the type to serve a file with.
func ContentType(f *File) string {
	if f.Type != "" && strings.Contains(f.Type, "/") {
		return f.Type
	}
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(f.Name))); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
