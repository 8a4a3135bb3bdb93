// Package mime maps file extensions to content types. A static table
// covers the common cases, the stdlib covers the long tail and anything
// unknown falls back to application/octet-stream.
package mime

import (
	gomime "mime"
	"path"
	"strings"
)

// DefaultMime is served when no mapping exists for an extension.
const DefaultMime = "application/octet-stream"

var mimes map[string]string

func init() {
	mimes = map[string]string{
		".txt":   "text/plain",
		".md":    "text/markdown",
		".html":  "text/html",
		".htm":   "text/html",
		".css":   "text/css",
		".csv":   "text/csv",
		".js":    "text/javascript",
		".json":  "application/json",
		".xml":   "application/xml",
		".pdf":   "application/pdf",
		".zip":   "application/zip",
		".gz":    "application/gzip",
		".tar":   "application/x-tar",
		".7z":    "application/x-7z-compressed",
		".png":   "image/png",
		".jpg":   "image/jpeg",
		".jpeg":  "image/jpeg",
		".gif":   "image/gif",
		".webp":  "image/webp",
		".svg":   "image/svg+xml",
		".ico":   "image/x-icon",
		".bmp":   "image/bmp",
		".mp3":   "audio/mpeg",
		".wav":   "audio/wav",
		".ogg":   "audio/ogg",
		".flac":  "audio/flac",
		".mp4":   "video/mp4",
		".webm":  "video/webm",
		".mkv":   "video/x-matroska",
		".mov":   "video/quicktime",
		".avi":   "video/x-msvideo",
		".doc":   "application/msword",
		".docx":  "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		".xls":   "application/vnd.ms-excel",
		".xlsx":  "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		".ppt":   "application/vnd.ms-powerpoint",
		".pptx":  "application/vnd.openxmlformats-officedocument.presentationml.presentation",
		".odt":   "application/vnd.oasis.opendocument.text",
		".ods":   "application/vnd.oasis.opendocument.spreadsheet",
		".wasm":  "application/wasm",
		".woff":  "font/woff",
		".woff2": "font/woff2",
		".ttf":   "font/ttf",
		".otf":   "font/otf",
		".bin":   "application/octet-stream",
		".iso":   "application/octet-stream",
		".exe":   "application/octet-stream",
	}
}

// RegisterMime is a package level function that registers
// a mime type with the given extension.
func RegisterMime(ext, mime string) {
	mimes[strings.ToLower(ext)] = mime
}

// Detect returns the mimetype associated with the given filename.
func Detect(fn string) string {
	ext := strings.ToLower(path.Ext(fn))
	if ext == "" {
		return DefaultMime
	}

	mimeType := mimes[ext]
	if mimeType == "" {
		mimeType = gomime.TypeByExtension(ext)
	}
	if mimeType == "" {
		return DefaultMime
	}
	return mimeType
}
