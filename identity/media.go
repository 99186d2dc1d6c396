package identity

import (
	"mime"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/gabriel-vasile/mimetype"
)

const defaultMimeType = "application/octet-stream"

// DefaultStreamablePatterns match the media types players can seek in.
var DefaultStreamablePatterns = []string{
	"video/*",
	"audio/*",
	"application/vnd.apple.mpegurl",
	"application/x-mpegurl",
}

var mediaExtensions = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/x-m4v",
	".mkv":  "video/x-matroska",
	".webm": "video/webm",
	".mov":  "video/quicktime",
	".avi":  "video/x-msvideo",
	".ts":   "video/mp2t",
	".m3u8": "application/vnd.apple.mpegurl",
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".flac": "audio/flac",
	".ogg":  "audio/ogg",
	".wav":  "audio/wav",
}

// DetectMimeType infers the media type from the first bytes of the content and
// falls back to the file extension.
func DetectMimeType(filename string, head []byte) string {
	if len(head) > 0 {
		if detected := mimetype.Detect(head); detected.String() != defaultMimeType {
			return baseType(detected.String())
		}
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if media, ok := mediaExtensions[ext]; ok {
		return media
	}
	if byExt := mime.TypeByExtension(ext); byExt != "" {
		return baseType(byExt)
	}
	return defaultMimeType
}

// Classifier decides whether a media type is served as seekable media.
type Classifier struct {
	patterns []string
}

// NewClassifier ...
func NewClassifier(patterns []string) Classifier {
	if len(patterns) == 0 {
		patterns = DefaultStreamablePatterns
	}
	return Classifier{patterns: patterns}
}

// Streamable ...
func (c Classifier) Streamable(mimeType string) bool {
	mimeType = baseType(mimeType)
	for _, pattern := range c.patterns {
		if ok, err := doublestar.Match(pattern, mimeType); err == nil && ok {
			return true
		}
	}
	return false
}

// PlayerType is the media type announced to external players.
func PlayerType(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "audio/"):
		return "audio/*"
	default:
		return "video/*"
	}
}

func baseType(mimeType string) string {
	mediaType, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.Split(mimeType, ";")[0]))
	}
	return mediaType
}
