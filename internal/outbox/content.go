package outbox

import (
	"mime"
	"net/url"
	"path"
	"strings"

	"github.com/zulandar/courier/internal/conn"
	"github.com/zulandar/courier/internal/models"
)

// Extensions mime.TypeByExtension does not know on every platform.
var knownTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".mp4":  "video/mp4",
	".3gp":  "video/3gpp",
	".mov":  "video/quicktime",
	".webm": "video/webm",
	".mp3":  "audio/mpeg",
	".ogg":  "audio/ogg",
	".opus": "audio/opus",
	".m4a":  "audio/mp4",
	".aac":  "audio/aac",
	".wav":  "audio/wav",
	".pdf":  "application/pdf",
}

// mediaExt returns the lowercased extension of a media URL's path, ignoring
// query strings and fragments.
func mediaExt(mediaURL string) string {
	p := mediaURL
	if u, err := url.Parse(mediaURL); err == nil && u.Path != "" {
		p = u.Path
	}
	return strings.ToLower(path.Ext(p))
}

// MimeType guesses the MIME type of a media URL from its extension.
func MimeType(mediaURL string) string {
	ext := mediaExt(mediaURL)
	if ext == "" {
		return ""
	}
	if t, ok := knownTypes[ext]; ok {
		return t
	}
	t := mime.TypeByExtension(ext)
	if i := strings.IndexByte(t, ';'); i >= 0 {
		t = t[:i]
	}
	return t
}

// ContentTypeFor derives a message content type from a media URL: text when
// there is no URL, otherwise image, video, audio, document (PDF) or file.
func ContentTypeFor(mediaURL string) string {
	if strings.TrimSpace(mediaURL) == "" {
		return models.ContentText
	}
	t := MimeType(mediaURL)
	switch {
	case strings.HasPrefix(t, "image/"):
		return models.ContentImage
	case strings.HasPrefix(t, "video/"):
		return models.ContentVideo
	case strings.HasPrefix(t, "audio/"):
		return models.ContentAudio
	case t == "application/pdf":
		return models.ContentDocument
	default:
		return models.ContentFile
	}
}

// IsImage reports whether a bulk media URL is sent as an image; anything else
// goes out as video.
func IsImage(mediaURL string) bool {
	switch mediaExt(mediaURL) {
	case ".jpg", ".jpeg", ".png", ".gif":
		return true
	}
	return false
}

// BuildPayload turns a stored message into a transport payload. The declared
// content type wins; a text message carrying a media URL is classified by the
// URL's extension.
func BuildPayload(m *models.Message) conn.Payload {
	kind := m.ContentType
	if (kind == "" || kind == models.ContentText) && m.MediaURL != "" {
		kind = ContentTypeFor(m.MediaURL)
	}
	if m.MediaURL == "" {
		kind = models.ContentText
	}

	caption := m.Caption
	if caption == "" {
		caption = m.Content
	}

	switch kind {
	case models.ContentImage, models.ContentVideo, models.ContentAudio:
		p := conn.Payload{Kind: kind, MediaURL: m.MediaURL, MimeType: MimeType(m.MediaURL)}
		if kind != models.ContentAudio {
			p.Caption = caption
		}
		return p
	case models.ContentDocument, models.ContentFile:
		mt := MimeType(m.MediaURL)
		if mt == "" {
			mt = "application/octet-stream"
		}
		return conn.Payload{Kind: models.ContentDocument, MediaURL: m.MediaURL, Caption: caption, MimeType: mt}
	default:
		return conn.Payload{Kind: models.ContentText, Text: m.Content}
	}
}
