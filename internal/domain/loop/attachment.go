package loop

import (
	"strings"
)

// ImageRefKind distinguishes inline base64 payloads from fetchable URLs.
type ImageRefKind string

const (
	ImageRefData ImageRefKind = "data"
	ImageRefURL  ImageRefKind = "url"
)

// ImageRef is a parsed image attachment reference.
type ImageRef struct {
	Kind      ImageRefKind
	MediaType string // e.g. "image/png"
	Data      string // base64 payload when Kind == ImageRefData
	URL       string // when Kind == ImageRefURL
}

var imageExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".heic"}

// IsImageRef reports whether the attachment string looks like an image:
// a data URI with an image media type, or an https URL with a known
// image extension.
func IsImageRef(ref string) bool {
	_, ok := ParseImageRef(ref)
	return ok
}

// ParseImageRef parses an attachment string into an ImageRef. The
// second return value is false when the string is not a recognizable
// image reference.
func ParseImageRef(ref string) (ImageRef, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ImageRef{}, false
	}

	if rest, found := strings.CutPrefix(ref, "data:image/"); found {
		meta, data, ok := strings.Cut(rest, ",")
		if !ok || data == "" {
			return ImageRef{}, false
		}
		subtype, _, _ := strings.Cut(meta, ";")
		if subtype == "" {
			return ImageRef{}, false
		}
		return ImageRef{
			Kind:      ImageRefData,
			MediaType: "image/" + subtype,
			Data:      data,
		}, true
	}

	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		path := ref
		if i := strings.IndexAny(path, "?#"); i >= 0 {
			path = path[:i]
		}
		lower := strings.ToLower(path)
		for _, ext := range imageExtensions {
			if strings.HasSuffix(lower, ext) {
				return ImageRef{
					Kind:      ImageRefURL,
					MediaType: mediaTypeForExt(ext),
					URL:       ref,
				}, true
			}
		}
	}

	return ImageRef{}, false
}

func mediaTypeForExt(ext string) string {
	switch ext {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".heic":
		return "image/heic"
	default:
		return "image/png"
	}
}

// FirstImageRef returns the first parsable image attachment, if any.
func FirstImageRef(attachments []string) (ImageRef, bool) {
	for _, a := range attachments {
		if ref, ok := ParseImageRef(a); ok {
			return ref, true
		}
	}
	return ImageRef{}, false
}
