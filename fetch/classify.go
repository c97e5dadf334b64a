package fetch

import (
	"mime"
	"net/url"
	"path"
	"strings"

	responsecache "github.com/wolfeidau/response-cache"
)

// Classify decides whether an image response is a JPEG or a PNG. The
// Content-Type header wins; otherwise the extension of the URL path is used.
func Classify(contentType, rawURL string) (responsecache.Kind, bool) {
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		switch mediaType {
		case "image/jpeg":
			return responsecache.KindJPEG, true
		case "image/png":
			return responsecache.KindPNG, true
		}
	}

	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	switch strings.ToLower(path.Ext(p)) {
	case ".jpg", ".jpeg":
		return responsecache.KindJPEG, true
	case ".png":
		return responsecache.KindPNG, true
	}
	return responsecache.KindData, false
}
