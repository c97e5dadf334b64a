package responsecache

import (
	"path"
	"strings"
)

// Entry directory layout:
//
//	<root>/<hex digest of url>/file.info
//	<root>/<hex digest of url>/file.bin | file[@2x|@3x].jpg | file[@2x|@3x].png
const (
	// InfoFileName is the metadata sidecar stored beside every artifact.
	InfoFileName = "file.info"

	// TempPrefix marks in-progress atomic writes. Such files are never artifacts.
	TempPrefix = ".tmp-"

	artifactBase = "file"
)

// Kind is the kind of artifact persisted for an entry.
type Kind int

const (
	KindData Kind = iota
	KindJPEG
	KindPNG
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindJPEG:
		return "jpeg"
	case KindPNG:
		return "png"
	default:
		return "unknown"
	}
}

// Ext returns the artifact file extension for the kind.
func (k Kind) Ext() string {
	switch k {
	case KindJPEG:
		return ".jpg"
	case KindPNG:
		return ".png"
	default:
		return ".bin"
	}
}

// ContentType returns the media type served for the kind.
func (k Kind) ContentType() string {
	switch k {
	case KindJPEG:
		return "image/jpeg"
	case KindPNG:
		return "image/png"
	default:
		return "application/octet-stream"
	}
}

// IsImage reports whether the kind is an image format.
func (k Kind) IsImage() bool {
	return k == KindJPEG || k == KindPNG
}

// ValidScale reports whether scale is a supported display density.
func ValidScale(scale int) bool {
	return scale >= 1 && scale <= 3
}

// ScaleSuffix returns the filename marker for a display density:
// "" for 1x, "@2x" and "@3x" otherwise.
func ScaleSuffix(scale int) string {
	switch scale {
	case 2:
		return "@2x"
	case 3:
		return "@3x"
	default:
		return ""
	}
}

// ArtifactName returns the artifact filename for kind at the given density.
// Raw data has no notion of density, so scale is ignored for KindData.
func ArtifactName(kind Kind, scale int) string {
	if !kind.IsImage() {
		return artifactBase + kind.Ext()
	}
	return artifactBase + ScaleSuffix(scale) + kind.Ext()
}

// KindFromName returns the artifact kind encoded in a filename.
func KindFromName(name string) (Kind, bool) {
	if strings.HasPrefix(name, TempPrefix) {
		return 0, false
	}
	switch path.Ext(name) {
	case ".bin":
		return KindData, true
	case ".jpg":
		return KindJPEG, true
	case ".png":
		return KindPNG, true
	default:
		return 0, false
	}
}

// IsArtifact reports whether name is an artifact file.
func IsArtifact(name string) bool {
	_, ok := KindFromName(name)
	return ok
}

// FirstArtifact returns the first artifact in names, which callers supply in
// listing order.
func FirstArtifact(names []string) (string, bool) {
	for _, name := range names {
		if IsArtifact(name) {
			return name, true
		}
	}
	return "", false
}
