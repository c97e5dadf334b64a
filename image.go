package responsecache

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
)

// Image is a decoded cached image together with the display density it was
// stored for.
type Image struct {
	image.Image

	// Format is the decoder name, "jpeg" or "png".
	Format string

	// Scale is the display density (1, 2 or 3).
	Scale int
}

// DecodeImage decodes JPEG or PNG data for the given display density.
func DecodeImage(data []byte, scale int) (*Image, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return &Image{Image: img, Format: format, Scale: scale}, nil
}

// Kind returns the artifact kind matching the decoded format.
func (i *Image) Kind() Kind {
	if i.Format == "png" {
		return KindPNG
	}
	return KindJPEG
}
