package fetch

import (
	"testing"

	"github.com/stretchr/testify/require"

	responsecache "github.com/wolfeidau/response-cache"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		url         string
		want        responsecache.Kind
		ok          bool
	}{
		{"jpeg header", "image/jpeg", "http://x/a", responsecache.KindJPEG, true},
		{"png header", "image/png", "http://x/a", responsecache.KindPNG, true},
		{"header params ignored", "image/png; q=0.9", "http://x/a", responsecache.KindPNG, true},
		{"header case", "Image/JPEG", "http://x/a", responsecache.KindJPEG, true},
		{"header beats extension", "image/png", "http://x/a.jpg", responsecache.KindPNG, true},
		{"jpg extension", "application/octet-stream", "http://x/a.jpg", responsecache.KindJPEG, true},
		{"jpeg extension", "", "http://x/a.JPEG", responsecache.KindJPEG, true},
		{"png extension", "", "http://x/img/a.png?v=2", responsecache.KindPNG, true},
		{"query ignored", "", "http://x/a?f=b.png", responsecache.KindData, false},
		{"gif", "image/gif", "http://x/a.gif", responsecache.KindData, false},
		{"nothing", "", "http://x/a", responsecache.KindData, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Classify(tt.contentType, tt.url)
			require.Equal(t, tt.ok, ok)
			require.Equal(t, tt.want, got)
		})
	}
}
