package challenge

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"strings"

	// Formats the challenge endpoint may serve.
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// DecodeDataURI decodes a base64 data URI ("data:image/png;base64,....") into
// an image. A bare base64 payload without the "data:" prefix is accepted too.
func DecodeDataURI(uri string) (image.Image, error) {
	payload := uri
	if strings.HasPrefix(uri, "data:") {
		_, after, ok := strings.Cut(uri, ",")
		if !ok {
			return nil, fmt.Errorf("malformed data URI")
		}
		payload = after
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	return DecodeImage(raw)
}

// DecodeImage decodes raw image bytes in any registered format.
func DecodeImage(raw []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}
