// Package tesseract implements challenge.Recognizer on the Tesseract OCR
// engine through gosseract. It needs libtesseract at build and run time.
package tesseract

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"sync"

	"github.com/otiai10/gosseract/v2"

	"github.com/me/slotwatch/internal/challenge"
)

// Recognizer reads single-line codes restricted to challenge.Alphabet.
type Recognizer struct {
	mu     sync.Mutex
	client *gosseract.Client
}

// New creates a Recognizer. Close releases the engine.
func New(language string) (*Recognizer, error) {
	if language == "" {
		language = "eng"
	}
	client := gosseract.NewClient()
	if err := client.SetLanguage(language); err != nil {
		client.Close()
		return nil, fmt.Errorf("set language: %w", err)
	}
	if err := client.SetWhitelist(challenge.Alphabet); err != nil {
		client.Close()
		return nil, fmt.Errorf("set whitelist: %w", err)
	}
	if err := client.SetPageSegMode(gosseract.PSM_SINGLE_LINE); err != nil {
		client.Close()
		return nil, fmt.Errorf("set page segmentation: %w", err)
	}
	return &Recognizer{client: client}, nil
}

// Close releases the Tesseract engine.
func (r *Recognizer) Close() error {
	return r.client.Close()
}

// Recognize returns one Reading per text line. Tesseract is trained on dark
// text on a light page, so the white-on-black binary image is inverted
// before recognition.
func (r *Recognizer) Recognize(ctx context.Context, img *image.Gray) ([]challenge.Reading, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, invert(img)); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.client.SetImageFromBytes(buf.Bytes()); err != nil {
		return nil, fmt.Errorf("set image: %w", err)
	}
	boxes, err := r.client.GetBoundingBoxes(gosseract.RIL_TEXTLINE)
	if err != nil {
		return nil, fmt.Errorf("get bounding boxes: %w", err)
	}

	readings := make([]challenge.Reading, 0, len(boxes))
	for _, b := range boxes {
		readings = append(readings, challenge.Reading{
			Text:       b.Word,
			Confidence: b.Confidence / 100,
		})
	}
	return readings, nil
}

func invert(src *image.Gray) *image.Gray {
	dst := image.NewGray(src.Bounds())
	for i, v := range src.Pix {
		dst.Pix[i] = 255 - v
	}
	return dst
}
