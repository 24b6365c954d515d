// Package ocr reads plate text with Tesseract through gosseract.
package ocr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"sync"

	"github.com/otiai10/gosseract/v2"
	"github.com/sunshineplan/imgconv"

	"parking-anpr/internal/domain/anpr"
)

const (
	DefaultLanguage  = "eng"
	DefaultWhitelist = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	minWidth, minHeight = 8, 4
)

type Options struct {
	Language  string
	Whitelist string
}

// TesseractRecognizer wraps one gosseract client. The client is not safe for
// concurrent use, so Read calls are serialised.
type TesseractRecognizer struct {
	mu     sync.Mutex
	client *gosseract.Client
}

func NewTesseractRecognizer(opts Options) (*TesseractRecognizer, error) {
	if opts.Language == "" {
		opts.Language = DefaultLanguage
	}
	if opts.Whitelist == "" {
		opts.Whitelist = DefaultWhitelist
	}

	client := gosseract.NewClient()
	if err := client.SetLanguage(opts.Language); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to set OCR language: %w", err)
	}
	if err := client.SetWhitelist(opts.Whitelist); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to set OCR whitelist: %w", err)
	}
	if err := client.SetPageSegMode(gosseract.PSM_SINGLE_LINE); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to set page segmentation mode: %w", err)
	}
	return &TesseractRecognizer{client: client}, nil
}

// Read returns the whitespace separated fragments Tesseract finds. Images too
// small to hold a plate yield no fragments.
func (r *TesseractRecognizer) Read(ctx context.Context, img image.Image) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if img == nil || img.Bounds().Dx() < minWidth || img.Bounds().Dy() < minHeight {
		return nil, nil
	}

	var buf bytes.Buffer
	if err := imgconv.Write(&buf, img, &imgconv.FormatOption{Format: imgconv.PNG}); err != nil {
		return nil, fmt.Errorf("encode plate image: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil, errors.New("recognizer closed")
	}
	if err := r.client.SetImageFromBytes(buf.Bytes()); err != nil {
		return nil, fmt.Errorf("load plate image: %w", err)
	}
	text, err := r.client.Text()
	if err != nil {
		return nil, fmt.Errorf("tesseract: %w", err)
	}
	return strings.Fields(text), nil
}

func (r *TesseractRecognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}

var _ anpr.Recognizer = (*TesseractRecognizer)(nil)
