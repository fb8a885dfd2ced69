package proof

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/dustin/go-humanize"

	"ticket-portal/internal/config"
)

// Encoder turns a payment proof file into the data URL the backend
// expects in paymentProof
type Encoder struct {
	maxBytes    int64
	recompress  bool
	jpegQuality int
	logger      *slog.Logger
}

// NewEncoder creates a new proof encoder
func NewEncoder(cfg config.ProofConfig, logger *slog.Logger) *Encoder {
	return &Encoder{
		maxBytes:    cfg.MaxBytes,
		recompress:  cfg.Recompress,
		jpegQuality: cfg.JPEGQuality,
		logger:      logger,
	}
}

// EncodeFile reads the file at path and returns it as a data URL
func (e *Encoder) EncodeFile(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open proof: %w", err)
	}
	defer f.Close()

	// Read one byte past the limit to detect oversize files
	data, err := io.ReadAll(io.LimitReader(f, e.maxBytes+1))
	if err != nil {
		return "", fmt.Errorf("read proof: %w", err)
	}
	if int64(len(data)) > e.maxBytes {
		return "", fmt.Errorf("proof exceeds %s", humanize.IBytes(uint64(e.maxBytes)))
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	return e.Encode(data)
}

// Encode converts raw file bytes to a data URL, recompressing images to
// JPEG when configured and when that makes them smaller
func (e *Encoder) Encode(data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("proof is empty")
	}

	mime := http.DetectContentType(data)
	if e.recompress && strings.HasPrefix(mime, "image/") && mime != "image/jpeg" {
		compressed, err := CompressToJPEG(data, e.jpegQuality)
		switch {
		case err != nil:
			e.logger.Debug("proof not recompressed", "mime", mime, "error", err)
		case len(compressed) < len(data):
			e.logger.Debug("proof recompressed",
				"from", humanize.Bytes(uint64(len(data))),
				"to", humanize.Bytes(uint64(len(compressed))),
			)
			data, mime = compressed, "image/jpeg"
		}
	}

	return DataURL(mime, data), nil
}

// DataURL formats data the way a browser FileReader.readAsDataURL does
func DataURL(mime string, data []byte) string {
	// DetectContentType may append parameters such as "; charset=utf-8"
	if i := strings.Index(mime, ";"); i >= 0 {
		mime = mime[:i]
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// CompressToJPEG decodes any registered image format and re-encodes it as
// JPEG with the given quality
func CompressToJPEG(data []byte, quality int) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	var buf bytes.Buffer
	opts := &jpeg.Options{Quality: quality}
	if err := jpeg.Encode(&buf, img, opts); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}

	return buf.Bytes(), nil
}
