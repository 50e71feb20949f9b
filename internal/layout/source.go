package layout

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/local/vectorprint/internal/svgconvert"
)

const documentRefPrefix = "document:"

// BlobStore is the subset of internal/blobstore.Store the layout engine
// needs to resolve source bytes.
type BlobStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// DocumentLookup is the subset of internal/metastore.DocumentRepo needed
// to resolve a `document:{id}` reference to its blob key.
type DocumentLookup interface {
	BlobKeyFor(ctx context.Context, documentID string) (string, error)
}

// SVGConverter is the subset of internal/svgconvert.Converter the layout
// engine needs to turn a normalized SVG into PDF bytes.
type SVGConverter interface {
	ConvertToPDF(ctx context.Context, job svgconvert.Job) svgconvert.Result
}

// ResolvedSource is a source document loaded and, if necessary,
// converted to PDF, ready for page-count and crop operations.
type ResolvedSource struct {
	PDFBytes  []byte
	PageCount int
}

// ResolveSource implements §4.3 step 1: fetch sourcePdfKey's bytes
// (resolving a `document:{id}` reference through docs first), then
// branch on the header: `%PDF-` loads directly, `<svg` normalizes and
// converts, anything else is fatal.
func ResolveSource(ctx context.Context, blobs BlobStore, docs DocumentLookup, converter SVGConverter, sourcePdfKey string) (*ResolvedSource, error) {
	key := sourcePdfKey
	if strings.HasPrefix(key, documentRefPrefix) {
		id := strings.TrimPrefix(key, documentRefPrefix)
		resolvedKey, err := docs.BlobKeyFor(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("layout: resolving document reference %q: %w", key, err)
		}
		key = resolvedKey
	}

	data, err := blobs.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("layout: fetching source blob %q: %w", key, err)
	}

	mt := mimetype.Detect(data)

	switch {
	case bytes.HasPrefix(data, []byte("%PDF-")):
		n, err := pageCountBytes(data)
		if err != nil {
			return nil, err
		}
		return &ResolvedSource{PDFBytes: data, PageCount: n}, nil

	case bytes.Contains(data[:minInt(len(data), 4096)], []byte("<svg")):
		pdfBytes, err := convertSVGToPDF(ctx, converter, data)
		if err != nil {
			return nil, err
		}
		if !bytes.HasPrefix(pdfBytes, []byte("%PDF-")) {
			return nil, fmt.Errorf("layout: converted output header mismatch (mime=%s)", mt.String())
		}
		n, err := pageCountBytes(pdfBytes)
		if err != nil {
			return nil, err
		}
		return &ResolvedSource{PDFBytes: pdfBytes, PageCount: n}, nil

	default:
		return nil, fmt.Errorf("layout: unsupported source type (mime=%s): neither PDF nor SVG", mt.String())
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// pageCountBytes writes data to a temp file and counts its pages with
// pdfcpu's api.PageCountFile, since that API operates on filesystem paths.
func pageCountBytes(data []byte) (int, error) {
	f, err := os.CreateTemp("", "vectorprint-src-*.pdf")
	if err != nil {
		return 0, fmt.Errorf("layout: creating temp file for page count: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)

	if _, err := f.Write(data); err != nil {
		f.Close()
		return 0, fmt.Errorf("layout: writing temp file for page count: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("layout: closing temp file for page count: %w", err)
	}

	n, err := api.PageCountFile(path)
	if err != nil {
		return 0, fmt.Errorf("layout: pdf page count failed: %w", err)
	}
	return n, nil
}

// convertSVGToPDF canonicalizes svgData per §4.3 steps 1-5, hands it to
// the external converter (step 6), and asserts the post-conversion
// header (step 7).
func convertSVGToPDF(ctx context.Context, converter SVGConverter, svgData []byte) ([]byte, error) {
	normalized, err := CanonicalizeSVG(svgData)
	if err != nil {
		return nil, err
	}

	workDir, err := os.MkdirTemp("", "vectorprint-svg-*")
	if err != nil {
		return nil, fmt.Errorf("layout: creating SVG conversion workdir: %w", err)
	}
	defer os.RemoveAll(workDir)

	svgPath := filepath.Join(workDir, uuid.New().String()+".svg")
	pdfPath := filepath.Join(workDir, uuid.New().String()+".pdf")
	if err := os.WriteFile(svgPath, normalized, 0o600); err != nil {
		return nil, fmt.Errorf("layout: writing normalized SVG: %w", err)
	}

	result := converter.ConvertToPDF(ctx, svgconvert.Job{
		SVGPath:    svgPath,
		OutputPath: pdfPath,
		Timeout:    30 * time.Second,
	})
	if !result.Success {
		return nil, fmt.Errorf("layout: external SVG converter failed: %s", result.Error)
	}

	pdfBytes, err := os.ReadFile(pdfPath)
	if err != nil {
		return nil, fmt.Errorf("layout: reading converted PDF: %w", err)
	}
	return pdfBytes, nil
}
