// Package layout implements the deterministic vector layout engine: a
// pure transformation from render metadata and a source document to A4
// PDF bytes with pixel-stable placement of cropped content, watermarks,
// and serial numbers.
package layout

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/local/vectorprint/internal/layout/cache"
	"github.com/local/vectorprint/internal/metadata"
	"github.com/local/vectorprint/internal/svgconvert"
)

// Engine renders VectorMetadata against a source document into PDF
// bytes. Its only I/O is through the injected BlobStore, DocumentLookup
// and SVGConverter collaborators; everything else is pure computation
// over temp files: each PreparedSource's work directory, each
// MergeBatches call's own directory, and the stamp step's intermediate
// files in the system temp directory.
type Engine struct {
	Blobs         BlobStore
	Docs          DocumentLookup
	SVGConverter  SVGConverter
	SVGCache      *cache.LRU // keyed by sha256 of sanitized watermark SVG bytes
	FontMetrics   *cache.LRU // keyed by "family:size", values are ascent in points
	DefaultAscent float64    // fallback ascent ratio (of fontSize) when a font isn't in FontMetrics
}

// NewEngine builds an Engine with package-default cache sizes.
func NewEngine(blobs BlobStore, docs DocumentLookup, converter SVGConverter) *Engine {
	return &Engine{
		Blobs:         blobs,
		Docs:          docs,
		SVGConverter:  converter,
		SVGCache:      cache.New(256),
		FontMetrics:   cache.New(256),
		DefaultAscent: 0.8,
	}
}

func (e *Engine) ascentFor(fontFamily string, fontSize float64) float64 {
	key := fmt.Sprintf("%s:%g", fontFamily, fontSize)
	if v, ok := e.FontMetrics.Get(key); ok {
		return v.(float64)
	}
	ascent := e.DefaultAscent * fontSize
	e.FontMetrics.Set(key, ascent)
	return ascent
}

// PreparedSource is a job's resolved and cropped source, ready to render
// any page range from. Built once per job by PrepareSource and shared by
// every batch worker rendering that job's PageTasks, so the expensive
// resolve+crop step (§4.3 steps 1-3) never repeats per batch.
type PreparedSource struct {
	engine      *Engine
	workDir     string
	croppedFile string
	cropBox     CropBox
	md          metadata.VectorMetadata
	slots       []Slot
	conf        *model.Configuration
}

// PrepareSource resolves the source document, crops the configured
// region once, and returns a PreparedSource whose RenderPageRange calls
// are safe to run concurrently from multiple goroutines — each call
// renders its own pages into its own files under workDir and never
// mutates shared state.
func (e *Engine) PrepareSource(ctx context.Context, md metadata.VectorMetadata) (*PreparedSource, error) {
	resolved, err := ResolveSource(ctx, e.Blobs, e.Docs, e.SVGConverter, md.SourcePDFKey)
	if err != nil {
		return nil, err
	}
	if md.TicketCrop.WidthRatio <= 0 || md.TicketCrop.HeightRatio <= 0 {
		return nil, fmt.Errorf("layout: ticketCrop missing widthRatio/heightRatio")
	}

	workDir, err := os.MkdirTemp("", "vectorprint-render-*")
	if err != nil {
		return nil, fmt.Errorf("layout: creating render workdir: %w", err)
	}

	srcFile := filepath.Join(workDir, "source.pdf")
	if err := os.WriteFile(srcFile, resolved.PDFBytes, 0o600); err != nil {
		os.RemoveAll(workDir)
		return nil, fmt.Errorf("layout: writing resolved source: %w", err)
	}

	srcW, srcH := A4WidthPt, A4HeightPt // the source page's own box governs crop ratios
	if dims, err := pageDimensions(srcFile, md.TicketCrop.PageIndex+1); err == nil {
		srcW, srcH = dims.W, dims.H
	}

	cropBox := ResolveCropBox(md.TicketCrop.XRatio, md.TicketCrop.YRatio, md.TicketCrop.WidthRatio, md.TicketCrop.HeightRatio, srcW, srcH)

	croppedFile := filepath.Join(workDir, "cropped.pdf")
	if err := cropPageToFile(srcFile, md.TicketCrop.PageIndex+1, cropBox, srcH, croppedFile); err != nil {
		os.RemoveAll(workDir)
		return nil, err
	}

	return &PreparedSource{
		engine:      e,
		workDir:     workDir,
		croppedFile: croppedFile,
		cropBox:     cropBox,
		md:          md,
		slots:       BuildSlotGrid(md.Layout.RepeatPerPage, md.Layout.SlotSpacingPt),
		conf:        model.NewDefaultConfiguration(),
	}, nil
}

// RenderPageRange renders pages startPage..endPage (inclusive) of the
// prepared source and merges them into one PDF batch. Safe to call
// concurrently for disjoint ranges of the same PreparedSource: each call
// writes only its own, uniquely-named files into the shared workDir.
func (p *PreparedSource) RenderPageRange(ctx context.Context, startPage, endPage int) ([]byte, error) {
	pageFiles := make([]string, 0, endPage-startPage+1)
	for pg := startPage; pg <= endPage; pg++ {
		pageFile, err := p.engine.renderPage(ctx, p.workDir, p.md, pg, p.slots, p.croppedFile, p.cropBox, p.conf)
		if err != nil {
			return nil, fmt.Errorf("layout: rendering page %d: %w", pg, err)
		}
		pageFiles = append(pageFiles, pageFile)
	}
	return mergePageFiles(pageFiles, p.workDir, p.conf)
}

// Close removes the prepared source's temp workdir. Called once per job
// when the scheduler drops that job's state, after every batch sharing
// this source has finished rendering.
func (p *PreparedSource) Close() error {
	return os.RemoveAll(p.workDir)
}

// mergePageFiles merges one or more single-page PDFs into one artifact.
// The output filename is uuid'd because multiple batches of the same job
// call this concurrently against a shared workDir.
func mergePageFiles(pageFiles []string, workDir string, conf *model.Configuration) ([]byte, error) {
	if len(pageFiles) == 1 {
		data, err := os.ReadFile(pageFiles[0])
		if err != nil {
			return nil, fmt.Errorf("layout: reading single-page output: %w", err)
		}
		return assertPDFHeader(data)
	}

	outFile := filepath.Join(workDir, "batch-"+uuid.New().String()+".pdf")
	if err := api.MergeCreateFile(pageFiles, outFile, false, conf); err != nil {
		return nil, fmt.Errorf("layout: merging %d output pages: %w", len(pageFiles), err)
	}
	defer os.Remove(outFile)

	data, err := os.ReadFile(outFile)
	if err != nil {
		return nil, fmt.Errorf("layout: reading merged output: %w", err)
	}
	return assertPDFHeader(data)
}

// MergeBatches assembles every batch's already-rendered bytes, in the
// page order the caller supplies them, into the final document.
func (e *Engine) MergeBatches(ctx context.Context, batches [][]byte) ([]byte, error) {
	if len(batches) == 1 {
		return assertPDFHeader(batches[0])
	}

	workDir, err := os.MkdirTemp("", "vectorprint-merge-*")
	if err != nil {
		return nil, fmt.Errorf("layout: creating merge workdir: %w", err)
	}
	defer os.RemoveAll(workDir)

	pageFiles := make([]string, 0, len(batches))
	for i, b := range batches {
		f := filepath.Join(workDir, fmt.Sprintf("batch-%d.pdf", i))
		if err := os.WriteFile(f, b, 0o600); err != nil {
			return nil, fmt.Errorf("layout: writing batch %d for merge: %w", i, err)
		}
		pageFiles = append(pageFiles, f)
	}

	conf := model.NewDefaultConfiguration()
	outFile := filepath.Join(workDir, "final.pdf")
	if err := api.MergeCreateFile(pageFiles, outFile, false, conf); err != nil {
		return nil, fmt.Errorf("layout: merging %d batches: %w", len(batches), err)
	}

	data, err := os.ReadFile(outFile)
	if err != nil {
		return nil, fmt.Errorf("layout: reading merged output: %w", err)
	}
	return assertPDFHeader(data)
}

// RenderDocument renders a whole document in one call: prepare the
// source, render every page as a single batch, and close the source.
// Kept as a convenience wrapper over PrepareSource/RenderPageRange for
// callers (tests, one-off tooling) that don't need per-batch
// concurrency — the scheduler itself drives PrepareSource/RenderPageRange
// directly so batches render in parallel.
func (e *Engine) RenderDocument(ctx context.Context, md metadata.VectorMetadata) ([]byte, error) {
	source, err := e.PrepareSource(ctx, md)
	if err != nil {
		return nil, err
	}
	defer source.Close()

	if md.Layout.TotalPages <= 0 {
		return nil, fmt.Errorf("layout: totalPages must be positive")
	}
	return source.RenderPageRange(ctx, 0, md.Layout.TotalPages-1)
}

func assertPDFHeader(data []byte) ([]byte, error) {
	if len(data) < 5 || string(data[:5]) != "%PDF-" {
		return nil, fmt.Errorf("layout: rendered output header mismatch")
	}
	return data, nil
}

// renderPage builds one output page: a blank A4 canvas, with the shared
// cropped content stamped into every slot, then watermarks and series
// numbers drawn on top. Returns the path to the page's own one-page PDF.
func (e *Engine) renderPage(ctx context.Context, workDir string, md metadata.VectorMetadata, pageIndex int, slots []Slot, croppedFile string, cropBox CropBox, conf *model.Configuration) (string, error) {
	canvas := filepath.Join(workDir, fmt.Sprintf("canvas-%d.pdf", pageIndex))
	if err := blankA4PageFile(canvas); err != nil {
		return "", fmt.Errorf("creating blank canvas: %w", err)
	}

	type slotPlacement struct {
		slot    Slot
		content Rect
		scale   float64
	}
	placements := make([]slotPlacement, len(slots))
	for i, s := range slots {
		content, scale := PlaceInSlot(s.Bounds, cropBox.W, cropBox.H)
		placements[i] = slotPlacement{slot: s, content: content, scale: scale}

		stamped, err := stampPDFOntoCanvas(canvas, croppedFile, content, scale, 0, conf)
		if err != nil {
			return "", fmt.Errorf("stamping slot %d: %w", i, err)
		}
		os.Remove(canvas)
		canvas = stamped
	}

	for _, wm := range md.Watermarks {
		stamped, err := e.drawWatermark(ctx, workDir, canvas, wm, placements, conf)
		if err != nil {
			return "", fmt.Errorf("drawing watermark %s: %w", wm.ID, err)
		}
		canvas = stamped
	}

	for _, series := range md.Series {
		stamped, err := e.drawSeries(canvas, series, md.Layout.RepeatPerPage, pageIndex, placements, cropBox, conf)
		if err != nil {
			return "", fmt.Errorf("drawing series %s: %w", series.ID, err)
		}
		canvas = stamped
	}

	return canvas, nil
}

func (e *Engine) drawWatermark(ctx context.Context, workDir, canvas string, wm metadata.Watermark, placements []struct {
	slot    Slot
	content Rect
	scale   float64
}, conf *model.Configuration) (string, error) {
	perSlot := wm.RelativeTo == "object"

	positions := make([]Rect, 0, 1)
	if perSlot {
		for _, pl := range placements {
			x, y := WatermarkObjectPosition(pl.content, wm.Position.X, wm.Position.Y)
			positions = append(positions, Rect{X: x, Y: y, W: pl.content.W, H: pl.content.H})
		}
	} else {
		positions = append(positions, Rect{X: wm.Position.X, Y: wm.Position.Y})
	}

	switch wm.Type {
	case metadata.WatermarkSVG:
		pdfPath, err := e.watermarkSVGToPDF(ctx, workDir, wm)
		if err != nil {
			return "", err
		}
		for _, pos := range positions {
			stamped, err := stampPDFOntoCanvas(canvas, pdfPath, pos, wm.Scale, wm.Rotate, conf)
			if err != nil {
				return "", err
			}
			os.Remove(canvas)
			canvas = stamped
		}
	case metadata.WatermarkText:
		for _, pos := range positions {
			stamped, err := stampTextOntoCanvas(canvas, wm.Value, pos, wm.FontSize, wm.Color, conf)
			if err != nil {
				return "", err
			}
			os.Remove(canvas)
			canvas = stamped
		}
	default:
		return "", fmt.Errorf("layout: unknown watermark type %q", wm.Type)
	}
	return canvas, nil
}

// watermarkSVGToPDF sanitizes and converts a watermark's SVG content,
// caching the converted PDF's bytes (not a path) by content hash so
// repeated use of the same watermark across many slots/pages/jobs only
// pays the external converter's cost once. SVGCache is a per-process
// cache that outlives any single job's workDir, so it must never cache a
// path into that workDir — RenderPageRange's caller tears workDir down
// once the job's batches finish, which would leave a cache hit pointing
// at a deleted file for the next job to reuse the same watermark.
func (e *Engine) watermarkSVGToPDF(ctx context.Context, workDir string, wm metadata.Watermark) (string, error) {
	sanitized, err := SanitizeWatermarkSVG([]byte(wm.SVGPath))
	if err != nil {
		return "", err
	}

	key := cache.Key(sanitized)
	pdfPath := filepath.Join(workDir, "wm-"+uuid.New().String()+".pdf")

	if v, ok := e.SVGCache.Get(key); ok {
		if err := os.WriteFile(pdfPath, v.([]byte), 0o600); err != nil {
			return "", fmt.Errorf("writing cached watermark PDF: %w", err)
		}
		return pdfPath, nil
	}

	svgPath := filepath.Join(workDir, "wm-src-"+uuid.New().String()+".svg")
	if err := os.WriteFile(svgPath, sanitized, 0o600); err != nil {
		return "", fmt.Errorf("writing sanitized watermark SVG: %w", err)
	}

	result := e.SVGConverter.ConvertToPDF(ctx, svgconvert.Job{
		SVGPath:    svgPath,
		OutputPath: pdfPath,
		Timeout:    30 * time.Second,
	})
	if !result.Success {
		return "", fmt.Errorf("converting watermark SVG: %s", result.Error)
	}

	data, err := os.ReadFile(pdfPath)
	if err != nil {
		return "", fmt.Errorf("reading converted watermark PDF: %w", err)
	}
	e.SVGCache.Set(key, data)
	return pdfPath, nil
}

func (e *Engine) drawSeries(canvas string, series metadata.Series, repeatPerPage, pageIndex int, placements []struct {
	slot    Slot
	content Rect
	scale   float64
}, cropBox CropBox, conf *model.Configuration) (string, error) {
	ascent := e.ascentFor(series.Font, series.FontSize)

	for i, pl := range placements {
		slotRatio := series.Slots[i%len(series.Slots)]
		value := SeriesValue(series.Start, series.Step, repeatPerPage, pageIndex, i)
		text := formatSeriesValue(series.Prefix, value, series.PadLength)

		drawX, drawY := SeriesBaseline(pl.content, cropBox.W, cropBox.H, slotRatio.XRatio, slotRatio.YRatio, ascent, pl.scale)

		var (
			stamped string
			err     error
		)
		if len(series.LetterFontSizes) > 0 {
			stamped, err = e.drawSeriesPerLetter(canvas, text, series, drawX, drawY, pl.scale, conf)
		} else {
			stamped, err = stampTextOntoCanvas(canvas, text, Rect{X: drawX, Y: drawY}, series.FontSize*pl.scale, series.Color, conf)
		}
		if err != nil {
			return "", err
		}
		os.Remove(canvas)
		canvas = stamped
	}
	return canvas, nil
}

// drawSeriesPerLetter implements §4.3 step 8's per-letter mode: cycle
// through letterFontSizes[]/letterOffsets[] per character, advancing the
// cursor x by the glyph's width at that character's own size rather than
// drawing the whole string at one fixed size.
func (e *Engine) drawSeriesPerLetter(canvas, text string, series metadata.Series, startX, startY, slotScale float64, conf *model.Configuration) (string, error) {
	cursorX := startX
	for i := 0; i < len(text); i++ {
		ch := text[i]
		size := series.LetterFontSizes[i%len(series.LetterFontSizes)] * slotScale

		offsetY := 0.0
		if len(series.LetterOffsets) > 0 {
			offsetY = series.LetterOffsets[i%len(series.LetterOffsets)] * slotScale
		}

		pos := Rect{X: cursorX, Y: startY + offsetY}
		stamped, err := stampTextOntoCanvas(canvas, string(rune(ch)), pos, size, series.Color, conf)
		if err != nil {
			return "", fmt.Errorf("drawing letter %q of series %s: %w", ch, series.ID, err)
		}
		os.Remove(canvas)
		canvas = stamped

		cursorX += widthOf(ch, size)
	}
	return canvas, nil
}

func formatSeriesValue(prefix string, value int64, padLength int) string {
	digits := fmt.Sprintf("%d", value)
	for padLength > 0 && len(digits) < padLength {
		digits = "0" + digits
	}
	return prefix + digits
}
