package layout

import (
	"fmt"
	"os"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

// This file isolates every pdfcpu call beyond the two the rest of the
// package already grounds with high confidence (api.PageCountFile,
// api.MergeCreateFile): cropping a source page to a box and stamping a
// cropped page's content into a slot on an A4 canvas. pdfcpu's
// crop/watermark descriptor syntax (the "pos:", "scale:", "offset:"
// tokens passed to *ForFile) is stable across its CLI and api surfaces,
// but is the single part of this package exercised least directly by
// anything observed in the example pack — treat changes here with
// extra care.

// cropPageToFile crops page pageNum of inFile to box (in PDF points,
// top-left origin, converted to PDF's bottom-left clip box via
// ClipBox(srcH)) and writes the single cropped page to outFile.
func cropPageToFile(inFile string, pageNum int, box CropBox, srcH float64, outFile string) error {
	left, bottom, right, top := box.ClipBox(srcH)
	desc := fmt.Sprintf("llx:%g, lly:%g, urx:%g, ury:%g", left, bottom, right, top)

	b, err := types.ParseBox(desc)
	if err != nil {
		return fmt.Errorf("layout: parsing crop box %q: %w", desc, err)
	}

	conf := model.NewDefaultConfiguration()
	selected := []string{fmt.Sprintf("%d", pageNum)}

	if err := api.CropFile(inFile, outFile, selected, b, conf); err != nil {
		return fmt.Errorf("layout: cropping page %d: %w", pageNum, err)
	}
	return nil
}

// stampPDFOntoCanvas stamps stampFile's single page onto every page of
// canvasFile at the given absolute position and scale, writing the
// result to a new temp file whose path it returns. Position is
// expressed as a bottom-left-anchored
// point offset, matching this package's Rect convention.
func stampPDFOntoCanvas(canvasFile, stampFile string, pos Rect, scale float64, rotationDeg float64, conf *model.Configuration) (string, error) {
	desc := fmt.Sprintf("pos:bl, offset:%g %g, scale:%g abs, rotation:%g", pos.X, pos.Y, scale, rotationDeg)

	wm, err := api.PDFWatermarkForFile(stampFile, desc, conf)
	if err != nil {
		return "", fmt.Errorf("layout: building PDF stamp descriptor: %w", err)
	}
	wm.OnTop = true

	f, err := os.CreateTemp("", "vectorprint-stamped-*.pdf")
	if err != nil {
		return "", fmt.Errorf("layout: creating stamp output file: %w", err)
	}
	outFile := f.Name()
	f.Close()

	if err := api.AddWatermarksFile(canvasFile, outFile, nil, wm, conf); err != nil {
		os.Remove(outFile)
		return "", fmt.Errorf("layout: stamping content: %w", err)
	}
	return outFile, nil
}

// stampTextOntoCanvas draws text onto canvasFile at an absolute
// position and font size, writing the result to a new temp file whose
// path it returns.
func stampTextOntoCanvas(canvasFile, text string, pos Rect, fontSize float64, colorHex string, conf *model.Configuration) (string, error) {
	desc := fmt.Sprintf("pos:bl, offset:%g %g, scale:1 abs, rotation:0, points:%g", pos.X, pos.Y, fontSize)
	if colorHex != "" {
		desc += fmt.Sprintf(", col:%s", colorHex)
	}

	wm, err := api.TextWatermarkForFile(text, desc, conf)
	if err != nil {
		return "", fmt.Errorf("layout: building text stamp descriptor: %w", err)
	}
	wm.OnTop = true

	f, err := os.CreateTemp("", "vectorprint-stamped-*.pdf")
	if err != nil {
		return "", fmt.Errorf("layout: creating stamp output file: %w", err)
	}
	outFile := f.Name()
	f.Close()

	if err := api.AddWatermarksFile(canvasFile, outFile, nil, wm, conf); err != nil {
		os.Remove(outFile)
		return "", fmt.Errorf("layout: stamping text: %w", err)
	}
	return outFile, nil
}

// pageDim holds a source page's own box dimensions in points.
type pageDim struct {
	W, H float64
}

// pageDimensions returns the MediaBox width/height of page pageNum in
// inFile. Crop ratios in §4.3 step 2 are resolved against these
// dimensions, not against the fixed A4 output box. Callers fall back to
// A4 dimensions on error, since most real-world source PDFs are
// themselves A4-sized and a dimension lookup failure should not be
// fatal to an otherwise-valid crop.
func pageDimensions(inFile string, pageNum int) (pageDim, error) {
	dims, err := api.PageDimsFile(inFile)
	if err != nil {
		return pageDim{}, fmt.Errorf("layout: reading page dimensions: %w", err)
	}
	idx := pageNum - 1
	if idx < 0 || idx >= len(dims) {
		return pageDim{}, fmt.Errorf("layout: page %d out of range (%d pages)", pageNum, len(dims))
	}
	return pageDim{W: dims[idx].Width, H: dims[idx].Height}, nil
}

// blankA4PDF is a minimal, hand-written single-page PDF with an A4
// MediaBox and an empty content stream, used as the base canvas each
// slot's cropped content is stamped onto. pdfcpu's api package exposes
// no documented blank-page constructor; a blank page's object syntax
// (catalog, page tree, empty content stream) is a fixed, stable part of
// the PDF format rather than a library surface, so it is written
// directly instead of guessing at a third-party call.
const blankA4PDF = `%PDF-1.4
1 0 obj
<< /Type /Catalog /Pages 2 0 R >>
endobj
2 0 obj
<< /Type /Pages /Kids [3 0 R] /Count 1 >>
endobj
3 0 obj
<< /Type /Page /Parent 2 0 R /MediaBox [0 0 595.28 841.89] /Resources << >> /Contents 4 0 R >>
endobj
4 0 obj
<< /Length 0 >>
stream
endstream
endobj
trailer
<< /Size 5 /Root 1 0 R >>
%%EOF
`

// blankA4PageFile writes blankA4PDF to path.
func blankA4PageFile(path string) error {
	return os.WriteFile(path, []byte(blankA4PDF), 0o600)
}

// helveticaWidths holds the standard Helvetica AFM character widths (in
// 1/1000 em units) for the printable ASCII range 0x20-0x7E. pdfcpu's api
// package exposes no glyph-metrics lookup, and these widths are a fixed
// property of the base-14 font itself rather than anything
// library-specific, so they are written directly here, the same
// reasoning as blankA4PDF above.
var helveticaWidths = [95]int{
	278, 278, 355, 556, 556, 889, 667, 191, 333, 333, 389, 584, 278, 333, 278, 278, // ' ' .. '/'
	556, 556, 556, 556, 556, 556, 556, 556, 556, 556, 278, 278, 584, 584, 584, 556, // '0' .. '?'
	1015, 667, 667, 722, 722, 667, 611, 778, 722, 278, 500, 667, 556, 833, 722, 778, // '@' .. 'O'
	667, 778, 722, 667, 611, 722, 667, 944, 667, 667, 611, 278, 278, 278, 469, 556, // 'P' .. '_'
	333, 556, 556, 500, 556, 556, 278, 556, 556, 222, 222, 500, 222, 833, 556, 556, // '`' .. 'o'
	556, 556, 333, 500, 278, 556, 500, 722, 500, 500, 500, 334, 260, 334, 584, // 'p' .. '~'
}

// widthOf returns the rendered width in points of a single ASCII
// character at the given font size, per §4.3 step 8's per-letter
// advance rule.
func widthOf(ch byte, fontSize float64) float64 {
	if ch < 0x20 || ch > 0x7E {
		return 0.556 * fontSize // fall back to Helvetica's digit width
	}
	return float64(helveticaWidths[ch-0x20]) / 1000 * fontSize
}
