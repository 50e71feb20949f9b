package layout

import "math"

// A4 page geometry in points, fixed per spec.
const (
	A4WidthPt  = 595.28
	A4HeightPt = 841.89
	SafeMargin = 28.35
)

// snap rounds v to three decimal places, per the "round(v*1000)/1000"
// output-coordinate rule.
func snap(v float64) float64 {
	return math.Round(v*1000) / 1000
}

// Rect is an axis-aligned rectangle in PDF points, origin bottom-left.
type Rect struct {
	X, Y, W, H float64
}

// Slot is one repeated placement area on the output page.
type Slot struct {
	Index   int
	Bounds  Rect // the full slot rectangle
	Content Rect // the sub-rectangle actually occupied after scaling
	Scale   float64
}

// BuildSlotGrid computes the vertical slot grid for repeatPerPage copies
// with spacingPt between them, per spec.md §4.3 step 3. When the
// requested spacing would make usable space non-positive it is treated
// as zero.
func BuildSlotGrid(repeatPerPage int, spacingPt float64) []Slot {
	usable := A4HeightPt - 2*SafeMargin
	g := spacingPt
	if usable-float64(repeatPerPage-1)*g <= 0 {
		g = 0
	}
	slotH := (usable - float64(repeatPerPage-1)*g) / float64(repeatPerPage)
	slotW := A4WidthPt - 2*SafeMargin

	slots := make([]Slot, repeatPerPage)
	for i := 0; i < repeatPerPage; i++ {
		y := SafeMargin + float64(i)*(slotH+g)
		slots[i] = Slot{
			Index:  i,
			Bounds: Rect{X: snap(SafeMargin), Y: snap(y), W: snap(slotW), H: snap(slotH)},
		}
	}
	return slots
}

// CropBox is the crop region in source-page points.
type CropBox struct {
	X, Y, W, H float64 // y measured top-down from the source page's top edge
}

// ResolveCropBox converts ticketCrop ratios into source-point
// coordinates, per spec.md §4.3 step 2.
func ResolveCropBox(xRatio, yRatio, widthRatio, heightRatio, srcW, srcH float64) CropBox {
	return CropBox{
		X: snap(xRatio * srcW),
		Y: snap(yRatio * srcH),
		W: snap(widthRatio * srcW),
		H: snap(heightRatio * srcH),
	}
}

// ClipBox converts a top-down CropBox into a PDF bottom-up clipping box
// {left, bottom, right, top}, per spec.md §4.3 step 4.
func (c CropBox) ClipBox(srcH float64) (left, bottom, right, top float64) {
	left = c.X
	bottom = srcH - c.Y - c.H
	right = c.X + c.W
	top = srcH - c.Y
	return snap(left), snap(bottom), snap(right), snap(top)
}

// PlaceInSlot computes the aspect-preserving, top-aligned placement of a
// cropW x cropH object inside a slot, per spec.md §4.3 step 5. It
// mutates nothing; the caller attaches the result to the Slot.
func PlaceInSlot(slot Rect, cropW, cropH float64) (content Rect, scale float64) {
	scale = math.Min(slot.W/cropW, slot.H/cropH)
	contentW := cropW * scale
	contentH := cropH * scale
	drawY := slot.Y + (slot.H - contentH)
	drawX := slot.X
	return Rect{X: snap(drawX), Y: snap(drawY), W: snap(contentW), H: snap(contentH)}, scale
}

// ObjectTopY returns the page-space Y of the top edge of the scaled
// object, used as the reference line for series-number baseline math.
func ObjectTopY(content Rect, objHPt, scale float64) float64 {
	return snap(content.Y + objHPt*scale)
}

// WatermarkObjectPosition converts an object-relative watermark position
// (ratios in [0,1], y measured top-down) into page points, per spec.md
// §4.3 step 6's y-flip rule.
func WatermarkObjectPosition(content Rect, x, y float64) (posX, posY float64) {
	posX = content.X + x*content.W
	posY = content.Y + (1-y)*content.H
	return snap(posX), snap(posY)
}

// SeriesValue computes the arithmetic-progression value for series index
// i on slot i of page p, per spec.md §4.3 step 8.
func SeriesValue(start, step int64, repeatPerPage, pageIndex, slotIndex int) int64 {
	return start + (int64(pageIndex*repeatPerPage+slotIndex))*step
}

// SeriesBaseline computes the page-space draw position of a series
// number's baseline inside a slot's object bounding box, per spec.md
// §4.3 step 8. xRatio/yRatio are expressed against the object's
// unscaled width/height in source points; ascent is the font's ascent
// at the unscaled fontSize.
func SeriesBaseline(content Rect, objW, objH, xRatio, yRatio, ascent, scale float64) (drawX, drawY float64) {
	baselineYObj := yRatio*objH + ascent
	objectTopY := ObjectTopY(content, objH, scale)
	drawX = content.X + xRatio*objW*scale
	drawY = objectTopY - baselineYObj*scale
	return snap(drawX), snap(drawY)
}
