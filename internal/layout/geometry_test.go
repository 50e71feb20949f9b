package layout

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildSlotGridRepeatOneFillsUsableArea(t *testing.T) {
	slots := BuildSlotGrid(1, 0)
	require.Len(t, slots, 1)
	require.InDelta(t, A4HeightPt-2*SafeMargin, slots[0].Bounds.H, 1e-6)
	require.InDelta(t, SafeMargin, slots[0].Bounds.Y, 1e-6)
}

func TestBuildSlotGridStacksVertically(t *testing.T) {
	slots := BuildSlotGrid(4, 0)
	require.Len(t, slots, 4)
	// Y and H are snapped independently, so slot i starts at the snapped
	// offset of i unsnapped slot heights rather than at the previous
	// slot's snapped Y+H.
	slotH := (A4HeightPt - 2*SafeMargin) / 4
	for i := range slots {
		require.InDelta(t, snap(SafeMargin+float64(i)*slotH), slots[i].Bounds.Y, 1e-6)
	}
}

func TestBuildSlotGridTreatsOversizedSpacingAsZero(t *testing.T) {
	// With S=4 slots, any spacing large enough to make usable-3G <= 0
	// must fall back to G=0.
	repeatPerPage := 4
	huge := (A4HeightPt - 2*SafeMargin) / float64(repeatPerPage-1)
	slots := BuildSlotGrid(repeatPerPage, huge)
	totalH := 0.0
	for _, s := range slots {
		totalH += s.Bounds.H
	}
	// With G=0 every slot gets the snapped quarter of the usable height.
	require.InDelta(t, float64(repeatPerPage)*snap((A4HeightPt-2*SafeMargin)/float64(repeatPerPage)), totalH, 1e-6)
}

func TestResolveCropBoxConvertsRatios(t *testing.T) {
	box := ResolveCropBox(0.1, 0.2, 0.5, 0.4, 1000, 2000)
	require.InDelta(t, 100, box.X, 1e-6)
	require.InDelta(t, 400, box.Y, 1e-6)
	require.InDelta(t, 500, box.W, 1e-6)
	require.InDelta(t, 800, box.H, 1e-6)
}

func TestClipBoxFlipsYAxis(t *testing.T) {
	box := CropBox{X: 10, Y: 20, W: 100, H: 50}
	left, bottom, right, top := box.ClipBox(200)
	require.InDelta(t, 10, left, 1e-6)
	require.InDelta(t, 130, bottom, 1e-6) // 200 - 20 - 50
	require.InDelta(t, 110, right, 1e-6)
	require.InDelta(t, 180, top, 1e-6) // 200 - 20
}

func TestPlaceInSlotPreservesAspectForSquareObject(t *testing.T) {
	slot := Rect{X: 0, Y: 0, W: 100, H: 200}
	content, scale := PlaceInSlot(slot, 50, 50) // square object, width-bound
	require.InDelta(t, 2.0, scale, 1e-6)        // min(100/50, 200/50) = min(2, 4) = 2
	require.InDelta(t, 100, content.W, 1e-6)
	require.InDelta(t, 100, content.H, 1e-6)
}

func TestPlaceInSlotWidthBound(t *testing.T) {
	slot := Rect{X: 0, Y: 0, W: 100, H: 200}
	content, scale := PlaceInSlot(slot, 200, 100) // wide object
	require.InDelta(t, 0.5, scale, 1e-6)          // min(100/200, 200/100) = min(0.5, 2) = 0.5
	require.InDelta(t, 100, content.W, 1e-6)
	require.InDelta(t, 50, content.H, 1e-6)
	require.InDelta(t, slot.Y+slot.H-content.H, content.Y, 1e-6) // top-aligned
}

func TestSeriesValueProgression(t *testing.T) {
	require.EqualValues(t, 1, SeriesValue(1, 1, 2, 0, 0))
	require.EqualValues(t, 2, SeriesValue(1, 1, 2, 0, 1))
	require.EqualValues(t, 3, SeriesValue(1, 1, 2, 1, 0))
	require.EqualValues(t, 4, SeriesValue(1, 1, 2, 1, 1))
}

func TestWatermarkObjectPositionFlipsY(t *testing.T) {
	content := Rect{X: 10, Y: 20, W: 100, H: 50}
	x, y := WatermarkObjectPosition(content, 0.5, 0.25)
	require.InDelta(t, 60, x, 1e-6)          // 10 + 0.5*100
	require.InDelta(t, 20+0.75*50, y, 1e-6) // 20 + (1-0.25)*50
}

func TestSnapRoundsToThreeDecimals(t *testing.T) {
	require.Equal(t, 1.235, snap(1.2346))
	require.True(t, math.Abs(snap(1.0/3.0)-0.333) < 1e-9)
}
