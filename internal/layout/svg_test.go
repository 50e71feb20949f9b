package layout

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractViewBoxFromDeclaredAttribute(t *testing.T) {
	src := []byte(`<svg viewBox="0 0 100 200"><rect/></svg>`)
	vb, err := ExtractViewBox(src)
	require.NoError(t, err)
	require.Equal(t, ViewBox{X: 0, Y: 0, W: 100, H: 200}, vb)
}

func TestExtractViewBoxDerivedFromWidthHeight(t *testing.T) {
	src := []byte(`<svg width="100pt" height="50pt"><rect/></svg>`)
	vb, err := ExtractViewBox(src)
	require.NoError(t, err)
	require.Equal(t, ViewBox{X: 0, Y: 0, W: 100, H: 50}, vb)
}

func TestExtractViewBoxFailsWithNeither(t *testing.T) {
	src := []byte(`<svg><rect/></svg>`)
	_, err := ExtractViewBox(src)
	require.Error(t, err)
}

func TestCanonicalizeSVGRejectsScript(t *testing.T) {
	src := []byte(`<svg viewBox="0 0 10 10"><script>alert(1)</script></svg>`)
	_, err := CanonicalizeSVG(src)
	require.Error(t, err)
	var fe *ErrForbiddenConstruct
	require.ErrorAs(t, err, &fe)
}

func TestCanonicalizeSVGRejectsHref(t *testing.T) {
	src := []byte(`<svg viewBox="0 0 10 10"><use href="#x"/></svg>`)
	_, err := CanonicalizeSVG(src)
	require.Error(t, err)
}

func TestCanonicalizeSVGProducesCanonicalOpenTagAndWrapper(t *testing.T) {
	src := []byte(`<svg viewBox="0 0 100 100"><circle cx="1" cy="2" r="3"/></svg>`)
	out, err := CanonicalizeSVG(src)
	require.NoError(t, err)
	s := string(out)
	require.Contains(t, s, `xmlns="http://www.w3.org/2000/svg"`)
	require.Contains(t, s, `id="A4_NORMALIZED_ROOT"`)
	require.Contains(t, s, `vector-effect:non-scaling-stroke`)
	require.Contains(t, s, `<circle cx="1" cy="2" r="3"/>`)
}

func TestCanonicalizeSVGRejectsMissingViewBoxAndSize(t *testing.T) {
	src := []byte(`<svg><circle r="1"/></svg>`)
	_, err := CanonicalizeSVG(src)
	require.Error(t, err)
}

func TestSanitizeWatermarkSVGConvertsRectToPath(t *testing.T) {
	src := []byte(`<svg><rect x="1" y="2" width="3" height="4" fill="red"/></svg>`)
	out, err := SanitizeWatermarkSVG(src)
	require.NoError(t, err)
	s := string(out)
	require.Contains(t, s, `<path`)
	require.Contains(t, s, `fill="red"`)
	require.NotContains(t, s, "<rect")
}

func TestSanitizeWatermarkSVGRejectsInlineEventHandler(t *testing.T) {
	src := []byte(`<svg><rect x="0" y="0" width="1" height="1" onclick="evil()" fill="blue"/></svg>`)
	_, err := SanitizeWatermarkSVG(src)
	require.Error(t, err)
}

func TestSanitizeWatermarkSVGInlinesClassStyles(t *testing.T) {
	src := []byte(`<svg><style>.a{fill:green;stroke:black;}</style><polygon class="a" points="0,0 1,0 1,1"/></svg>`)
	out, err := SanitizeWatermarkSVG(src)
	require.NoError(t, err)
	s := string(out)
	require.Contains(t, s, `fill="green"`)
	require.Contains(t, s, `stroke="black"`)
}

func TestPolylineToPathProducesOpenPath(t *testing.T) {
	d, err := polylineToPath(map[string]string{"points": "0,0 1,1 2,0"})
	require.NoError(t, err)
	require.Equal(t, "M0 0L1 1L2 0", d)
}

func TestPolygonToPathClosesShape(t *testing.T) {
	d, err := polygonToPath(map[string]string{"points": "0,0 1,0 1,1"})
	require.NoError(t, err)
	require.Equal(t, "M0 0L1 0L1 1Z", d)
}
