package layout

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrForbiddenConstruct is returned when a source or watermark SVG
// contains a construct that §4.3 step 2 requires to be fatal.
type ErrForbiddenConstruct struct {
	Construct string
}

func (e *ErrForbiddenConstruct) Error() string {
	return fmt.Sprintf("layout: forbidden SVG construct: %s", e.Construct)
}

var forbiddenPatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"<script>", regexp.MustCompile(`(?i)<\s*script\b`)},
	{"<foreignObject>", regexp.MustCompile(`(?i)<\s*foreignObject\b`)},
	{"<image>", regexp.MustCompile(`(?i)<\s*image\b`)},
	{"<use>", regexp.MustCompile(`(?i)<\s*use\b`)},
	{"href", regexp.MustCompile(`(?i)\bhref\s*=`)},
	{"url(...)", regexp.MustCompile(`(?i)url\s*\(`)},
	{"javascript:", regexp.MustCompile(`(?i)javascript:`)},
	{"data:", regexp.MustCompile(`(?i)data:`)},
	{"on* handler", regexp.MustCompile(`(?i)\bon[a-z]+\s*=`)},
}

// checkForbidden scans raw SVG text for constructs step 2 forbids.
func checkForbidden(src string) error {
	for _, p := range forbiddenPatterns {
		if p.re.MatchString(src) {
			return &ErrForbiddenConstruct{Construct: p.name}
		}
	}
	return nil
}

var (
	viewBoxAttr  = regexp.MustCompile(`(?is)viewBox\s*=\s*"([^"]*)"`)
	widthAttr    = regexp.MustCompile(`(?is)\bwidth\s*=\s*"([^"]*)"`)
	heightAttr   = regexp.MustCompile(`(?is)\bheight\s*=\s*"([^"]*)"`)
	svgOpenTagRe = regexp.MustCompile(`(?is)<svg\b[^>]*>`)
)

// ViewBox is the logical coordinate box declared or derived for an SVG
// document, per §4.3 step 1.
type ViewBox struct {
	X, Y, W, H float64
}

func parseLengthAttr(v string) (float64, error) {
	v = strings.TrimSpace(v)
	v = strings.TrimSuffix(v, "pt")
	return strconv.ParseFloat(strings.TrimSpace(v), 64)
}

// ExtractViewBox implements §4.3 step 1: use the declared viewBox, or
// derive one from width/height (raw numbers or pt units only).
func ExtractViewBox(src []byte) (ViewBox, error) {
	openTag := svgOpenTagRe.FindString(string(src))
	if openTag == "" {
		return ViewBox{}, fmt.Errorf("layout: no <svg> open tag found")
	}

	if m := viewBoxAttr.FindStringSubmatch(openTag); m != nil {
		parts := strings.Fields(m[1])
		if len(parts) != 4 {
			return ViewBox{}, fmt.Errorf("layout: malformed viewBox %q", m[1])
		}
		vals := make([]float64, 4)
		for i, p := range parts {
			f, err := strconv.ParseFloat(p, 64)
			if err != nil {
				return ViewBox{}, fmt.Errorf("layout: malformed viewBox %q", m[1])
			}
			vals[i] = f
		}
		return ViewBox{X: vals[0], Y: vals[1], W: vals[2], H: vals[3]}, nil
	}

	wm := widthAttr.FindStringSubmatch(openTag)
	hm := heightAttr.FindStringSubmatch(openTag)
	if wm == nil || hm == nil {
		return ViewBox{}, fmt.Errorf("layout: SVG missing viewBox and width/height")
	}
	w, err := parseLengthAttr(wm[1])
	if err != nil {
		return ViewBox{}, fmt.Errorf("layout: malformed width %q", wm[1])
	}
	h, err := parseLengthAttr(hm[1])
	if err != nil {
		return ViewBox{}, fmt.Errorf("layout: malformed height %q", hm[1])
	}
	return ViewBox{X: 0, Y: 0, W: w, H: h}, nil
}

const normalizedStyleInject = `<style>*{vector-effect:non-scaling-stroke;}</style>`

// CanonicalizeSVG implements §4.3 steps 1-5: derive the viewBox, reject
// forbidden constructs, inject the non-scaling-stroke style, rewrite the
// open tag canonically, and wrap all children in the A4-normalized root
// group. The external converter (step 6) and post-conversion header
// assertion (step 7) happen outside this function.
func CanonicalizeSVG(src []byte) ([]byte, error) {
	text := string(src)

	if err := checkForbidden(text); err != nil {
		return nil, err
	}

	vb, err := ExtractViewBox(src)
	if err != nil {
		return nil, err
	}
	if vb.W <= 0 || vb.H <= 0 {
		return nil, fmt.Errorf("layout: SVG viewBox has non-positive dimension")
	}

	openLoc := svgOpenTagRe.FindStringIndex(text)
	if openLoc == nil {
		return nil, fmt.Errorf("layout: no <svg> open tag found")
	}
	closeIdx := strings.LastIndex(text, "</svg>")
	if closeIdx < 0 {
		return nil, fmt.Errorf("layout: no </svg> close tag found")
	}
	children := text[openLoc[1]:closeIdx]

	scale := minFloat(A4WidthPt/vb.W, A4HeightPt/vb.H)
	tx := -vb.X*scale + (A4WidthPt-vb.W*scale)/2
	ty := -vb.Y*scale + (A4HeightPt-vb.H*scale)/2

	canonicalOpen := fmt.Sprintf(
		`<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 %s %s" width="%spt" height="%spt">`,
		trimFloat(A4WidthPt), trimFloat(A4HeightPt), trimFloat(A4WidthPt), trimFloat(A4HeightPt),
	)

	var out bytes.Buffer
	out.WriteString(canonicalOpen)
	out.WriteString(normalizedStyleInject)
	fmt.Fprintf(&out, `<g id="A4_NORMALIZED_ROOT" transform="translate(%s %s) scale(%s)">`,
		trimFloat(tx), trimFloat(ty), trimFloat(scale))
	out.WriteString(children)
	out.WriteString("</g></svg>")

	return out.Bytes(), nil
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func trimFloat(v float64) string {
	return strconv.FormatFloat(snap(v), 'f', -1, 64)
}

// shapeToPathConverters maps a shape element name to a function
// producing its path `d=` equivalent from its attribute map, per the
// watermark-SVG sanitization rule in §4.3.
var shapeToPathConverters = map[string]func(attrs map[string]string) (string, error){
	"rect":     rectToPath,
	"circle":   circleToPath,
	"ellipse":  ellipseToPath,
	"line":     lineToPath,
	"polyline": polylineToPath,
	"polygon":  polygonToPath,
}

var pathAttrWhitelist = map[string]bool{
	"d": true, "fill": true, "fill-opacity": true, "stroke": true,
	"stroke-opacity": true, "stroke-width": true, "stroke-linecap": true,
	"stroke-linejoin": true, "stroke-dasharray": true, "stroke-dashoffset": true,
	"opacity": true,
}

func attrFloat(attrs map[string]string, name string, def float64) float64 {
	v, ok := attrs[name]
	if !ok || v == "" {
		return def
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return def
	}
	return f
}

func rectToPath(attrs map[string]string) (string, error) {
	x := attrFloat(attrs, "x", 0)
	y := attrFloat(attrs, "y", 0)
	w := attrFloat(attrs, "width", 0)
	h := attrFloat(attrs, "height", 0)
	if w <= 0 || h <= 0 {
		return "", fmt.Errorf("layout: rect missing width/height")
	}
	return fmt.Sprintf("M%g %gH%gV%gH%gZ", x, y, x+w, y+h, x), nil
}

func circleToPath(attrs map[string]string) (string, error) {
	cx := attrFloat(attrs, "cx", 0)
	cy := attrFloat(attrs, "cy", 0)
	r := attrFloat(attrs, "r", 0)
	if r <= 0 {
		return "", fmt.Errorf("layout: circle missing r")
	}
	return fmt.Sprintf("M%g %gA%g %g 0 1 0 %g %gA%g %g 0 1 0 %g %gZ",
		cx-r, cy, r, r, cx+r, cy, r, r, cx-r, cy), nil
}

func ellipseToPath(attrs map[string]string) (string, error) {
	cx := attrFloat(attrs, "cx", 0)
	cy := attrFloat(attrs, "cy", 0)
	rx := attrFloat(attrs, "rx", 0)
	ry := attrFloat(attrs, "ry", 0)
	if rx <= 0 || ry <= 0 {
		return "", fmt.Errorf("layout: ellipse missing rx/ry")
	}
	return fmt.Sprintf("M%g %gA%g %g 0 1 0 %g %gA%g %g 0 1 0 %g %gZ",
		cx-rx, cy, rx, ry, cx+rx, cy, rx, ry, cx-rx, cy), nil
}

func lineToPath(attrs map[string]string) (string, error) {
	return fmt.Sprintf("M%g %gL%g %g",
		attrFloat(attrs, "x1", 0), attrFloat(attrs, "y1", 0),
		attrFloat(attrs, "x2", 0), attrFloat(attrs, "y2", 0)), nil
}

func pointsToPath(points string, closed bool) (string, error) {
	fields := strings.FieldsFunc(points, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\t'
	})
	if len(fields) < 4 || len(fields)%2 != 0 {
		return "", fmt.Errorf("layout: malformed points list %q", points)
	}
	var b strings.Builder
	for i := 0; i < len(fields); i += 2 {
		if i == 0 {
			fmt.Fprintf(&b, "M%s %s", fields[i], fields[i+1])
		} else {
			fmt.Fprintf(&b, "L%s %s", fields[i], fields[i+1])
		}
	}
	if closed {
		b.WriteString("Z")
	}
	return b.String(), nil
}

func polylineToPath(attrs map[string]string) (string, error) {
	return pointsToPath(attrs["points"], false)
}

func polygonToPath(attrs map[string]string) (string, error) {
	return pointsToPath(attrs["points"], true)
}

// SanitizeWatermarkSVG implements the stricter watermark-SVG rule: shape
// primitives are converted to path-equivalents, only a whitelisted set
// of path attributes survives, and CSS classes are inlined onto the
// elements they target. The result is a flat sequence of <path>
// elements with no nested structure.
func SanitizeWatermarkSVG(src []byte) ([]byte, error) {
	text := string(src)
	if err := checkForbidden(text); err != nil {
		return nil, err
	}

	classStyles := extractStyleClasses(text)

	dec := xml.NewDecoder(bytes.NewReader(src))
	var paths []string
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		name := start.Name.Local
		if name == "svg" || name == "g" || name == "style" {
			continue
		}

		attrs := make(map[string]string, len(start.Attr))
		for _, a := range start.Attr {
			attrs[a.Name.Local] = a.Value
		}
		if class, ok := attrs["class"]; ok {
			for _, inline := range classDeclarations(classStyles, class) {
				mergeDecl(attrs, inline)
			}
		}
		if style, ok := attrs["style"]; ok {
			mergeDecl(attrs, style)
		}

		var d string
		if name == "path" {
			d = attrs["d"]
		} else {
			convert, ok := shapeToPathConverters[name]
			if !ok {
				continue
			}
			var err error
			d, err = convert(attrs)
			if err != nil {
				return nil, err
			}
		}
		if d == "" {
			return nil, fmt.Errorf("layout: watermark element %q has no path data", name)
		}

		paths = append(paths, renderPathElement(d, attrs))
	}

	var out bytes.Buffer
	out.WriteString(`<g>`)
	for _, p := range paths {
		out.WriteString(p)
	}
	out.WriteString(`</g>`)
	return out.Bytes(), nil
}

func renderPathElement(d string, attrs map[string]string) string {
	var b strings.Builder
	b.WriteString(`<path d="`)
	b.WriteString(xmlEscape(d))
	b.WriteString(`"`)
	for _, name := range []string{
		"fill", "fill-opacity", "stroke", "stroke-opacity", "stroke-width",
		"stroke-linecap", "stroke-linejoin", "stroke-dasharray",
		"stroke-dashoffset", "opacity",
	} {
		if !pathAttrWhitelist[name] {
			continue
		}
		if v, ok := attrs[name]; ok && v != "" {
			fmt.Fprintf(&b, ` %s="%s"`, name, xmlEscape(v))
		}
	}
	b.WriteString(`/>`)
	return b.String()
}

func xmlEscape(s string) string {
	var b bytes.Buffer
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}

var (
	styleBlockRe = regexp.MustCompile(`(?is)<style[^>]*>(.*?)</style>`)
	classRuleRe  = regexp.MustCompile(`(?s)\.([A-Za-z0-9_-]+)\s*\{([^}]*)\}`)
)

// extractStyleClasses parses <style> blocks into a className -> raw
// declaration-list map, for inlining onto matching elements.
func extractStyleClasses(text string) map[string]string {
	classes := make(map[string]string)
	for _, blockMatch := range styleBlockRe.FindAllStringSubmatch(text, -1) {
		for _, rule := range classRuleRe.FindAllStringSubmatch(blockMatch[1], -1) {
			classes[rule[1]] = rule[2]
		}
	}
	return classes
}

func classDeclarations(classes map[string]string, classAttr string) []string {
	var decls []string
	for _, name := range strings.Fields(classAttr) {
		if d, ok := classes[name]; ok {
			decls = append(decls, d)
		}
	}
	return decls
}

// mergeDecl parses a "prop: value; prop2: value2" declaration list and
// merges it into attrs, presentation-attribute style, without
// overwriting an attribute already set directly on the element.
func mergeDecl(attrs map[string]string, decl string) {
	for _, rule := range strings.Split(decl, ";") {
		parts := strings.SplitN(rule, ":", 2)
		if len(parts) != 2 {
			continue
		}
		k := strings.TrimSpace(parts[0])
		v := strings.TrimSpace(parts[1])
		if k == "" || v == "" {
			continue
		}
		if _, exists := attrs[k]; !exists {
			attrs[k] = v
		}
	}
}
