package metadata

import (
	"fmt"
	"math"
	"regexp"
)

// ValidationIssue names one schema or bounds violation.
type ValidationIssue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError wraps the structured issue list returned to admission
// callers; never enqueued.
type ValidationError struct {
	Issues []ValidationIssue
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "validation failed"
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Issues[0].Field, e.Issues[0].Message)
}

var colorPattern = regexp.MustCompile(`^#(?:[0-9A-Fa-f]{3}|[0-9A-Fa-f]{6})$|^rgb\(\s*\d{1,3}\s*,\s*\d{1,3}\s*,\s*\d{1,3}\s*\)$`)

var namedColors = map[string]bool{
	"black": true, "white": true, "red": true, "green": true, "blue": true,
	"gray": true, "grey": true, "yellow": true, "orange": true,
}

func validColor(c string) bool {
	if c == "" {
		return true
	}
	if colorPattern.MatchString(c) {
		return true
	}
	return namedColors[c]
}

// Validate checks schema and bounds shared between the layout engine and
// pre-admission (spec §4.3 "Validation" plus "Constants"). It does not
// apply the enqueue-time additional bounds; see ValidateForEnqueue.
func Validate(m VectorMetadata) []ValidationIssue {
	var issues []ValidationIssue
	add := func(field, msg string) {
		issues = append(issues, ValidationIssue{Field: field, Message: msg})
	}

	if m.SourcePDFKey == "" {
		add("sourcePdfKey", "required")
	}

	tc := m.TicketCrop
	if tc.PageIndex < 0 {
		add("ticketCrop.pageIndex", "must be >= 0")
	}
	if tc.XRatio < 0 || tc.XRatio >= 1 || math.IsNaN(tc.XRatio) {
		add("ticketCrop.xRatio", "must be in [0,1)")
	}
	if tc.YRatio < 0 || tc.YRatio >= 1 || math.IsNaN(tc.YRatio) {
		add("ticketCrop.yRatio", "must be in [0,1)")
	}
	if tc.WidthRatio <= 0 || tc.WidthRatio > 1 || math.IsNaN(tc.WidthRatio) {
		add("ticketCrop.widthRatio", "must be in (0,1]")
	}
	if tc.HeightRatio <= 0 || tc.HeightRatio > 1 || math.IsNaN(tc.HeightRatio) {
		add("ticketCrop.heightRatio", "must be in (0,1]")
	}

	lay := m.Layout
	if lay.PageSize != "A4" {
		add("layout.pageSize", "only A4 is supported")
	}
	if lay.TotalPages < 1 || lay.TotalPages > 100000 {
		add("layout.totalPages", "must be in [1,100000]")
	}
	if lay.RepeatPerPage < 1 || lay.RepeatPerPage > 16 {
		add("layout.repeatPerPage", "must be in [1,16]")
	}
	if lay.SlotSpacingPt < 0 {
		add("layout.slotSpacingPt", "must be >= 0")
	}

	for i, s := range m.Series {
		field := fmt.Sprintf("series[%d]", i)
		if s.Step < 1 {
			add(field+".step", "must be >= 1")
		}
		if s.FontSize < 6 || s.FontSize > 72 {
			add(field+".fontSize", "must be in [6,72]")
		}
		if s.PadLength < 0 {
			add(field+".padLength", "must be >= 0")
		}
		if !validColor(s.Color) {
			add(field+".color", "must be hex, rgb(), or a named color")
		}
		if len(s.Slots) != 1 && len(s.Slots) != lay.RepeatPerPage {
			add(field+".slots", "length must be 1 or layout.repeatPerPage")
		}
	}

	for i, w := range m.Watermarks {
		field := fmt.Sprintf("watermarks[%d]", i)
		if w.Type != WatermarkText && w.Type != WatermarkSVG {
			add(field+".type", "must be text or svg")
		}
		if w.Opacity < 0 || w.Opacity > 1 || math.IsNaN(w.Opacity) {
			add(field+".opacity", "must be in [0,1]")
		}
		if math.IsNaN(w.Rotate) || math.IsInf(w.Rotate, 0) {
			add(field+".rotate", "must be finite")
		}
		if math.IsNaN(w.Position.X) || math.IsInf(w.Position.X, 0) {
			add(field+".position.x", "must be finite")
		}
		if math.IsNaN(w.Position.Y) || math.IsInf(w.Position.Y, 0) {
			add(field+".position.y", "must be finite")
		}
		if !validColor(w.Color) {
			add(field+".color", "must be hex, rgb(), or a named color")
		}
	}

	return issues
}

// ValidateForEnqueue runs Validate plus the additional bounds applied
// only at admission time (spec §4.3 "Enqueue-time additional bounds").
func ValidateForEnqueue(m VectorMetadata, maxPages int, maxSeriesEnd int64) []ValidationIssue {
	issues := Validate(m)
	add := func(field, msg string) {
		issues = append(issues, ValidationIssue{Field: field, Message: msg})
	}

	if m.Layout.TotalPages > maxPages {
		add("layout.totalPages", fmt.Sprintf("must be <= %d", maxPages))
	}
	if m.ColorMode != "" && m.ColorMode != ColorRGB && m.ColorMode != ColorCMYK {
		add("colorMode", "must be RGB or CMYK")
	}

	for i, s := range m.Series {
		field := fmt.Sprintf("series[%d]", i)
		count := int64(m.Layout.TotalPages) * int64(m.Layout.RepeatPerPage)
		if count <= 0 {
			continue
		}
		end := s.Start + (count-1)*s.Step
		if end > maxSeriesEnd {
			add(field+".start/step", fmt.Sprintf("arithmetic end %d exceeds VECTOR_MAX_SERIES_END %d", end, maxSeriesEnd))
		}
	}

	return issues
}
