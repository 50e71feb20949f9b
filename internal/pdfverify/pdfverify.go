// Package pdfverify double-checks a merged artifact's page count with a
// PDF reader independent of pdfcpu, the library that produced it —
// catching a silent merge defect pdfcpu itself would not surface.
package pdfverify

import (
	"os"

	fitz "github.com/gen2brain/go-fitz"
)

// PageCount opens data with go-fitz (MuPDF bindings) and returns its
// page count, adapted from the teacher's GoFitzExtractor.GetPageCount:
// go-fitz opens by path, so the artifact is spooled to a scratch file
// first, the same way the teacher's fitzOpener always worked from a
// path rather than a buffer.
func PageCount(data []byte) (int, error) {
	f, err := os.CreateTemp("", "vectorprint-verify-*.pdf")
	if err != nil {
		return 0, err
	}
	path := f.Name()
	defer os.Remove(path)

	if _, err := f.Write(data); err != nil {
		f.Close()
		return 0, err
	}
	if err := f.Close(); err != nil {
		return 0, err
	}

	doc, err := fitz.New(path)
	if err != nil {
		return 0, err
	}
	defer doc.Close()
	return doc.NumPage(), nil
}
