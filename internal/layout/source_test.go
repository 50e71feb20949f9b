package layout

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/local/vectorprint/internal/svgconvert"
)

type fakeBlobs struct {
	byKey map[string][]byte
}

func (f *fakeBlobs) Get(ctx context.Context, key string) ([]byte, error) {
	data, ok := f.byKey[key]
	if !ok {
		return nil, os.ErrNotExist
	}
	return data, nil
}

type fakeDocs struct {
	byID map[string]string
}

func (f *fakeDocs) BlobKeyFor(ctx context.Context, id string) (string, error) {
	key, ok := f.byID[id]
	if !ok {
		return "", os.ErrNotExist
	}
	return key, nil
}

type fakeConverter struct {
	result svgconvert.Result
}

func (f *fakeConverter) ConvertToPDF(ctx context.Context, job svgconvert.Job) svgconvert.Result {
	if f.result.Success {
		_ = os.WriteFile(job.OutputPath, minimalOnePagePDF(), 0o600)
	}
	return f.result
}

func TestResolveSourceLoadsPDFDirectly(t *testing.T) {
	// A minimal but structurally valid single-page PDF: exercises the
	// header branch and pdfcpu's page count on the fetched bytes.
	blobs := &fakeBlobs{byKey: map[string][]byte{"documents/src/a.pdf": minimalOnePagePDF()}}
	docs := &fakeDocs{byID: map[string]string{}}

	resolved, err := ResolveSource(context.Background(), blobs, docs, &fakeConverter{}, "documents/src/a.pdf")
	require.NoError(t, err)
	require.NotNil(t, resolved)
	require.Equal(t, 1, resolved.PageCount)
}

func TestResolveSourceResolvesDocumentReference(t *testing.T) {
	blobs := &fakeBlobs{byKey: map[string][]byte{"documents/src/real.pdf": minimalOnePagePDF()}}
	docs := &fakeDocs{byID: map[string]string{"doc123": "documents/src/real.pdf"}}

	resolved, err := ResolveSource(context.Background(), blobs, docs, &fakeConverter{}, "document:doc123")
	require.NoError(t, err)
	require.Equal(t, 1, resolved.PageCount)
}

func TestResolveSourceRejectsUnknownType(t *testing.T) {
	blobs := &fakeBlobs{byKey: map[string][]byte{"documents/src/x.bin": []byte("not a pdf or svg")}}
	docs := &fakeDocs{byID: map[string]string{}}

	_, err := ResolveSource(context.Background(), blobs, docs, &fakeConverter{}, "documents/src/x.bin")
	require.Error(t, err)
}

func TestResolveSourceConvertsSVG(t *testing.T) {
	svg := []byte(`<svg viewBox="0 0 100 100"><rect x="0" y="0" width="10" height="10"/></svg>`)
	blobs := &fakeBlobs{byKey: map[string][]byte{"documents/src/a.svg": svg}}
	docs := &fakeDocs{byID: map[string]string{}}
	converter := &fakeConverter{result: svgconvert.Result{Success: true}}

	resolved, err := ResolveSource(context.Background(), blobs, docs, converter, "documents/src/a.svg")
	require.NoError(t, err)
	require.Equal(t, 1, resolved.PageCount)
}

func TestResolveSourceFailsWhenConverterFails(t *testing.T) {
	svg := []byte(`<svg viewBox="0 0 100 100"><rect x="0" y="0" width="10" height="10"/></svg>`)
	blobs := &fakeBlobs{byKey: map[string][]byte{"documents/src/a.svg": svg}}
	docs := &fakeDocs{byID: map[string]string{}}
	converter := &fakeConverter{result: svgconvert.Result{Success: false, Error: "binary not found"}}

	_, err := ResolveSource(context.Background(), blobs, docs, converter, "documents/src/a.svg")
	require.Error(t, err)
}

// minimalOnePagePDF returns the smallest well-formed single-page PDF
// pdfcpu's page counter will parse.
func minimalOnePagePDF() []byte {
	return []byte(`%PDF-1.4
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
xref
0 5
0000000000 65535 f
0000000009 00000 n
0000000058 00000 n
0000000115 00000 n
0000000225 00000 n
trailer
<< /Size 5 /Root 1 0 R >>
startxref
273
%%EOF
`)
}
