package ingestion

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pharmatrace/backend/internal/storage/models"
)

type mapReader map[string][]byte

func (m mapReader) Read(path string) ([]byte, error) {
	data, ok := m[path]
	if !ok {
		return nil, errors.New("missing")
	}
	return data, nil
}

const visitHTML = `<html><head><title>Visit Summary</title><script>track()</script></head>
<body><nav>Home | Patients</nav>
<h1>Patient Record</h1>
<table><tr><td>Age</td><td>61</td></tr><tr><td>HbA1c</td><td>7.9%</td></tr></table>
<footer>Clinic footer</footer></body></html>`

func TestCleanHTML(t *testing.T) {
	text := CleanHTML([]byte(visitHTML))

	assert.Contains(t, text, "Age 61")
	assert.Contains(t, text, "HbA1c 7.9%")
	assert.NotContains(t, text, "track()")
	assert.NotContains(t, text, "Clinic footer")
	assert.NotContains(t, text, "  ")
	assert.Equal(t, "Visit Summary", ExtractTitle([]byte(visitHTML)))
}

func TestPreparer_ByMIMEType(t *testing.T) {
	files := mapReader{
		"/u/a.html": []byte(visitHTML),
		"/u/b.txt":  []byte("  Age: 44\nConditions: asthma  "),
		"/u/c.pdf":  []byte("%PDF-1.7"),
		"/u/empty":  {},
	}
	p := NewPreparer(files, 0, nil)

	html, err := p.Prepare(models.Document{Name: "a.html", Path: "/u/a.html", MIMEType: "text/html"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(html.Text, "Visit Summary"))
	assert.Nil(t, html.Data)

	txt, err := p.Prepare(models.Document{Name: "b.txt", Path: "/u/b.txt", MIMEType: "text/plain"})
	require.NoError(t, err)
	assert.Equal(t, "Age: 44\nConditions: asthma", txt.Text)

	pdf, err := p.Prepare(models.Document{Name: "c.pdf", Path: "/u/c.pdf", MIMEType: "application/pdf"})
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-1.7"), pdf.Data)
	assert.Empty(t, pdf.Text)

	_, err = p.Prepare(models.Document{Name: "empty", Path: "/u/empty"})
	assert.Error(t, err)

	_, err = p.Prepare(models.Document{Name: "gone.pdf", Path: "/u/gone.pdf"})
	assert.Error(t, err)
}

func TestPreparer_TruncatesLongText(t *testing.T) {
	files := mapReader{"/u/long.txt": []byte(strings.Repeat("é", 100))}
	p := NewPreparer(files, 51, nil)

	att, err := p.Prepare(models.Document{Name: "long.txt", Path: "/u/long.txt", MIMEType: "text/plain"})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(att.Text), 51)
	assert.True(t, strings.HasSuffix(att.Text, "é"))
}
