package uploads

import (
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_SaveReadRemove(t *testing.T) {
	fs := afero.NewMemMapFs()
	store, err := NewStore(fs, "/uploads", nil)
	require.NoError(t, err)

	doc, err := store.Save("lab results (1).PDF", strings.NewReader("%PDF-1.4 body"))
	require.NoError(t, err)
	assert.Equal(t, "lab results (1).PDF", doc.Name)
	assert.Equal(t, "application/pdf", doc.MIMEType)
	assert.Equal(t, int64(13), doc.Size)
	assert.True(t, strings.HasPrefix(doc.Path, "/uploads/"))
	assert.NotContains(t, doc.Path, " ")

	data, err := store.Read(doc.Path)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4 body", string(data))

	require.NoError(t, store.Remove(doc.Path))
	exists, err := afero.Exists(fs, doc.Path)
	require.NoError(t, err)
	assert.False(t, exists)

	// Releasing twice is harmless.
	assert.NoError(t, store.Remove(doc.Path))
}

func TestStore_SameNameDoesNotCollide(t *testing.T) {
	store, err := NewStore(afero.NewMemMapFs(), "/uploads", nil)
	require.NoError(t, err)

	a, err := store.Save("record.txt", strings.NewReader("a"))
	require.NoError(t, err)
	b, err := store.Save("record.txt", strings.NewReader("b"))
	require.NoError(t, err)

	assert.NotEqual(t, a.Path, b.Path)
}

func TestHasAllowedExtension(t *testing.T) {
	allowed := []string{"pdf", ".txt", "html"}

	assert.True(t, HasAllowedExtension("scan.PDF", allowed))
	assert.True(t, HasAllowedExtension("notes.txt", allowed))
	assert.False(t, HasAllowedExtension("photo.jpg", allowed))
	assert.False(t, HasAllowedExtension("README", allowed))
	assert.Equal(t, "text/html", MIMEType("visit.htm"))
}
