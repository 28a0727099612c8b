package validation

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func multipartRequest(t *testing.T, field string, names ...string) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	for _, name := range names {
		part, err := w.CreateFormFile(field, name)
		require.NoError(t, err)
		_, err = part.Write([]byte("Patient age: 50"))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func newApp(cfg Config) *fiber.App {
	app := fiber.New()
	app.Post("/upload", UploadMiddleware(cfg), func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"files": len(Files(c))})
	})
	return app
}

func names(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("record-%03d.txt", i)
	}
	return out
}

func TestUploadMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		files      []string
		wantStatus int
		wantBody   string
	}{
		{name: "accepted", files: []string{"a.pdf", "b.TXT", "c.html"}, wantStatus: fiber.StatusOK, wantBody: `{"files":3}`},
		{name: "no files", files: nil, wantStatus: fiber.StatusBadRequest, wantBody: "At least 1 file"},
		{name: "too many files", files: names(6), wantStatus: fiber.StatusBadRequest, wantBody: "Maximum 5 files"},
		{name: "unsupported extension", files: []string{"a.pdf", "scan.docx"}, wantStatus: fiber.StatusBadRequest, wantBody: "scan.docx"},
		{name: "no extension", files: []string{"README"}, wantStatus: fiber.StatusBadRequest, wantBody: "unsupported type"},
	}

	app := newApp(Config{MaxFiles: 5})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := app.Test(multipartRequest(t, "files", tt.files...))
			require.NoError(t, err)
			defer resp.Body.Close()

			body, _ := io.ReadAll(resp.Body)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Contains(t, string(body), tt.wantBody)
		})
	}
}

func TestUploadMiddleware_RejectsNonMultipart(t *testing.T) {
	app := newApp(Config{})

	req := httptest.NewRequest(http.MethodPost, "/upload", bytes.NewBufferString(`{"files": []}`))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnsupportedMediaType, resp.StatusCode)
}

func TestUploadMiddleware_FileSizeLimit(t *testing.T) {
	app := newApp(Config{MaxFileSize: 4})

	resp, err := app.Test(multipartRequest(t, "files", "big.txt"))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestUploadMiddleware_SingleFileField(t *testing.T) {
	app := fiber.New()
	app.Post("/upload", UploadMiddleware(Config{Field: "file", MaxFiles: 1}), func(c *fiber.Ctx) error {
		return c.SendString(Files(c)[0].Filename)
	})

	resp, err := app.Test(multipartRequest(t, "file", "record.pdf"))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "record.pdf", string(body))

	resp, err = app.Test(multipartRequest(t, "file", "a.pdf", "b.pdf"))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}
