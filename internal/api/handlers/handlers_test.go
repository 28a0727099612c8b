package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pharmatrace/backend/internal/storage/models"
)

// fakeExtractor accepts every document except names starting with "invalid"
// and fails extraction for names starting with "incomplete". When gate is
// set, Validate blocks until it is closed.
type fakeExtractor struct {
	gate chan struct{}
}

func (f *fakeExtractor) Validate(ctx context.Context, doc models.Document) (*models.ValidationResult, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if strings.HasPrefix(doc.Name, "invalid") {
		return &models.ValidationResult{IsValid: false, DocumentType: "invoice", Reason: "billing statement"}, nil
	}
	return &models.ValidationResult{IsValid: true, DocumentType: "lab report", Confidence: 0.9}, nil
}

func (f *fakeExtractor) Extract(_ context.Context, doc models.Document) (*models.ExtractionResult, error) {
	if strings.HasPrefix(doc.Name, "incomplete") {
		return &models.ExtractionResult{Status: models.ExtractionIncomplete, Error: "Missing required fields: age"}, nil
	}
	age := 58
	return &models.ExtractionResult{
		Status: models.ExtractionSuccess,
		Data: &models.PatientData{
			Age:             &age,
			Ethnicity:       "Asian",
			Conditions:      []string{"Type 2 Diabetes"},
			LabResults:      map[string]string{"HbA1c": "7.9%"},
			ConfidenceScore: 0.92,
		},
	}, nil
}

func uploadRequest(t *testing.T, path, field string, names ...string) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	for _, name := range names {
		part, err := w.CreateFormFile(field, name)
		require.NoError(t, err)
		_, err = fmt.Fprintf(part, "Patient record %s. Age 58. HbA1c 7.9%%.", name)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func jsonRequest(t *testing.T, method, path string, v any) *http.Request {
	t.Helper()
	var body io.Reader
	if v != nil {
		data, err := json.Marshal(v)
		require.NoError(t, err)
		body = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func fileNames(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s-%03d.txt", prefix, i)
	}
	return out
}
