package handlers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grantly/backend/internal/models"
)

type storedUpload struct {
	userID      string
	fileName    string
	contentType string
	size        int64
	data        []byte
}

type fakeDocService struct {
	docs     []*models.ProfileDocument
	uploads  []storedUpload
	storeErr error
}

func (f *fakeDocService) StoreDocument(ctx context.Context, userID, fileName, contentType string, size int64, data io.Reader) (*models.ProfileDocument, error) {
	if f.storeErr != nil {
		return nil, f.storeErr
	}
	raw, err := io.ReadAll(data)
	if err != nil {
		return nil, err
	}
	f.uploads = append(f.uploads, storedUpload{userID, fileName, contentType, size, raw})
	return &models.ProfileDocument{
		ID:          "doc-1",
		UserID:      userID,
		FileName:    fileName,
		ContentType: contentType,
		SizeBytes:   size,
		StoragePath: "profile-documents/" + userID + "/doc-1",
		UploadedAt:  time.Now(),
	}, nil
}

func (f *fakeDocService) ListDocuments(ctx context.Context, userID string) ([]*models.ProfileDocument, error) {
	return f.docs, nil
}

// multipartUpload builds a form request with one file part carrying an
// explicit content type.
func multipartUpload(t *testing.T, filename, contentType string, data []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	part, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Disposition": {fmt.Sprintf(`form-data; name="file"; filename=%q`, filename)},
		"Content-Type":        {contentType},
	})
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/business-profile/documents", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestUploadDocumentStoresFile(t *testing.T) {
	svc := &fakeDocService{}
	h := HandleUploadDocument(svc)

	req := authed(multipartUpload(t, "pitch-deck.pdf", "application/pdf", []byte("%PDF-1.7 fake")), "u1")
	rec := httptest.NewRecorder()
	h(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Len(t, svc.uploads, 1)
	up := svc.uploads[0]
	assert.Equal(t, "u1", up.userID)
	assert.Equal(t, "pitch-deck.pdf", up.fileName)
	assert.Equal(t, "application/pdf", up.contentType)
	assert.Equal(t, []byte("%PDF-1.7 fake"), up.data)

	body := decodeBody(t, rec)
	assert.Equal(t, "doc-1", body["id"])
	assert.Contains(t, body["storage_path"], "profile-documents/u1/")
}

func TestUploadDocumentStripsMediaTypeParameters(t *testing.T) {
	svc := &fakeDocService{}
	h := HandleUploadDocument(svc)

	req := authed(multipartUpload(t, "notes.txt", "text/plain; charset=utf-8", []byte("notes")), "u1")
	rec := httptest.NewRecorder()
	h(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, svc.uploads, 1)
	assert.Equal(t, "text/plain", svc.uploads[0].contentType)
}

func TestUploadDocumentRejectsUnsupportedType(t *testing.T) {
	svc := &fakeDocService{}
	h := HandleUploadDocument(svc)

	req := authed(multipartUpload(t, "payload.zip", "application/zip", []byte("PK")), "u1")
	rec := httptest.NewRecorder()
	h(rec, req)

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	env := errorEnvelope(t, rec)
	assert.Equal(t, "VALIDATION", env["error"])
	assert.Contains(t, env["message"], "application/zip")
	details, ok := env["details"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, details, "allowed")
	assert.Empty(t, svc.uploads, "rejected uploads never reach storage")
}

func TestUploadDocumentRequiresFilePart(t *testing.T) {
	h := HandleUploadDocument(&fakeDocService{})

	req := authed(httptest.NewRequest(http.MethodPost, "/api/business-profile/documents",
		bytes.NewReader([]byte("not a form"))), "u1")
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestListDocumentsReturnsMetadata(t *testing.T) {
	svc := &fakeDocService{docs: []*models.ProfileDocument{
		{ID: "doc-1", UserID: "u1", FileName: "pitch-deck.pdf"},
		{ID: "doc-2", UserID: "u1", FileName: "annual-report.pdf"},
	}}
	h := HandleListDocuments(svc)

	rec := httptest.NewRecorder()
	h(rec, authed(httptest.NewRequest(http.MethodGet, "/api/business-profile/documents", nil), "u1"))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, decodeBody(t, rec)["count"])
}
