package documents

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	storage_go "github.com/supabase-community/storage-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grantly/backend/internal/apperr"
	"github.com/grantly/backend/internal/models"
)

type upload struct {
	bucket      string
	path        string
	data        []byte
	contentType string
}

type fakeBucket struct {
	uploads []upload
	err     error
}

func (f *fakeBucket) UploadFile(bucketID, relativePath string, data io.Reader, opts ...storage_go.FileOptions) (storage_go.FileUploadResponse, error) {
	if f.err != nil {
		return storage_go.FileUploadResponse{}, f.err
	}
	payload, err := io.ReadAll(data)
	if err != nil {
		return storage_go.FileUploadResponse{}, err
	}
	up := upload{bucket: bucketID, path: relativePath, data: payload}
	if len(opts) > 0 && opts[0].ContentType != nil {
		up.contentType = *opts[0].ContentType
	}
	f.uploads = append(f.uploads, up)
	return storage_go.FileUploadResponse{}, nil
}

type fakeMeta struct {
	rows      []*models.ProfileDocument
	insertErr error
}

func (f *fakeMeta) InsertDocument(_ context.Context, doc *models.ProfileDocument) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.rows = append(f.rows, doc)
	return nil
}

func (f *fakeMeta) ListDocuments(context.Context, string) ([]*models.ProfileDocument, error) {
	return f.rows, nil
}

type fakeTextIndexer struct {
	sources []string
	texts   []string
	err     error
}

func (f *fakeTextIndexer) IndexText(_ context.Context, _, source, text string) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.sources = append(f.sources, source)
	f.texts = append(f.texts, text)
	return 2, nil
}

func newTestService() (*Service, *fakeBucket, *fakeMeta, *fakeTextIndexer) {
	bucket := &fakeBucket{}
	meta := &fakeMeta{}
	indexer := &fakeTextIndexer{}
	return NewService(bucket, "profile-documents", meta, indexer), bucket, meta, indexer
}

func TestStoreDocumentUploadsRecordsAndIndexes(t *testing.T) {
	svc, bucket, meta, indexer := newTestService()
	body := "We train rural teachers in robotics and cover travel stipends."

	doc, err := svc.StoreDocument(context.Background(), "u1", "notes.txt", "text/plain",
		int64(len(body)), strings.NewReader(body))

	require.NoError(t, err)
	require.NotEmpty(t, doc.ID)

	require.Len(t, bucket.uploads, 1)
	up := bucket.uploads[0]
	assert.Equal(t, "profile-documents", up.bucket)
	assert.Equal(t, "u1/"+doc.ID+"_notes.txt", up.path)
	assert.Equal(t, []byte(body), up.data)
	assert.Equal(t, "text/plain", up.contentType)

	require.Len(t, meta.rows, 1)
	row := meta.rows[0]
	assert.Equal(t, "notes.txt", row.FileName)
	assert.Equal(t, int64(len(body)), row.SizeBytes)
	assert.Equal(t, "profile-documents/u1/"+doc.ID+"_notes.txt", row.StoragePath)
	assert.Equal(t, body, row.ExtractedText)

	assert.Equal(t, []string{doc.ID}, indexer.sources)
	assert.Equal(t, []string{body}, indexer.texts)
}

func TestStoreDocumentSkipsIndexingBinaryTypes(t *testing.T) {
	svc, _, meta, indexer := newTestService()
	body := "%PDF-1.7 pretend"

	doc, err := svc.StoreDocument(context.Background(), "u1", "deck.pdf", "application/pdf",
		int64(len(body)), strings.NewReader(body))

	require.NoError(t, err)
	assert.Empty(t, doc.ExtractedText)
	assert.Empty(t, indexer.sources)
	require.Len(t, meta.rows, 1)
	assert.Empty(t, meta.rows[0].ExtractedText)
}

func TestStoreDocumentSkipsIndexingInvalidUTF8(t *testing.T) {
	svc, _, _, indexer := newTestService()
	body := []byte{0xff, 0xfe, 0x00, 0x01}

	doc, err := svc.StoreDocument(context.Background(), "u1", "garbled.txt", "text/plain",
		int64(len(body)), bytes.NewReader(body))

	require.NoError(t, err)
	assert.Empty(t, doc.ExtractedText)
	assert.Empty(t, indexer.sources)
}

func TestStoreDocumentSurvivesIndexingFailure(t *testing.T) {
	svc, _, meta, indexer := newTestService()
	indexer.err = errors.New("embedding provider down")

	doc, err := svc.StoreDocument(context.Background(), "u1", "notes.md", "text/markdown",
		0, strings.NewReader("## Goals"))

	require.NoError(t, err)
	assert.NotEmpty(t, doc.ExtractedText)
	require.Len(t, meta.rows, 1, "document must be stored even when indexing fails")
}

func TestStoreDocumentStorageFailureIsTransient(t *testing.T) {
	svc, bucket, meta, _ := newTestService()
	bucket.err = errors.New("bucket unreachable")

	_, err := svc.StoreDocument(context.Background(), "u1", "notes.txt", "text/plain",
		0, strings.NewReader("hello"))

	require.Error(t, err)
	assert.True(t, apperr.IsTransient(err))
	assert.Empty(t, meta.rows, "no metadata row without stored bytes")
}

func TestStoreDocumentRejectsSizeMismatch(t *testing.T) {
	svc, bucket, _, _ := newTestService()

	_, err := svc.StoreDocument(context.Background(), "u1", "notes.txt", "text/plain",
		999, strings.NewReader("short"))

	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.Empty(t, bucket.uploads)
}

func TestStoreDocumentStripsDirectoryFromName(t *testing.T) {
	svc, bucket, _, _ := newTestService()

	doc, err := svc.StoreDocument(context.Background(), "u1", "../../etc/passwd", "text/plain",
		0, strings.NewReader("x"))

	require.NoError(t, err)
	assert.Equal(t, "passwd", doc.FileName)
	assert.Equal(t, "u1/"+doc.ID+"_passwd", bucket.uploads[0].path)
}

func TestListDocumentsDelegates(t *testing.T) {
	svc, _, meta, _ := newTestService()
	meta.rows = []*models.ProfileDocument{{ID: "d1", UserID: "u1", FileName: "a.txt"}}

	docs, err := svc.ListDocuments(context.Background(), "u1")

	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "d1", docs[0].ID)
}
