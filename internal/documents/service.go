// Package documents stores uploaded supporting files: bytes in a Supabase
// storage bucket, a metadata row in Postgres, and text pulled from
// text-born formats embedded into the owner's retrieval namespace so
// drafts can quote from them. Virus scanning happens outside this service,
// between the bucket and anything that serves the bytes back.
package documents

import (
	"bytes"
	"context"
	"io"
	"log"
	"path"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	storage_go "github.com/supabase-community/storage-go"

	"github.com/grantly/backend/internal/apperr"
	"github.com/grantly/backend/internal/models"
)

// BucketClient is the slice of the storage API uploads go through.
// *storage_go.Client satisfies it.
type BucketClient interface {
	UploadFile(bucketID, relativePath string, data io.Reader, opts ...storage_go.FileOptions) (storage_go.FileUploadResponse, error)
}

// MetadataStore persists and lists document rows.
type MetadataStore interface {
	InsertDocument(ctx context.Context, doc *models.ProfileDocument) error
	ListDocuments(ctx context.Context, userID string) ([]*models.ProfileDocument, error)
}

// TextIndexer pushes extracted text into the vector corpus.
type TextIndexer interface {
	IndexText(ctx context.Context, userID, source, text string) (int, error)
}

// Service owns the upload path end to end.
type Service struct {
	objects BucketClient
	bucket  string
	store   MetadataStore
	indexer TextIndexer
	logger  *log.Logger
	now     func() time.Time
}

func NewService(objects BucketClient, bucket string, store MetadataStore, indexer TextIndexer) *Service {
	return &Service{
		objects: objects,
		bucket:  bucket,
		store:   store,
		indexer: indexer,
		logger:  log.New(log.Writer(), "[DOCS] ", log.LstdFlags),
		now:     time.Now,
	}
}

// StoreDocument uploads one file and records it. Text-born formats are
// indexed into the owner's corpus right away; PDF and Word content is
// stored as-is, since extracting it takes tooling this service does not
// carry. An indexing failure degrades to a stored-but-unindexed document
// rather than failing the upload.
func (s *Service) StoreDocument(ctx context.Context, userID, fileName, contentType string, size int64, data io.Reader) (*models.ProfileDocument, error) {
	if s.objects == nil {
		return nil, apperr.Unavailable("document storage", 0)
	}
	payload, err := io.ReadAll(data)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if size > 0 && int64(len(payload)) != size {
		return nil, apperr.Validation("upload size mismatch", map[string]interface{}{
			"declared": size,
			"received": len(payload),
		})
	}

	id := uuid.NewString()
	base := filepath.Base(fileName)
	relative := path.Join(userID, id+"_"+base)

	_, err = s.objects.UploadFile(s.bucket, relative, bytes.NewReader(payload),
		storage_go.FileOptions{ContentType: &contentType})
	if err != nil {
		return nil, apperr.Transient("document storage unavailable", err)
	}

	doc := &models.ProfileDocument{
		ID:          id,
		UserID:      userID,
		FileName:    base,
		ContentType: contentType,
		SizeBytes:   int64(len(payload)),
		StoragePath: s.bucket + "/" + relative,
		UploadedAt:  s.now(),
	}
	if textual(contentType) && utf8.Valid(payload) {
		doc.ExtractedText = string(payload)
	}

	// Insert after the upload: an orphaned object in the bucket is
	// harmless, a row pointing at nothing is not.
	if err := s.store.InsertDocument(ctx, doc); err != nil {
		return nil, err
	}

	if doc.ExtractedText != "" {
		if chunks, err := s.indexer.IndexText(ctx, userID, id, doc.ExtractedText); err != nil {
			s.logger.Printf("⚠️ document %s stored but not indexed: %v", id, err)
		} else {
			s.logger.Printf("📄 document %s: %d chunks added for %s", id, chunks, userID)
		}
	}

	s.logger.Printf("✅ stored %s (%s, %d bytes) for %s", base, contentType, len(payload), userID)
	return doc, nil
}

// ListDocuments returns the caller's uploads, newest first.
func (s *Service) ListDocuments(ctx context.Context, userID string) ([]*models.ProfileDocument, error) {
	return s.store.ListDocuments(ctx, userID)
}

func textual(contentType string) bool {
	return contentType == "text/plain" || contentType == "text/markdown"
}
