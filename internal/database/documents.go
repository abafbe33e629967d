package database

import (
	"context"

	"github.com/grantly/backend/internal/models"
)

// ============================================================================
// PROFILE DOCUMENTS
// ============================================================================

// InsertDocument records an uploaded document's metadata. The bytes live
// in bucket storage under doc.StoragePath.
func (s *Store) InsertDocument(ctx context.Context, doc *models.ProfileDocument) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profile_documents
			(id, user_id, file_name, content_type, size_bytes,
			 storage_path, extracted_text, uploaded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		doc.ID, doc.UserID, doc.FileName, doc.ContentType, doc.SizeBytes,
		doc.StoragePath, doc.ExtractedText, doc.UploadedAt)
	if err != nil {
		return classify(err, "profile document")
	}
	return nil
}

// ListDocuments returns a user's uploads, newest first.
func (s *Store) ListDocuments(ctx context.Context, userID string) ([]*models.ProfileDocument, error) {
	docs := []*models.ProfileDocument{}
	err := s.db.SelectContext(ctx, &docs, `
		SELECT * FROM profile_documents
		WHERE user_id = $1
		ORDER BY uploaded_at DESC`, userID)
	if err != nil {
		return nil, classify(err, "profile document")
	}
	return docs, nil
}
