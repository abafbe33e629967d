package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	"github.com/grantly/backend/internal/apperr"
	"github.com/grantly/backend/internal/auth"
	"github.com/grantly/backend/internal/models"
)

// maxUploadBytes caps profile document uploads at 50MB.
const maxUploadBytes = 50 << 20

// Document types we can extract text from. Everything else is rejected
// before touching storage.
var allowedDocumentTypes = map[string]bool{
	"application/pdf":    true,
	"text/plain":         true,
	"text/markdown":      true,
	"application/msword": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
}

// DocumentService stores an uploaded profile document and lists prior
// uploads.
type DocumentService interface {
	StoreDocument(ctx context.Context, userID, fileName, contentType string, size int64, data io.Reader) (*models.ProfileDocument, error)
	ListDocuments(ctx context.Context, userID string) ([]*models.ProfileDocument, error)
}

// HandleUploadDocument serves POST /api/business-profile/documents as a
// multipart form with a single "file" part.
func HandleUploadDocument(svc DocumentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := auth.IdentityFrom(r.Context())
		if err != nil {
			apperr.WriteError(w, r, err)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
		file, header, err := r.FormFile("file")
		if err != nil {
			var tooBig *http.MaxBytesError
			if errors.As(err, &tooBig) {
				apperr.WriteError(w, r, apperr.Validation("file exceeds the 50MB upload limit", nil))
				return
			}
			apperr.WriteError(w, r, apperr.Validation("a multipart form with a \"file\" part is required", map[string]interface{}{
				"form": err.Error(),
			}))
			return
		}
		defer file.Close()

		contentType, _, err := mime.ParseMediaType(header.Header.Get("Content-Type"))
		if err != nil || !allowedDocumentTypes[contentType] {
			apperr.WriteError(w, r, apperr.Validation(
				fmt.Sprintf("unsupported document type %q", header.Header.Get("Content-Type")),
				map[string]interface{}{"allowed": documentTypeList()}))
			return
		}
		if header.Filename == "" {
			apperr.WriteError(w, r, apperr.Validation("uploaded file has no name", nil))
			return
		}

		doc, err := svc.StoreDocument(r.Context(), id.UserID, header.Filename, contentType, header.Size, file)
		if err != nil {
			apperr.WriteError(w, r, err)
			return
		}
		respond(w, http.StatusCreated, doc)
	}
}

// HandleListDocuments serves GET /api/business-profile/documents.
func HandleListDocuments(svc DocumentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := auth.IdentityFrom(r.Context())
		if err != nil {
			apperr.WriteError(w, r, err)
			return
		}

		docs, err := svc.ListDocuments(r.Context(), id.UserID)
		if err != nil {
			apperr.WriteError(w, r, err)
			return
		}
		respond(w, http.StatusOK, map[string]interface{}{
			"documents": docs,
			"count":     len(docs),
		})
	}
}

func documentTypeList() []string {
	out := make([]string, 0, len(allowedDocumentTypes))
	for t := range allowedDocumentTypes {
		out = append(out, t)
	}
	return out
}
