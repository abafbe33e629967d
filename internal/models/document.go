package models

import "time"

// ProfileDocument is one uploaded supporting file (pitch deck, annual
// report, past application). The object itself lives in bucket storage;
// this row carries the metadata and any text pulled out for retrieval.
type ProfileDocument struct {
	ID            string    `json:"id" db:"id"`
	UserID        string    `json:"user_id" db:"user_id"`
	FileName      string    `json:"file_name" db:"file_name"`
	ContentType   string    `json:"content_type" db:"content_type"`
	SizeBytes     int64     `json:"size_bytes" db:"size_bytes"`
	StoragePath   string    `json:"storage_path" db:"storage_path"`
	ExtractedText string    `json:"-" db:"extracted_text"`
	UploadedAt    time.Time `json:"uploaded_at" db:"uploaded_at"`
}
