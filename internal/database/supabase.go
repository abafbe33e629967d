package database

import (
	"fmt"

	storage_go "github.com/supabase-community/storage-go"
	supabase "github.com/supabase-community/supabase-go"

	"github.com/grantly/backend/internal/config"
)

// ============================================================================
// SUPABASE STORAGE — bucket client for profile document uploads
// ============================================================================

// NewSupabaseStorage dials the Supabase project and returns its storage
// client. Relational data lives in Postgres through Store; the Supabase
// API is used only for the document bucket.
func NewSupabaseStorage(cfg config.StorageConfig) (*storage_go.Client, error) {
	if cfg.SupabaseURL == "" || cfg.SupabaseKey == "" {
		return nil, fmt.Errorf("supabase storage requires SUPABASE_URL and SUPABASE_SERVICE_KEY")
	}
	client, err := supabase.NewClient(cfg.SupabaseURL, cfg.SupabaseKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("supabase client: %w", err)
	}
	return client.Storage, nil
}
