package notes

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

const storeOperationTimeout = 10 * time.Second

// Store is the authoritative local store: folders, notebooks and
// documents in postgres, document payloads on the local filesystem
// under dataDir.
type Store struct {
	db      *sqlx.DB
	dataDir string
	log     *zap.SugaredLogger
}

func Open(dsn, dataDir string, log *zap.SugaredLogger) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	if strings.TrimSpace(dataDir) == "" {
		return nil, errors.New("data dir is required")
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store := &Store{db: db, dataDir: dataDir, log: log}
	if err := store.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensureSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), storeOperationTimeout)
	defer cancel()
	statements := []string{
		`CREATE TABLE IF NOT EXISTS folders (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS notebooks (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			folder_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS notebook_notes (
			notebook_id TEXT PRIMARY KEY,
			content TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			notebook_id TEXT NOT NULL,
			file_name TEXT NOT NULL,
			file_size BIGINT NOT NULL DEFAULT 0,
			mime_type TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS sync_configs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			backend TEXT NOT NULL,
			url TEXT NOT NULL,
			username TEXT NOT NULL DEFAULT '',
			password TEXT NOT NULL DEFAULT '',
			base_path TEXT NOT NULL DEFAULT '',
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}
	for _, statement := range statements {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Snapshot builds the comparison state for one sync run directly from
// the database.
func (s *Store) Snapshot(ctx context.Context) (*LocalState, error) {
	state := NewLocalState()

	var folders []Folder
	if err := s.db.SelectContext(ctx, &folders, `SELECT id, name, created_at, updated_at FROM folders`); err != nil {
		return nil, fmt.Errorf("snapshot folders: %w", err)
	}
	for _, folder := range folders {
		state.Folders[folder.ID] = folder
	}

	var notebooks []Notebook
	if err := s.db.SelectContext(ctx, &notebooks, `SELECT id, title, folder_id, created_at, updated_at FROM notebooks`); err != nil {
		return nil, fmt.Errorf("snapshot notebooks: %w", err)
	}
	for _, notebook := range notebooks {
		state.Notebooks[notebook.ID] = notebook
	}

	var documents []Document
	if err := s.db.SelectContext(ctx, &documents, `SELECT id, notebook_id, file_name, file_size, mime_type, created_at, updated_at FROM documents`); err != nil {
		return nil, fmt.Errorf("snapshot documents: %w", err)
	}
	for _, document := range documents {
		state.Documents[document.ID] = document
	}
	return state, nil
}

func (s *Store) UpsertFolder(ctx context.Context, folder Folder) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO folders (id, name, created_at, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id)
		DO UPDATE SET name = EXCLUDED.name, updated_at = EXCLUDED.updated_at`,
		folder.ID, folder.Name, folder.CreatedAt, folder.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert folder %s: %w", folder.ID, err)
	}
	return nil
}

func (s *Store) UpsertNotebook(ctx context.Context, notebook Notebook) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notebooks (id, title, folder_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id)
		DO UPDATE SET title = EXCLUDED.title, folder_id = EXCLUDED.folder_id, updated_at = EXCLUDED.updated_at`,
		notebook.ID, notebook.Title, notebook.FolderID, notebook.CreatedAt, notebook.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert notebook %s: %w", notebook.ID, err)
	}
	return nil
}

func (s *Store) UpsertDocument(ctx context.Context, document Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, notebook_id, file_name, file_size, mime_type, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id)
		DO UPDATE SET notebook_id = EXCLUDED.notebook_id, file_name = EXCLUDED.file_name,
			file_size = EXCLUDED.file_size, mime_type = EXCLUDED.mime_type, updated_at = EXCLUDED.updated_at`,
		document.ID, document.NotebookID, document.FileName, document.FileSize, document.MimeType,
		document.CreatedAt, document.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert document %s: %w", document.ID, err)
	}
	return nil
}

// GetNotebookNotesContent returns the notes payload for a notebook. A
// notebook without notes yields the empty string, not an error.
func (s *Store) GetNotebookNotesContent(ctx context.Context, notebookID string) (string, error) {
	var content string
	err := s.db.GetContext(ctx, &content, `SELECT content FROM notebook_notes WHERE notebook_id = $1`, notebookID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get notes for notebook %s: %w", notebookID, err)
	}
	return content, nil
}

func (s *Store) SetNotebookNotesContent(ctx context.Context, notebookID, content string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notebook_notes (notebook_id, content, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (notebook_id)
		DO UPDATE SET content = EXCLUDED.content, updated_at = NOW()`,
		notebookID, content)
	if err != nil {
		return fmt.Errorf("set notes for notebook %s: %w", notebookID, err)
	}
	return nil
}
