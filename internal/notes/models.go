package notes

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	ErrInvalid  = errors.New("invalid")
)

type Folder struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

type Notebook struct {
	ID        string    `db:"id" json:"id"`
	Title     string    `db:"title" json:"title"`
	FolderID  string    `db:"folder_id" json:"folderId"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

type Document struct {
	ID         string    `db:"id" json:"id"`
	NotebookID string    `db:"notebook_id" json:"notebookId"`
	FileName   string    `db:"file_name" json:"fileName"`
	FileSize   int64     `db:"file_size" json:"fileSize"`
	MimeType   string    `db:"mime_type" json:"mimeType"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt  time.Time `db:"updated_at" json:"updatedAt"`
}

// SyncConfig is one remote-sync target. Read-only to the engine during
// a run; managed through the HTTP surface.
type SyncConfig struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Backend   string    `db:"backend" json:"backend"`
	URL       string    `db:"url" json:"url"`
	Username  string    `db:"username" json:"username"`
	Password  string    `db:"password" json:"-"`
	BasePath  string    `db:"base_path" json:"basePath"`
	IsActive  bool      `db:"is_active" json:"isActive"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// LocalState is the engine-run-scoped snapshot of the authoritative
// store: three maps keyed by entity id. It is rebuilt fresh at the
// start of every run and never cached across runs.
type LocalState struct {
	Folders   map[string]Folder
	Notebooks map[string]Notebook
	Documents map[string]Document
}

func NewLocalState() *LocalState {
	return &LocalState{
		Folders:   map[string]Folder{},
		Notebooks: map[string]Notebook{},
		Documents: map[string]Document{},
	}
}
