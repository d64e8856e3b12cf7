package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/quietpage/notesync/internal/storage"
)

const (
	metadataDirName  = "notebook_sync_data"
	metadataFileName = "sync_metadata.json"
)

type FolderEntry struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type NotebookEntry struct {
	ID        string    `json:"id"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type DocumentEntry struct {
	ID         string    `json:"id"`
	FileName   string    `json:"fileName"`
	NotebookID string    `json:"notebookId"`
	UpdatedAt  time.Time `json:"updatedAt"`
	FileSize   int64     `json:"fileSize"`
}

// QuarantinedEntry records a document whose physical remote delete
// failed but whose metadata entry was dropped anyway, so the orphan
// stays discoverable instead of silently lost.
type QuarantinedEntry struct {
	ID       string    `json:"id"`
	Path     string    `json:"path"`
	Reason   string    `json:"reason"`
	MarkedAt time.Time `json:"markedAt"`
}

// Metadata is the durable remote-side snapshot of everything the
// engine has ever synced: its only substitute for a vector clock. It
// lives at notebook_sync_data/sync_metadata.json under the provider
// base path, is parsed into this typed form right after fetch, and is
// serialized exactly once, at the final commit of a run.
type Metadata struct {
	LastSync    *time.Time               `json:"lastSync"`
	Folders     map[string]FolderEntry   `json:"folders"`
	Notebooks   map[string]NotebookEntry `json:"notebooks"`
	Documents   map[string]DocumentEntry `json:"documents"`
	Quarantined []QuarantinedEntry       `json:"quarantined,omitempty"`
}

func NewMetadata() *Metadata {
	return &Metadata{
		Folders:   map[string]FolderEntry{},
		Notebooks: map[string]NotebookEntry{},
		Documents: map[string]DocumentEntry{},
	}
}

func metadataPath() string {
	return storage.JoinPath(metadataDirName, metadataFileName)
}

// FetchMetadata reads and validates the remote metadata document. An
// absent file is the first-sync case and yields fresh empty metadata.
// A document that fails schema validation is a fatal fault: corrupt
// metadata must never be allowed to drive deletion decisions.
func FetchMetadata(ctx context.Context, provider storage.Provider) (*Metadata, bool, error) {
	raw, err := provider.ReadFile(ctx, metadataPath())
	if err != nil {
		if storage.IsNotFound(err) {
			return NewMetadata(), true, nil
		}
		return nil, false, fmt.Errorf("fetch sync metadata: %w", err)
	}
	metadata, err := ParseMetadata(raw)
	if err != nil {
		return nil, false, err
	}
	return metadata, false, nil
}

func ParseMetadata(raw []byte) (*Metadata, error) {
	if err := validateMetadataSchema(raw); err != nil {
		return nil, fmt.Errorf("sync metadata failed validation: %w", err)
	}
	var metadata Metadata
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return nil, fmt.Errorf("parse sync metadata: %w", err)
	}
	if metadata.Folders == nil {
		metadata.Folders = map[string]FolderEntry{}
	}
	if metadata.Notebooks == nil {
		metadata.Notebooks = map[string]NotebookEntry{}
	}
	if metadata.Documents == nil {
		metadata.Documents = map[string]DocumentEntry{}
	}
	return &metadata, nil
}

// CommitMetadata writes the accumulated metadata back to the remote.
// Callers invoke it exactly once, as the very last step of a run.
func CommitMetadata(ctx context.Context, provider storage.Provider, metadata *Metadata) error {
	data, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sync metadata: %w", err)
	}
	if err := provider.EnsureDir(ctx, metadataDirName); err != nil {
		return fmt.Errorf("commit sync metadata: %w", err)
	}
	if err := provider.WriteFile(ctx, metadataPath(), data); err != nil {
		return fmt.Errorf("commit sync metadata: %w", err)
	}
	return nil
}

const metadataSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["folders", "notebooks", "documents"],
  "properties": {
    "lastSync": {"type": ["string", "null"]},
    "folders": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["id", "updatedAt"],
        "properties": {
          "id": {"type": "string"},
          "name": {"type": "string"},
          "updatedAt": {"type": "string"}
        }
      }
    },
    "notebooks": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["id", "updatedAt"],
        "properties": {
          "id": {"type": "string"},
          "updatedAt": {"type": "string"}
        }
      }
    },
    "documents": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["id", "updatedAt"],
        "properties": {
          "id": {"type": "string"},
          "fileName": {"type": "string"},
          "notebookId": {"type": "string"},
          "updatedAt": {"type": "string"},
          "fileSize": {"type": "number"}
        }
      }
    },
    "quarantined": {"type": "array"}
  }
}`

var (
	metadataSchemaOnce     sync.Once
	metadataSchemaCompiled *jsonschema.Schema
	metadataSchemaErr      error
)

func compiledMetadataSchema() (*jsonschema.Schema, error) {
	metadataSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(metadataSchema))
		if err != nil {
			metadataSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("sync_metadata.schema.json", doc); err != nil {
			metadataSchemaErr = err
			return
		}
		metadataSchemaCompiled, metadataSchemaErr = compiler.Compile("sync_metadata.schema.json")
	})
	return metadataSchemaCompiled, metadataSchemaErr
}

func validateMetadataSchema(raw []byte) error {
	schema, err := compiledMetadataSchema()
	if err != nil {
		return err
	}
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	return schema.Validate(value)
}
