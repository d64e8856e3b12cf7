package notes

import (
	"fmt"
	"os"
	"path/filepath"
)

// ReadDocumentFile loads a document's payload from the local data dir.
func (s *Store) ReadDocumentFile(document Document) ([]byte, error) {
	data, err := os.ReadFile(s.documentPath(document))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: document file %s", ErrNotFound, document.ID)
		}
		return nil, fmt.Errorf("read document file %s: %w", document.ID, err)
	}
	return data, nil
}

// WriteDocumentFile stores a document's payload, creating the document
// directory as needed. The write is atomic so a crash never leaves a
// truncated payload behind.
func (s *Store) WriteDocumentFile(document Document, data []byte) error {
	target := s.documentPath(document)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create document dir %s: %w", document.ID, err)
	}
	if err := writeFileAtomic(target, data, 0o644); err != nil {
		return fmt.Errorf("write document file %s: %w", document.ID, err)
	}
	return nil
}

func (s *Store) documentPath(document Document) string {
	return filepath.Join(s.dataDir, "documents", document.ID, document.FileName)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
