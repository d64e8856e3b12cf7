package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/quietpage/notesync/internal/notes"
	"github.com/quietpage/notesync/internal/storage"
	"go.uber.org/zap"
)

var baseTime = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

// fakeProvider is an in-memory storage.Provider with failure hooks.
type fakeProvider struct {
	mu    sync.Mutex
	files map[string][]byte
	dirs  map[string]bool

	listErr        error
	listStarted    chan struct{}
	listRelease    chan struct{}
	readFailures   map[string]error
	writeFailures  map[string]error
	deleteFailures map[string]error

	deletedDirs []string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		files:          map[string][]byte{},
		dirs:           map[string]bool{},
		readFailures:   map[string]error{},
		writeFailures:  map[string]error{},
		deleteFailures: map[string]error{},
	}
}

func (p *fakeProvider) TestConnection(ctx context.Context) error { return nil }

func (p *fakeProvider) JoinPath(segments ...string) string { return storage.JoinPath(segments...) }

func (p *fakeProvider) List(ctx context.Context, relPath string, opts storage.ListOptions) ([]storage.Stat, error) {
	if p.listStarted != nil {
		close(p.listStarted)
		p.listStarted = nil
		<-p.listRelease
	}
	if p.listErr != nil {
		return nil, p.listErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var stats []storage.Stat
	for dir := range p.dirs {
		if underFake(relPath, dir) {
			stats = append(stats, storage.Stat{Path: dir, Name: fakeBase(dir), IsDir: true})
		}
	}
	for file, data := range p.files {
		if underFake(relPath, file) {
			stats = append(stats, storage.Stat{Path: file, Name: fakeBase(file), Size: int64(len(data))})
		}
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Path < stats[j].Path })
	return stats, nil
}

func (p *fakeProvider) ReadFile(ctx context.Context, relPath string) ([]byte, error) {
	if err := p.readFailures[relPath]; err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	data, ok := p.files[relPath]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, relPath)
	}
	return append([]byte(nil), data...), nil
}

func (p *fakeProvider) WriteFile(ctx context.Context, relPath string, data []byte) error {
	if err := p.writeFailures[relPath]; err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.files[relPath] = append([]byte(nil), data...)
	p.addParents(relPath)
	return nil
}

func (p *fakeProvider) DeleteFile(ctx context.Context, relPath string) error {
	if err := p.deleteFailures[relPath]; err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.files, relPath)
	return nil
}

func (p *fakeProvider) DeleteDir(ctx context.Context, relPath string) error {
	if err := p.deleteFailures[relPath]; err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deletedDirs = append(p.deletedDirs, relPath)
	for file := range p.files {
		if file == relPath || strings.HasPrefix(file, relPath+"/") {
			delete(p.files, file)
		}
	}
	for dir := range p.dirs {
		if dir == relPath || strings.HasPrefix(dir, relPath+"/") {
			delete(p.dirs, dir)
		}
	}
	return nil
}

func (p *fakeProvider) EnsureDir(ctx context.Context, relPath string) error {
	if relPath == "" {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dirs[relPath] = true
	p.addParents(relPath + "/x")
	return nil
}

func (p *fakeProvider) addParents(relPath string) {
	parts := strings.Split(relPath, "/")
	for i := 1; i < len(parts); i++ {
		p.dirs[strings.Join(parts[:i], "/")] = true
	}
}

func (p *fakeProvider) hasFile(relPath string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.files[relPath]
	return ok
}

func (p *fakeProvider) metadata(t *testing.T) *Metadata {
	t.Helper()
	p.mu.Lock()
	raw, ok := p.files["notebook_sync_data/sync_metadata.json"]
	p.mu.Unlock()
	if !ok {
		t.Fatalf("no sync metadata committed to remote")
	}
	metadata, err := ParseMetadata(raw)
	if err != nil {
		t.Fatalf("committed metadata does not parse: %v", err)
	}
	return metadata
}

func underFake(relPath, candidate string) bool {
	if relPath == "" {
		return true
	}
	return strings.HasPrefix(candidate, relPath+"/")
}

func fakeBase(relPath string) string {
	if idx := strings.LastIndex(relPath, "/"); idx >= 0 {
		return relPath[idx+1:]
	}
	return relPath
}

// fakeLocalStore is an in-memory LocalStore with failure hooks.
type fakeLocalStore struct {
	configs      map[string]notes.SyncConfig
	folders      map[string]notes.Folder
	notebooks    map[string]notes.Notebook
	documents    map[string]notes.Document
	notesContent map[string]string
	payloads     map[string][]byte

	readPayloadErr map[string]error
	upsertDocErr   map[string]error
}

func newFakeLocalStore() *fakeLocalStore {
	return &fakeLocalStore{
		configs:        map[string]notes.SyncConfig{},
		folders:        map[string]notes.Folder{},
		notebooks:      map[string]notes.Notebook{},
		documents:      map[string]notes.Document{},
		notesContent:   map[string]string{},
		payloads:       map[string][]byte{},
		readPayloadErr: map[string]error{},
		upsertDocErr:   map[string]error{},
	}
}

func (s *fakeLocalStore) GetSyncConfig(ctx context.Context, id string) (notes.SyncConfig, error) {
	cfg, ok := s.configs[id]
	if !ok {
		return notes.SyncConfig{}, fmt.Errorf("%w: sync config %s", notes.ErrNotFound, id)
	}
	return cfg, nil
}

func (s *fakeLocalStore) Snapshot(ctx context.Context) (*notes.LocalState, error) {
	state := notes.NewLocalState()
	for id, folder := range s.folders {
		state.Folders[id] = folder
	}
	for id, notebook := range s.notebooks {
		state.Notebooks[id] = notebook
	}
	for id, document := range s.documents {
		state.Documents[id] = document
	}
	return state, nil
}

func (s *fakeLocalStore) UpsertFolder(ctx context.Context, folder notes.Folder) error {
	s.folders[folder.ID] = folder
	return nil
}

func (s *fakeLocalStore) UpsertNotebook(ctx context.Context, notebook notes.Notebook) error {
	s.notebooks[notebook.ID] = notebook
	return nil
}

func (s *fakeLocalStore) UpsertDocument(ctx context.Context, document notes.Document) error {
	if err := s.upsertDocErr[document.ID]; err != nil {
		return err
	}
	s.documents[document.ID] = document
	return nil
}

func (s *fakeLocalStore) GetNotebookNotesContent(ctx context.Context, notebookID string) (string, error) {
	return s.notesContent[notebookID], nil
}

func (s *fakeLocalStore) SetNotebookNotesContent(ctx context.Context, notebookID, content string) error {
	s.notesContent[notebookID] = content
	return nil
}

func (s *fakeLocalStore) ReadDocumentFile(document notes.Document) ([]byte, error) {
	if err := s.readPayloadErr[document.ID]; err != nil {
		return nil, err
	}
	data, ok := s.payloads[document.ID]
	if !ok {
		return nil, fmt.Errorf("%w: document file %s", notes.ErrNotFound, document.ID)
	}
	return append([]byte(nil), data...), nil
}

func (s *fakeLocalStore) WriteDocumentFile(document notes.Document, data []byte) error {
	s.payloads[document.ID] = append([]byte(nil), data...)
	return nil
}

func (s *fakeLocalStore) addDocument(id, notebookID, fileName string, data []byte, updatedAt time.Time) {
	s.documents[id] = notes.Document{
		ID:         id,
		NotebookID: notebookID,
		FileName:   fileName,
		FileSize:   int64(len(data)),
		MimeType:   "application/octet-stream",
		CreatedAt:  updatedAt,
		UpdatedAt:  updatedAt,
	}
	s.payloads[id] = data
}

const testConfigID = "cfg-1"

func newTestEngine(store *fakeLocalStore, provider *fakeProvider, opts Options) *Engine {
	store.configs[testConfigID] = notes.SyncConfig{
		ID:       testConfigID,
		Name:     "home nas",
		Backend:  "webdav",
		URL:      "https://dav.example.net/remote.php/dav",
		BasePath: "notes",
		IsActive: true,
	}
	engine := NewEngine(store, zap.NewNop().Sugar(), opts)
	engine.buildProvider = func(cfg storage.Config, log *zap.SugaredLogger) (storage.Provider, error) {
		return provider, nil
	}
	engine.now = func() time.Time { return baseTime }
	return engine
}

func TestFirstSyncUploadsEverything(t *testing.T) {
	store := newFakeLocalStore()
	provider := newFakeProvider()
	store.folders["f1"] = notes.Folder{ID: "f1", Name: "Work", UpdatedAt: baseTime}
	store.notebooks["nb1"] = notes.Notebook{ID: "nb1", Title: "Plans", FolderID: "f1", CreatedAt: baseTime, UpdatedAt: baseTime}
	store.notesContent["nb1"] = "remember the milk"
	store.addDocument("d1", "nb1", "report.pdf", []byte("pdf-bytes"), baseTime)
	store.addDocument("d2", "nb1", "sheet.xlsx", []byte("xlsx-bytes"), baseTime)

	engine := newTestEngine(store, provider, Options{})
	report, err := engine.PerformSync(context.Background(), testConfigID)
	if err != nil {
		t.Fatalf("first sync failed: %v", err)
	}
	if !report.FirstSync {
		t.Fatalf("expected first-sync run")
	}
	if report.Uploaded != 4 || report.Downloaded != 0 || report.Deleted != 0 || report.Failed != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}

	for _, wantPath := range []string{
		"notebooks/nb1/metadata.json",
		"notebooks/nb1/notes.json",
		"notebooks/nb1/documents/d1/report.pdf",
		"notebooks/nb1/documents/d2/sheet.xlsx",
		"notebook_sync_data/sync_metadata.json",
	} {
		if !provider.hasFile(wantPath) {
			t.Fatalf("expected remote file %s", wantPath)
		}
	}

	metadata := provider.metadata(t)
	if len(metadata.Documents) != 2 || len(metadata.Notebooks) != 1 || len(metadata.Folders) != 1 {
		t.Fatalf("unexpected metadata counts: %+v", metadata)
	}
	if metadata.LastSync == nil || !metadata.LastSync.Equal(baseTime) {
		t.Fatalf("expected lastSync %v, got %v", baseTime, metadata.LastSync)
	}
	if entry := metadata.Documents["d1"]; entry.NotebookID != "nb1" || entry.FileName != "report.pdf" || entry.FileSize != int64(len("pdf-bytes")) {
		t.Fatalf("unexpected d1 entry: %+v", entry)
	}
}

func TestSecondRunWithNoChangesIsIdempotent(t *testing.T) {
	store := newFakeLocalStore()
	provider := newFakeProvider()
	store.notebooks["nb1"] = notes.Notebook{ID: "nb1", Title: "Plans", CreatedAt: baseTime, UpdatedAt: baseTime}
	store.addDocument("d1", "nb1", "a.txt", []byte("a"), baseTime)

	engine := newTestEngine(store, provider, Options{})
	if _, err := engine.PerformSync(context.Background(), testConfigID); err != nil {
		t.Fatalf("run 1 failed: %v", err)
	}
	first := provider.metadata(t)

	report, err := engine.PerformSync(context.Background(), testConfigID)
	if err != nil {
		t.Fatalf("run 2 failed: %v", err)
	}
	if report.Uploaded != 0 || report.Downloaded != 0 || report.Deleted != 0 {
		t.Fatalf("expected a no-op second run, got %+v", report)
	}
	second := provider.metadata(t)
	if len(second.Documents) != len(first.Documents) || len(second.Notebooks) != len(first.Notebooks) {
		t.Fatalf("metadata drifted across idempotent runs")
	}
	if !second.Documents["d1"].UpdatedAt.Equal(first.Documents["d1"].UpdatedAt) {
		t.Fatalf("document entry advanced without a change")
	}
}

func TestEqualTimestampsTransferNothing(t *testing.T) {
	store := newFakeLocalStore()
	provider := newFakeProvider()
	store.notebooks["nb1"] = notes.Notebook{ID: "nb1", Title: "Plans", CreatedAt: baseTime, UpdatedAt: baseTime}

	engine := newTestEngine(store, provider, Options{})
	if _, err := engine.PerformSync(context.Background(), testConfigID); err != nil {
		t.Fatalf("seed run failed: %v", err)
	}

	// Local title drifts without advancing updatedAt: invisible to the
	// engine on both sides.
	store.notebooks["nb1"] = notes.Notebook{ID: "nb1", Title: "Plans v2", CreatedAt: baseTime, UpdatedAt: baseTime}
	report, err := engine.PerformSync(context.Background(), testConfigID)
	if err != nil {
		t.Fatalf("tie-break run failed: %v", err)
	}
	if report.Uploaded != 0 || report.Downloaded != 0 {
		t.Fatalf("equal timestamps must not transfer, got %+v", report)
	}
}

func TestDeletionThresholdSkipsAllDeletions(t *testing.T) {
	store := newFakeLocalStore()
	provider := newFakeProvider()
	engine := newTestEngine(store, provider, Options{DeletionThreshold: 10})

	// Remote metadata knows 11 documents that no longer exist locally.
	metadata := NewMetadata()
	for i := 0; i < 11; i++ {
		id := fmt.Sprintf("d%02d", i)
		metadata.Documents[id] = DocumentEntry{
			ID: id, FileName: "f.bin", NotebookID: "nb1", UpdatedAt: baseTime, FileSize: 1,
		}
		if err := provider.WriteFile(context.Background(), documentDir("nb1", id)+"/f.bin", []byte("x")); err != nil {
			t.Fatalf("seed remote: %v", err)
		}
	}
	if err := CommitMetadata(context.Background(), provider, metadata); err != nil {
		t.Fatalf("seed metadata: %v", err)
	}

	report, err := engine.PerformSync(context.Background(), testConfigID)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !report.DeletionsSkipped {
		t.Fatalf("expected deletions to be skipped")
	}
	if report.Deleted != 0 || len(provider.deletedDirs) != 0 {
		t.Fatalf("expected zero deletions, got %+v dirs=%v", report, provider.deletedDirs)
	}
	// The surviving entries flow into the download phase instead: the
	// run restores the wiped local store from the remote.
	if report.Downloaded != 11 || len(store.documents) != 11 {
		t.Fatalf("expected 11 restored documents, got %+v", report)
	}
	if got := len(provider.metadata(t).Documents); got != 11 {
		t.Fatalf("expected 11 surviving metadata entries, got %d", got)
	}
}

func TestDeletionsUnderThresholdAllExecute(t *testing.T) {
	store := newFakeLocalStore()
	provider := newFakeProvider()
	engine := newTestEngine(store, provider, Options{DeletionThreshold: 10})

	metadata := NewMetadata()
	for i := 0; i < 9; i++ {
		id := fmt.Sprintf("d%02d", i)
		metadata.Documents[id] = DocumentEntry{
			ID: id, FileName: "f.bin", NotebookID: "nb1", UpdatedAt: baseTime, FileSize: 1,
		}
		if err := provider.WriteFile(context.Background(), documentDir("nb1", id)+"/f.bin", []byte("x")); err != nil {
			t.Fatalf("seed remote: %v", err)
		}
	}
	if err := CommitMetadata(context.Background(), provider, metadata); err != nil {
		t.Fatalf("seed metadata: %v", err)
	}

	report, err := engine.PerformSync(context.Background(), testConfigID)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if report.Deleted != 9 || report.DeletionsSkipped {
		t.Fatalf("expected 9 deletions, got %+v", report)
	}
	if len(provider.metadata(t).Documents) != 0 {
		t.Fatalf("expected all document entries dropped")
	}
	for i := 0; i < 9; i++ {
		if provider.hasFile(fmt.Sprintf("notebooks/nb1/documents/d%02d/f.bin", i)) {
			t.Fatalf("expected remote document %d removed", i)
		}
	}
}

func TestDeletionCandidateWithoutNotebookIDIsSkipped(t *testing.T) {
	store := newFakeLocalStore()
	provider := newFakeProvider()
	engine := newTestEngine(store, provider, Options{})

	metadata := NewMetadata()
	metadata.Documents["d1"] = DocumentEntry{ID: "d1", FileName: "f.bin", UpdatedAt: baseTime}
	if err := CommitMetadata(context.Background(), provider, metadata); err != nil {
		t.Fatalf("seed metadata: %v", err)
	}

	report, err := engine.PerformSync(context.Background(), testConfigID)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if report.Deleted != 0 || len(provider.deletedDirs) != 0 {
		t.Fatalf("expected no deletion for unresolvable candidate, got %+v", report)
	}
}

func TestFailedDeleteStillDropsEntryAndCanQuarantine(t *testing.T) {
	store := newFakeLocalStore()
	provider := newFakeProvider()
	engine := newTestEngine(store, provider, Options{QuarantineOrphans: true})

	metadata := NewMetadata()
	metadata.Documents["d1"] = DocumentEntry{ID: "d1", FileName: "f.bin", NotebookID: "nb1", UpdatedAt: baseTime}
	if err := CommitMetadata(context.Background(), provider, metadata); err != nil {
		t.Fatalf("seed metadata: %v", err)
	}
	provider.deleteFailures[documentDir("nb1", "d1")] = errors.New("423 locked")

	report, err := engine.PerformSync(context.Background(), testConfigID)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if report.Deleted != 0 || report.Failed != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	committed := provider.metadata(t)
	if len(committed.Documents) != 0 {
		t.Fatalf("expected entry dropped despite failed delete")
	}
	if len(committed.Quarantined) != 1 || committed.Quarantined[0].ID != "d1" {
		t.Fatalf("expected d1 quarantined, got %+v", committed.Quarantined)
	}
}

func TestPartialUploadFailureDoesNotAbortRun(t *testing.T) {
	store := newFakeLocalStore()
	provider := newFakeProvider()
	store.addDocument("d1", "nb1", "one.txt", []byte("1"), baseTime)
	store.addDocument("d2", "nb1", "two.txt", []byte("2"), baseTime)
	store.addDocument("d3", "nb1", "three.txt", []byte("3"), baseTime)
	store.readPayloadErr["d2"] = errors.New("disk error")

	engine := newTestEngine(store, provider, Options{})
	report, err := engine.PerformSync(context.Background(), testConfigID)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if report.Uploaded != 2 || report.Failed != 1 {
		t.Fatalf("expected 2 uploads and 1 failure, got %+v", report)
	}
	committed := provider.metadata(t)
	if _, ok := committed.Documents["d2"]; ok {
		t.Fatalf("failed entity's metadata must not advance")
	}

	// Next run retries only the failed document.
	store.readPayloadErr = map[string]error{}
	report, err = engine.PerformSync(context.Background(), testConfigID)
	if err != nil {
		t.Fatalf("retry run failed: %v", err)
	}
	if report.Uploaded != 1 || report.Failed != 0 {
		t.Fatalf("expected exactly the failed document retried, got %+v", report)
	}
	if !provider.hasFile("notebooks/nb1/documents/d2/two.txt") {
		t.Fatalf("expected d2 uploaded on retry")
	}
}

func TestRoundTripIntoFreshLocalStore(t *testing.T) {
	source := newFakeLocalStore()
	provider := newFakeProvider()
	source.folders["f1"] = notes.Folder{ID: "f1", Name: "Work", UpdatedAt: baseTime}
	source.notebooks["nb1"] = notes.Notebook{ID: "nb1", Title: "Plans", FolderID: "f1", CreatedAt: baseTime, UpdatedAt: baseTime}
	source.notesContent["nb1"] = "exact notes text, tabs\tand\nnewlines"

	if _, err := newTestEngine(source, provider, Options{}).PerformSync(context.Background(), testConfigID); err != nil {
		t.Fatalf("upload run failed: %v", err)
	}

	fresh := newFakeLocalStore()
	report, err := newTestEngine(fresh, provider, Options{}).PerformSync(context.Background(), testConfigID)
	if err != nil {
		t.Fatalf("download run failed: %v", err)
	}
	if report.Downloaded != 2 {
		t.Fatalf("expected folder+notebook downloads, got %+v", report)
	}
	notebook := fresh.notebooks["nb1"]
	if notebook.Title != "Plans" || notebook.FolderID != "f1" {
		t.Fatalf("notebook did not round-trip: %+v", notebook)
	}
	if fresh.notesContent["nb1"] != source.notesContent["nb1"] {
		t.Fatalf("notes text did not round-trip: %q", fresh.notesContent["nb1"])
	}
	if fresh.folders["f1"].Name != "Work" {
		t.Fatalf("folder did not round-trip: %+v", fresh.folders["f1"])
	}
}

func TestLocallyDeletedDocumentIsRemovedRemotely(t *testing.T) {
	store := newFakeLocalStore()
	provider := newFakeProvider()
	store.notebooks["nb1"] = notes.Notebook{ID: "nb1", Title: "Plans", CreatedAt: baseTime, UpdatedAt: baseTime}
	store.addDocument("d1", "nb1", "report.pdf", []byte("pdf"), baseTime)
	engine := newTestEngine(store, provider, Options{})
	if _, err := engine.PerformSync(context.Background(), testConfigID); err != nil {
		t.Fatalf("run 1 failed: %v", err)
	}

	delete(store.documents, "d1")
	delete(store.payloads, "d1")
	report, err := engine.PerformSync(context.Background(), testConfigID)
	if err != nil {
		t.Fatalf("run 2 failed: %v", err)
	}
	if report.Deleted != 1 {
		t.Fatalf("expected one remote deletion, got %+v", report)
	}
	if provider.hasFile("notebooks/nb1/documents/d1/report.pdf") {
		t.Fatalf("expected remote document directory removed")
	}
	committed := provider.metadata(t)
	if _, ok := committed.Documents["d1"]; ok {
		t.Fatalf("expected d1 entry dropped")
	}
	// The untouched notebook generates no transfer in either direction.
	if report.Uploaded != 0 || report.Downloaded != 0 {
		t.Fatalf("notebook should tie-break to no transfer, got %+v", report)
	}
}

func TestInactiveConfigIsANoop(t *testing.T) {
	store := newFakeLocalStore()
	provider := newFakeProvider()
	engine := newTestEngine(store, provider, Options{})
	cfg := store.configs[testConfigID]
	cfg.IsActive = false
	store.configs[testConfigID] = cfg

	report, err := engine.PerformSync(context.Background(), testConfigID)
	if err != nil {
		t.Fatalf("inactive config must not error: %v", err)
	}
	if !report.Skipped {
		t.Fatalf("expected skipped run, got %+v", report)
	}
}

func TestUnsupportedBackendIsANoop(t *testing.T) {
	store := newFakeLocalStore()
	engine := newTestEngine(store, newFakeProvider(), Options{})
	engine.buildProvider = storage.New
	cfg := store.configs[testConfigID]
	cfg.Backend = "s3"
	store.configs[testConfigID] = cfg

	report, err := engine.PerformSync(context.Background(), testConfigID)
	if err != nil {
		t.Fatalf("unsupported backend must not error: %v", err)
	}
	if !report.Skipped {
		t.Fatalf("expected skipped run, got %+v", report)
	}
}

func TestCorruptRemoteMetadataIsRunFatal(t *testing.T) {
	store := newFakeLocalStore()
	provider := newFakeProvider()
	if err := provider.WriteFile(context.Background(), "notebook_sync_data/sync_metadata.json", []byte(`{"folders": 17}`)); err != nil {
		t.Fatalf("seed corrupt metadata: %v", err)
	}
	engine := newTestEngine(store, provider, Options{})

	_, err := engine.PerformSync(context.Background(), testConfigID)
	if err == nil {
		t.Fatalf("corrupt metadata must be run-fatal")
	}
	if len(provider.deletedDirs) != 0 {
		t.Fatalf("corrupt metadata must never drive deletions")
	}
}

func TestListingFailureDegradesButRunContinues(t *testing.T) {
	store := newFakeLocalStore()
	provider := newFakeProvider()
	provider.listErr = errors.New("502 bad gateway")
	store.addDocument("d1", "nb1", "a.txt", []byte("a"), baseTime)

	engine := newTestEngine(store, provider, Options{})
	report, err := engine.PerformSync(context.Background(), testConfigID)
	if err != nil {
		t.Fatalf("listing failure must not abort the run: %v", err)
	}
	if report.Uploaded != 1 {
		t.Fatalf("expected upload despite listing failure, got %+v", report)
	}
}

func TestMetadataCommitFailureIsRunFatal(t *testing.T) {
	store := newFakeLocalStore()
	provider := newFakeProvider()
	provider.writeFailures["notebook_sync_data/sync_metadata.json"] = errors.New("507 insufficient storage")
	store.addDocument("d1", "nb1", "a.txt", []byte("a"), baseTime)

	engine := newTestEngine(store, provider, Options{})
	if _, err := engine.PerformSync(context.Background(), testConfigID); err == nil {
		t.Fatalf("commit failure must be run-fatal")
	}

	// Nothing durable advanced; the next run redoes the work.
	provider.writeFailures = map[string]error{}
	report, err := engine.PerformSync(context.Background(), testConfigID)
	if err != nil {
		t.Fatalf("recovery run failed: %v", err)
	}
	if report.Uploaded != 1 {
		t.Fatalf("expected the same upload redone, got %+v", report)
	}
}

func TestOverlappingRunIsRefused(t *testing.T) {
	store := newFakeLocalStore()
	provider := newFakeProvider()
	provider.listStarted = make(chan struct{})
	provider.listRelease = make(chan struct{})
	engine := newTestEngine(store, provider, Options{})

	done := make(chan error, 1)
	go func() {
		_, err := engine.PerformSync(context.Background(), testConfigID)
		done <- err
	}()
	<-provider.listStarted

	if _, err := engine.PerformSync(context.Background(), testConfigID); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy for overlapping run, got %v", err)
	}
	close(provider.listRelease)
	if err := <-done; err != nil {
		t.Fatalf("first run failed: %v", err)
	}

	// The gate must clear once the run finishes.
	if _, err := engine.PerformSync(context.Background(), testConfigID); err != nil {
		t.Fatalf("engine stayed busy after run end: %v", err)
	}
}

func TestNewerLocalWinsOverOlderRemote(t *testing.T) {
	store := newFakeLocalStore()
	provider := newFakeProvider()
	store.notebooks["nb1"] = notes.Notebook{ID: "nb1", Title: "old", CreatedAt: baseTime, UpdatedAt: baseTime}
	engine := newTestEngine(store, provider, Options{})
	if _, err := engine.PerformSync(context.Background(), testConfigID); err != nil {
		t.Fatalf("seed run failed: %v", err)
	}

	later := baseTime.Add(time.Minute)
	store.notebooks["nb1"] = notes.Notebook{ID: "nb1", Title: "new", CreatedAt: baseTime, UpdatedAt: later}
	report, err := engine.PerformSync(context.Background(), testConfigID)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if report.Uploaded != 1 || report.Downloaded != 0 {
		t.Fatalf("expected one upload, got %+v", report)
	}
	if !provider.metadata(t).Notebooks["nb1"].UpdatedAt.Equal(later) {
		t.Fatalf("metadata entry did not advance to the local timestamp")
	}
}

func TestNewerRemoteWinsOverOlderLocal(t *testing.T) {
	source := newFakeLocalStore()
	provider := newFakeProvider()
	later := baseTime.Add(time.Minute)
	source.notebooks["nb1"] = notes.Notebook{ID: "nb1", Title: "remote edit", CreatedAt: baseTime, UpdatedAt: later}
	source.notesContent["nb1"] = "newer"
	if _, err := newTestEngine(source, provider, Options{}).PerformSync(context.Background(), testConfigID); err != nil {
		t.Fatalf("seed run failed: %v", err)
	}

	stale := newFakeLocalStore()
	stale.notebooks["nb1"] = notes.Notebook{ID: "nb1", Title: "stale", CreatedAt: baseTime, UpdatedAt: baseTime}
	report, err := newTestEngine(stale, provider, Options{}).PerformSync(context.Background(), testConfigID)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if report.Downloaded != 1 || report.Uploaded != 0 {
		t.Fatalf("expected one download, got %+v", report)
	}
	if stale.notebooks["nb1"].Title != "remote edit" || stale.notesContent["nb1"] != "newer" {
		t.Fatalf("local notebook not updated from remote: %+v", stale.notebooks["nb1"])
	}
}
