package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/quietpage/notesync/internal/notes"
	"github.com/quietpage/notesync/internal/storage"
)

const (
	notebooksDirName     = "notebooks"
	documentsDirName     = "documents"
	notebookManifestName = "metadata.json"
	notebookNotesName    = "notes.json"

	DefaultDeletionThreshold = 10
)

// ErrBusy is returned when a run is requested while another run on the
// same engine is still executing.
var ErrBusy = errors.New("sync already in progress")

// LocalStore is the slice of the notes store the engine needs. The
// engine never learns the local storage layout beyond this contract.
type LocalStore interface {
	GetSyncConfig(ctx context.Context, id string) (notes.SyncConfig, error)
	Snapshot(ctx context.Context) (*notes.LocalState, error)
	UpsertFolder(ctx context.Context, folder notes.Folder) error
	UpsertNotebook(ctx context.Context, notebook notes.Notebook) error
	UpsertDocument(ctx context.Context, document notes.Document) error
	GetNotebookNotesContent(ctx context.Context, notebookID string) (string, error)
	SetNotebookNotesContent(ctx context.Context, notebookID, content string) error
	ReadDocumentFile(document notes.Document) ([]byte, error)
	WriteDocumentFile(document notes.Document, data []byte) error
}

type ProviderBuilder func(cfg storage.Config, log *zap.SugaredLogger) (storage.Provider, error)

type Options struct {
	// DeletionThreshold caps how many deletion candidates one run may
	// act on; above it the whole deletion phase is skipped.
	DeletionThreshold int
	// QuarantineOrphans records failed physical deletes in the metadata
	// quarantine list instead of dropping them without trace.
	QuarantineOrphans bool
}

func (o Options) withDefaults() Options {
	if o.DeletionThreshold <= 0 {
		o.DeletionThreshold = DefaultDeletionThreshold
	}
	return o
}

// RunReport summarizes one sync run.
type RunReport struct {
	ConfigID         string        `json:"configId"`
	StartedAt        time.Time     `json:"startedAt"`
	Duration         time.Duration `json:"duration"`
	FirstSync        bool          `json:"firstSync"`
	Uploaded         int           `json:"uploaded"`
	Downloaded       int           `json:"downloaded"`
	Deleted          int           `json:"deleted"`
	Failed           int           `json:"failed"`
	DeletionsSkipped bool          `json:"deletionsSkipped"`
	Skipped          bool          `json:"skipped"`
	SkipReason       string        `json:"skipReason,omitempty"`
}

// Engine runs the compare-and-execute algorithm for one SyncConfig at
// a time. The busy gate is engine-scoped, not process-wide: overlapping
// requests on the same engine are refused, independent engines do not
// interfere.
type Engine struct {
	store         LocalStore
	buildProvider ProviderBuilder
	bus           *Bus
	log           *zap.SugaredLogger

	optsMu sync.RWMutex
	opts   Options

	busy atomic.Bool
	now  func() time.Time
}

func NewEngine(store LocalStore, log *zap.SugaredLogger, opts Options) *Engine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Engine{
		store:         store,
		buildProvider: storage.New,
		bus:           NewBus(),
		log:           log,
		opts:          opts.withDefaults(),
		now:           time.Now,
	}
}

// Events exposes the run-event stream for management consumers.
func (e *Engine) Events() *Bus {
	return e.bus
}

// SetOptions swaps the tunables; safe while runs are in flight, the
// next phase decision sees the new values.
func (e *Engine) SetOptions(opts Options) {
	e.optsMu.Lock()
	e.opts = opts.withDefaults()
	e.optsMu.Unlock()
}

func (e *Engine) options() Options {
	e.optsMu.RLock()
	defer e.optsMu.RUnlock()
	return e.opts
}

// TestConnection verifies reachability and credentials for a config
// without mutating any state on either side.
func (e *Engine) TestConnection(ctx context.Context, configID string) error {
	cfg, err := e.store.GetSyncConfig(ctx, configID)
	if err != nil {
		return err
	}
	provider, err := e.buildProvider(providerConfig(cfg), e.log)
	if err != nil {
		return err
	}
	return provider.TestConnection(ctx)
}

// PerformSync executes one full run for configID: the same code path
// whether invoked by the scheduler or on demand.
func (e *Engine) PerformSync(ctx context.Context, configID string) (*RunReport, error) {
	if !e.busy.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer e.busy.Store(false)

	report := &RunReport{ConfigID: configID, StartedAt: e.now().UTC()}
	e.bus.Publish(Event{Type: EventRunStarted, ConfigID: configID})

	err := e.run(ctx, configID, report)
	report.Duration = e.now().UTC().Sub(report.StartedAt)
	switch {
	case err != nil:
		e.log.Errorw("sync run failed", "configId", configID, "error", err)
		e.bus.Publish(Event{Type: EventRunFailed, ConfigID: configID, Detail: err.Error()})
		return nil, err
	case report.Skipped:
		e.log.Infow("sync run skipped", "configId", configID, "reason", report.SkipReason)
		e.bus.Publish(Event{Type: EventRunSkipped, ConfigID: configID, Detail: report.SkipReason})
	default:
		e.log.Infow("sync run finished",
			"configId", configID,
			"uploaded", report.Uploaded,
			"downloaded", report.Downloaded,
			"deleted", report.Deleted,
			"failed", report.Failed,
			"deletionsSkipped", report.DeletionsSkipped,
			"duration", report.Duration)
		e.bus.Publish(Event{Type: EventRunFinished, ConfigID: configID, Report: report})
	}
	return report, nil
}

func (e *Engine) run(ctx context.Context, configID string, report *RunReport) error {
	// Phase 1: load and gate.
	cfg, err := e.store.GetSyncConfig(ctx, configID)
	if err != nil {
		return err
	}
	if !cfg.IsActive {
		report.Skipped = true
		report.SkipReason = "config is inactive"
		return nil
	}

	// Phase 2: provider construction. An unsupported backend type is a
	// gate (no-op), any other construction failure is run-fatal.
	provider, err := e.buildProvider(providerConfig(cfg), e.log)
	if err != nil {
		if errors.Is(err, storage.ErrUnsupportedBackend) {
			report.Skipped = true
			report.SkipReason = err.Error()
			return nil
		}
		return fmt.Errorf("build provider: %w", err)
	}

	// Phase 3: remote metadata. Absent means first sync, never an error.
	metadata, firstSync, err := FetchMetadata(ctx, provider)
	if err != nil {
		return err
	}
	report.FirstSync = firstSync

	// Phase 4: best-effort deep listing, for auxiliary checks only. A
	// listing failure must never feed the deletion decision.
	listing := e.fetchListing(ctx, provider, configID)

	// Phase 5: local snapshot.
	local, err := e.store.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("build local state: %w", err)
	}

	// Phases 6-8: deletions, then 9: uploads, then 10: downloads. The
	// order is deliberate: deletions free remote space first, and a
	// document can never be both upload and deletion target in one run.
	e.executeDeletions(ctx, provider, metadata, local, report)
	e.executeUploads(ctx, provider, metadata, local, report)
	e.executeDownloads(ctx, provider, metadata, local, report)

	e.reportRemoteOrphans(listing, metadata, configID)

	// Phase 11: single final commit. If this fails nothing was durably
	// advanced and the next run redoes the same comparison.
	metadata.LastSync = &report.StartedAt
	if err := CommitMetadata(ctx, provider, metadata); err != nil {
		return err
	}
	return nil
}

func (e *Engine) fetchListing(ctx context.Context, provider storage.Provider, configID string) map[string]storage.Stat {
	stats, err := provider.List(ctx, "", storage.ListOptions{Deep: true})
	if err != nil {
		e.log.Warnw("remote listing failed, continuing with empty listing",
			"configId", configID, "error", err)
		return map[string]storage.Stat{}
	}
	listing := make(map[string]storage.Stat, len(stats))
	for _, stat := range stats {
		listing[stat.Path] = stat
	}
	return listing
}

type deletionCandidate struct {
	id    string
	entry DocumentEntry
}

func (e *Engine) executeDeletions(ctx context.Context, provider storage.Provider, metadata *Metadata, local *notes.LocalState, report *RunReport) {
	var candidates []deletionCandidate
	for _, id := range sortedKeys(metadata.Documents) {
		if _, exists := local.Documents[id]; exists {
			continue
		}
		entry := metadata.Documents[id]
		if strings.TrimSpace(entry.NotebookID) == "" {
			// Without a notebook id the remote path cannot be resolved;
			// skipping beats guessing at a directory to delete.
			e.log.Warnw("deletion candidate has no notebook id, skipping",
				"configId", report.ConfigID, "documentId", id)
			continue
		}
		candidates = append(candidates, deletionCandidate{id: id, entry: entry})
	}
	if len(candidates) == 0 {
		return
	}

	threshold := e.options().DeletionThreshold
	if len(candidates) > threshold {
		// Safety valve: a wiped local store or corrupt metadata would
		// otherwise cascade into mass remote deletion.
		report.DeletionsSkipped = true
		e.log.Warnw("deletion candidates exceed threshold, skipping all deletions this run",
			"configId", report.ConfigID, "candidates", len(candidates), "threshold", threshold)
		e.bus.Publish(Event{
			Type:     EventDeletionsSkipped,
			ConfigID: report.ConfigID,
			Detail:   fmt.Sprintf("%d candidates over threshold %d", len(candidates), threshold),
		})
		return
	}

	quarantine := e.options().QuarantineOrphans
	for _, candidate := range candidates {
		dirPath := documentDir(candidate.entry.NotebookID, candidate.id)
		if err := provider.DeleteDir(ctx, dirPath); err != nil {
			report.Failed++
			e.log.Errorw("remote document delete failed, dropping metadata entry anyway",
				"configId", report.ConfigID, "documentId", candidate.id, "path", dirPath, "error", err)
			e.bus.Publish(Event{
				Type: EventEntityFailed, ConfigID: report.ConfigID,
				Entity: "document:" + candidate.id, Path: dirPath, Detail: err.Error(),
			})
			if quarantine {
				metadata.Quarantined = append(metadata.Quarantined, QuarantinedEntry{
					ID:       candidate.id,
					Path:     dirPath,
					Reason:   err.Error(),
					MarkedAt: e.now().UTC(),
				})
			}
		} else {
			report.Deleted++
		}
		// The entry goes either way: a permanently undeletable remote
		// artifact must not wedge every future run.
		delete(metadata.Documents, candidate.id)
	}
}

func (e *Engine) executeUploads(ctx context.Context, provider storage.Provider, metadata *Metadata, local *notes.LocalState, report *RunReport) {
	for _, id := range sortedKeys(local.Folders) {
		folder := local.Folders[id]
		if entry, ok := metadata.Folders[id]; ok && !folder.UpdatedAt.After(entry.UpdatedAt) {
			continue
		}
		// Folders have no remote payload beyond their metadata entry.
		metadata.Folders[id] = FolderEntry{ID: id, Name: folder.Name, UpdatedAt: folder.UpdatedAt}
		report.Uploaded++
	}

	for _, id := range sortedKeys(local.Notebooks) {
		notebook := local.Notebooks[id]
		if entry, ok := metadata.Notebooks[id]; ok && !notebook.UpdatedAt.After(entry.UpdatedAt) {
			continue
		}
		if err := e.uploadNotebook(ctx, provider, notebook); err != nil {
			e.entityFailed(report, "notebook:"+id, notebookDir(id), err)
			continue
		}
		metadata.Notebooks[id] = NotebookEntry{ID: id, UpdatedAt: notebook.UpdatedAt}
		report.Uploaded++
	}

	for _, id := range sortedKeys(local.Documents) {
		document := local.Documents[id]
		if entry, ok := metadata.Documents[id]; ok && !document.UpdatedAt.After(entry.UpdatedAt) {
			continue
		}
		size, err := e.uploadDocument(ctx, provider, document)
		if err != nil {
			e.entityFailed(report, "document:"+id, documentDir(document.NotebookID, id), err)
			continue
		}
		metadata.Documents[id] = DocumentEntry{
			ID:         id,
			FileName:   document.FileName,
			NotebookID: document.NotebookID,
			UpdatedAt:  document.UpdatedAt,
			FileSize:   size,
		}
		report.Uploaded++
	}
}

func (e *Engine) uploadNotebook(ctx context.Context, provider storage.Provider, notebook notes.Notebook) error {
	dir := notebookDir(notebook.ID)
	if err := provider.EnsureDir(ctx, dir); err != nil {
		return err
	}
	manifest, err := json.MarshalIndent(notebookManifest{
		ID:        notebook.ID,
		Title:     notebook.Title,
		FolderID:  notebook.FolderID,
		CreatedAt: notebook.CreatedAt,
		UpdatedAt: notebook.UpdatedAt,
	}, "", "  ")
	if err != nil {
		return err
	}
	if err := provider.WriteFile(ctx, storage.JoinPath(dir, notebookManifestName), manifest); err != nil {
		return err
	}
	content, err := e.store.GetNotebookNotesContent(ctx, notebook.ID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(notesPayload{Notes: content})
	if err != nil {
		return err
	}
	return provider.WriteFile(ctx, storage.JoinPath(dir, notebookNotesName), payload)
}

func (e *Engine) uploadDocument(ctx context.Context, provider storage.Provider, document notes.Document) (int64, error) {
	data, err := e.store.ReadDocumentFile(document)
	if err != nil {
		return 0, err
	}
	dir := documentDir(document.NotebookID, document.ID)
	if err := provider.EnsureDir(ctx, dir); err != nil {
		return 0, err
	}
	if err := provider.WriteFile(ctx, storage.JoinPath(dir, document.FileName), data); err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

func (e *Engine) executeDownloads(ctx context.Context, provider storage.Provider, metadata *Metadata, local *notes.LocalState, report *RunReport) {
	for _, id := range sortedKeys(metadata.Folders) {
		entry := metadata.Folders[id]
		if folder, ok := local.Folders[id]; ok && !folder.UpdatedAt.Before(entry.UpdatedAt) {
			continue
		}
		err := e.store.UpsertFolder(ctx, notes.Folder{
			ID:        id,
			Name:      entry.Name,
			CreatedAt: entry.UpdatedAt,
			UpdatedAt: entry.UpdatedAt,
		})
		if err != nil {
			e.entityFailed(report, "folder:"+id, "", err)
			continue
		}
		report.Downloaded++
	}

	for _, id := range sortedKeys(metadata.Notebooks) {
		entry := metadata.Notebooks[id]
		if notebook, ok := local.Notebooks[id]; ok && !notebook.UpdatedAt.Before(entry.UpdatedAt) {
			continue
		}
		if err := e.downloadNotebook(ctx, provider, id); err != nil {
			e.entityFailed(report, "notebook:"+id, notebookDir(id), err)
			continue
		}
		report.Downloaded++
	}

	for _, id := range sortedKeys(metadata.Documents) {
		entry := metadata.Documents[id]
		if document, ok := local.Documents[id]; ok && !document.UpdatedAt.Before(entry.UpdatedAt) {
			continue
		}
		if err := e.downloadDocument(ctx, provider, entry); err != nil {
			e.entityFailed(report, "document:"+id, documentDir(entry.NotebookID, id), err)
			continue
		}
		report.Downloaded++
	}
}

func (e *Engine) downloadNotebook(ctx context.Context, provider storage.Provider, id string) error {
	dir := notebookDir(id)
	raw, err := provider.ReadFile(ctx, storage.JoinPath(dir, notebookManifestName))
	if err != nil {
		return err
	}
	var manifest notebookManifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return fmt.Errorf("parse notebook manifest: %w", err)
	}
	err = e.store.UpsertNotebook(ctx, notes.Notebook{
		ID:        id,
		Title:     manifest.Title,
		FolderID:  manifest.FolderID,
		CreatedAt: manifest.CreatedAt,
		UpdatedAt: manifest.UpdatedAt,
	})
	if err != nil {
		return err
	}
	rawNotes, err := provider.ReadFile(ctx, storage.JoinPath(dir, notebookNotesName))
	if err != nil {
		if storage.IsNotFound(err) {
			return nil
		}
		return err
	}
	var payload notesPayload
	if err := json.Unmarshal(rawNotes, &payload); err != nil {
		return fmt.Errorf("parse notebook notes: %w", err)
	}
	return e.store.SetNotebookNotesContent(ctx, id, payload.Notes)
}

func (e *Engine) downloadDocument(ctx context.Context, provider storage.Provider, entry DocumentEntry) error {
	if strings.TrimSpace(entry.FileName) == "" {
		return errors.New("metadata entry has no file name")
	}
	data, err := provider.ReadFile(ctx, storage.JoinPath(documentDir(entry.NotebookID, entry.ID), entry.FileName))
	if err != nil {
		return err
	}
	document := notes.Document{
		ID:         entry.ID,
		NotebookID: entry.NotebookID,
		FileName:   entry.FileName,
		FileSize:   int64(len(data)),
		MimeType:   detectMimeType(entry.FileName),
		CreatedAt:  entry.UpdatedAt,
		UpdatedAt:  entry.UpdatedAt,
	}
	if err := e.store.WriteDocumentFile(document, data); err != nil {
		return err
	}
	return e.store.UpsertDocument(ctx, document)
}

// reportRemoteOrphans is the only consumer of the deep listing: it
// surfaces remote document directories no metadata entry points at.
// Log-only, it never drives a deletion.
func (e *Engine) reportRemoteOrphans(listing map[string]storage.Stat, metadata *Metadata, configID string) {
	if len(listing) == 0 {
		return
	}
	known := map[string]struct{}{}
	for id, entry := range metadata.Documents {
		known[documentDir(entry.NotebookID, id)] = struct{}{}
	}
	orphans := 0
	for statPath, stat := range listing {
		if !stat.IsDir {
			continue
		}
		parts := strings.Split(statPath, "/")
		if len(parts) != 4 || parts[0] != notebooksDirName || parts[2] != documentsDirName {
			continue
		}
		if _, ok := known[statPath]; !ok {
			orphans++
		}
	}
	if orphans > 0 {
		e.log.Infow("remote document directories without metadata entries",
			"configId", configID, "count", orphans)
	}
}

func (e *Engine) entityFailed(report *RunReport, entity, entityPath string, err error) {
	report.Failed++
	e.log.Errorw("entity transfer failed, continuing",
		"configId", report.ConfigID, "entity", entity, "path", entityPath, "error", err)
	e.bus.Publish(Event{
		Type: EventEntityFailed, ConfigID: report.ConfigID,
		Entity: entity, Path: entityPath, Detail: err.Error(),
	})
}

type notebookManifest struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	FolderID  string    `json:"folderId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type notesPayload struct {
	Notes string `json:"notes"`
}

func providerConfig(cfg notes.SyncConfig) storage.Config {
	return storage.Config{
		Backend:  cfg.Backend,
		URL:      cfg.URL,
		Username: cfg.Username,
		Password: cfg.Password,
		BasePath: cfg.BasePath,
	}
}

func notebookDir(notebookID string) string {
	return storage.JoinPath(notebooksDirName, notebookID)
}

func documentDir(notebookID, documentID string) string {
	return storage.JoinPath(notebooksDirName, notebookID, documentsDirName, documentID)
}

func detectMimeType(fileName string) string {
	ext := strings.ToLower(path.Ext(fileName))
	m := mime.TypeByExtension(ext)
	if m == "" {
		return "application/octet-stream"
	}
	if idx := strings.Index(m, ";"); idx >= 0 {
		m = m[:idx]
	}
	return m
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
