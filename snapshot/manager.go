package snapshot

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/sys"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Info holds metadata about a single snapshot file, useful for listing.
type Info struct {
	ID          string // file name without extension
	Path        string
	CreatedAt   time.Time
	Seq         uint64
	Size        int64
	Collections int
	Documents   int
}

// PruneOptions defines the policies for pruning old snapshots.
type PruneOptions struct {
	// KeepN keeps at least the N newest snapshots regardless of age.
	KeepN int
	// PruneOlderThan deletes snapshots older than this, subject to KeepN.
	PruneOlderThan time.Duration
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Dir    string
	Logger *slog.Logger
	Clock  core.Clock
	Tracer trace.Tracer
}

// Manager keeps snapshot files in one directory.
type Manager struct {
	dir    string
	logger *slog.Logger
	clock  core.Clock
	tracer trace.Tracer
}

func NewManager(opts ManagerOptions) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "SnapshotManager_default")
	} else {
		opts.Logger = opts.Logger.With("component", "SnapshotManager")
	}
	if opts.Clock == nil {
		opts.Clock = core.SystemClock()
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("snapshot")
	}
	return &Manager{dir: opts.Dir, logger: opts.Logger, clock: opts.Clock, tracer: opts.Tracer}
}

// CreateFull writes a complete snapshot of src into a new file. The file
// appears under its final name only once it is fully written and synced.
func (m *Manager) CreateFull(ctx context.Context, src Source) (info Info, err error) {
	ctx, span := m.tracer.Start(ctx, "SnapshotManager.CreateFull")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return Info{}, fmt.Errorf("failed to create snapshot directory %s: %w", m.dir, err)
	}
	now := m.clock.Now().UTC()
	id := fmt.Sprintf("snapshot-%020d", now.UnixNano())
	finalPath := filepath.Join(m.dir, id+FileExtension)
	tmpPath := core.FormatTempFilename(finalPath, "tmp")

	f, err := sys.Create(tmpPath)
	if err != nil {
		return Info{}, fmt.Errorf("failed to create snapshot file: %w", err)
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmpPath)
		}
	}()

	meta, size, err := Write(ctx, f, createdAt{Source: src, at: now})
	if err != nil {
		return Info{}, err
	}
	if err = f.Sync(); err != nil {
		return Info{}, fmt.Errorf("failed to sync snapshot file: %w", err)
	}
	if err = f.Close(); err != nil {
		return Info{}, fmt.Errorf("failed to close snapshot file: %w", err)
	}
	if err = os.Rename(tmpPath, finalPath); err != nil {
		return Info{}, fmt.Errorf("failed to publish snapshot file: %w", err)
	}
	if err := sys.SyncDir(m.dir); err != nil {
		m.logger.Warn("Failed to sync snapshot directory", "dir", m.dir, "error", err)
	}

	info = infoFromMeta(id, finalPath, size, meta)
	span.SetAttributes(
		attribute.String("snapshot.id", id),
		attribute.Int64("snapshot.size", size),
		attribute.Int("snapshot.documents", info.Documents),
	)
	m.logger.Info("Snapshot created", "id", id, "seq", meta.Seq, "collections", info.Collections, "documents", info.Documents, "size", size)
	return info, nil
}

// createdAt pins the creation time of the exported metadata to the manager's clock.
type createdAt struct {
	Source
	at time.Time
}

func (c createdAt) SnapshotMetadata(ctx context.Context) (Metadata, error) {
	meta, err := c.Source.SnapshotMetadata(ctx)
	meta.CreatedAt = c.at
	return meta, err
}

func infoFromMeta(id, path string, size int64, meta Metadata) Info {
	info := Info{ID: id, Path: path, CreatedAt: meta.CreatedAt, Seq: meta.Seq, Size: size, Collections: len(meta.Collections)}
	for _, c := range meta.Collections {
		info.Documents += c.Documents
	}
	return info
}

// ReadMetadata reads only the header and metadata block of a snapshot.
func ReadMetadata(r io.Reader) (Metadata, error) {
	br := bufio.NewReader(r)
	var hdr header
	if err := binary.Read(br, binary.LittleEndian, &hdr); err != nil {
		return Metadata{}, fmt.Errorf("%w: short header: %w", ErrCorrupt, err)
	}
	if hdr.Magic != core.SnapshotMagicNumber {
		return Metadata{}, fmt.Errorf("%w: magic 0x%08x", ErrBadMagic, hdr.Magic)
	}
	b, err := readBlock(br)
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: metadata: %w", ErrCorrupt, err)
	}
	var meta Metadata
	if err := json.Unmarshal(b, &meta); err != nil {
		return Metadata{}, fmt.Errorf("%w: metadata: %w", ErrCorrupt, err)
	}
	meta.Seq = hdr.Seq
	meta.CreatedAt = time.Unix(0, hdr.CreatedAt).UTC()
	return meta, nil
}

// List returns the snapshots in the directory, oldest first. Files that are
// not readable snapshots are skipped with a warning.
func (m *Manager) List() ([]Info, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Info{}, nil
		}
		return nil, fmt.Errorf("failed to read snapshot directory %s: %w", m.dir, err)
	}
	infos := []Info{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), FileExtension) {
			continue
		}
		path := filepath.Join(m.dir, e.Name())
		info, err := m.stat(path)
		if err != nil {
			m.logger.Warn("Skipping file in snapshot listing: not a valid snapshot", "path", path, "error", err)
			continue
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt.Before(infos[j].CreatedAt) })
	return infos, nil
}

func (m *Manager) stat(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return Info{}, err
	}
	meta, err := ReadMetadata(f)
	if err != nil {
		return Info{}, err
	}
	return infoFromMeta(strings.TrimSuffix(filepath.Base(path), FileExtension), path, st.Size(), meta), nil
}

// discardSink accepts everything and keeps nothing.
type discardSink struct{}

func (discardSink) Begin(context.Context, Metadata) error                  { return nil }
func (discardSink) Document(context.Context, string, *core.Document) error { return nil }
func (discardSink) Commit(context.Context) error                           { return nil }
func (discardSink) Abort(context.Context)                                  {}

// Validate reads a whole snapshot file and verifies its structure and checksum.
func (m *Manager) Validate(ctx context.Context, path string) error {
	_, err := m.Restore(ctx, path, discardSink{})
	return err
}

// Restore feeds the snapshot at path into sink.
func (m *Manager) Restore(ctx context.Context, path string, sink Sink) (Metadata, error) {
	ctx, span := m.tracer.Start(ctx, "SnapshotManager.Restore")
	defer span.End()
	span.SetAttributes(attribute.String("snapshot.path", path))

	f, err := os.Open(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to open snapshot %s: %w", path, err)
	}
	defer f.Close()
	meta, err := Read(ctx, f, sink)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return meta, err
	}
	return meta, nil
}

// Prune deletes old snapshots based on opts and returns the deleted ids.
func (m *Manager) Prune(ctx context.Context, opts PruneOptions) ([]string, error) {
	_, span := m.tracer.Start(ctx, "SnapshotManager.Prune")
	defer span.End()
	span.SetAttributes(
		attribute.Int("snapshot.prune.keep_n", opts.KeepN),
		attribute.String("snapshot.prune.older_than", opts.PruneOlderThan.String()),
	)

	if opts.KeepN < 0 {
		return nil, fmt.Errorf("PruneOptions.KeepN cannot be negative")
	}
	if opts.KeepN == 0 && opts.PruneOlderThan <= 0 {
		m.logger.Info("Pruning skipped: no policies defined.")
		return []string{}, nil
	}
	infos, err := m.List()
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots for pruning: %w", err)
	}

	// newest first; the first KeepN are protected
	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt.After(infos[j].CreatedAt) })
	now := m.clock.Now()
	var deleted []string
	var errs []error
	for i, info := range infos {
		if i < opts.KeepN {
			continue
		}
		if opts.PruneOlderThan > 0 && now.Sub(info.CreatedAt) < opts.PruneOlderThan {
			continue
		}
		if err := os.Remove(info.Path); err != nil {
			m.logger.Error("Failed to prune snapshot", "id", info.ID, "path", info.Path, "error", err)
			errs = append(errs, fmt.Errorf("failed to remove snapshot %s: %w", info.Path, err))
			continue
		}
		m.logger.Info("Pruned snapshot", "id", info.ID)
		deleted = append(deleted, info.ID)
	}
	return deleted, errors.Join(errs...)
}
