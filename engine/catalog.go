package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"

	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/index"
	"github.com/INLOpen/nexusdoc/sys"
)

const catalogVersion = 1

// catalogFile is the on-disk form of the collection registry. It is a
// convenience for startup; the WAL entries since the last checkpoint are
// replayed over it, so a stale catalog only costs replay work.
type catalogFile struct {
	Version     int                 `json:"version"`
	Collections []catalogCollection `json:"collections"`
}

type catalogCollection struct {
	Name    string                 `json:"name"`
	Options CollectionOptions      `json:"options"`
	Indexes []core.IndexDefinition `json:"indexes,omitempty"`
}

// collectionState is the engine's view of one collection.
type collectionState struct {
	name    string
	opts    CollectionOptions
	indexes *index.Manager
}

func readCatalog(dataDir string) (catalogFile, error) {
	path := filepath.Join(dataDir, core.CatalogFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return catalogFile{Version: catalogVersion}, nil
		}
		return catalogFile{}, fmt.Errorf("failed to read catalog: %w", err)
	}
	var cat catalogFile
	if err := json.Unmarshal(data, &cat); err != nil {
		return catalogFile{}, fmt.Errorf("failed to decode catalog %s: %w", path, err)
	}
	if cat.Version != catalogVersion {
		return catalogFile{}, fmt.Errorf("unsupported catalog version %d", cat.Version)
	}
	return cat, nil
}

func writeCatalog(dataDir string, cat catalogFile) error {
	data, err := json.MarshalIndent(cat, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode catalog: %w", err)
	}
	if err := sys.WriteFileAtomic(filepath.Join(dataDir, core.CatalogFileName), data); err != nil {
		return fmt.Errorf("failed to write catalog: %w", err)
	}
	return nil
}

// catalogSnapshotLocked builds the persisted form from the live registry. The
// caller holds catalogMu.
func (e *Engine) catalogSnapshotLocked() catalogFile {
	cat := catalogFile{Version: catalogVersion}
	for _, name := range slices.Sorted(maps.Keys(e.collections)) {
		cs := e.collections[name]
		cat.Collections = append(cat.Collections, catalogCollection{
			Name:    name,
			Options: cs.opts,
			Indexes: cs.indexes.List(),
		})
	}
	return cat
}

// saveCatalog persists the registry. Failures are returned to the DDL caller;
// the WAL still holds the change, so the next start reconstructs it.
func (e *Engine) saveCatalog() error {
	e.catalogWriteMu.Lock()
	defer e.catalogWriteMu.Unlock()
	e.catalogMu.RLock()
	cat := e.catalogSnapshotLocked()
	e.catalogMu.RUnlock()
	if err := writeCatalog(e.opts.DataDir, cat); err != nil {
		e.logger.Error("Failed to persist catalog", "error", err)
		return err
	}
	return nil
}
