// Package checkpoint implements the Checkpoint Store (spec §4.8): named,
// immutable rootfs snapshots that later `run --from NAME` invocations
// copy into a scratch file and attach as a VM's block device.
//
// A checkpoint is a `<NAME>.ext4` image plus a `<NAME>.json` manifest
// under Config.CheckpointsDir. The manifest is the source of truth;
// a modernc.org/sqlite-backed index (index.db) is topped up from the
// manifests on every Open: manifests missing from the index are
// inserted, while index rows whose manifest is gone are not removed.
// This mirrors the teacher's
// image.Cache.rebuildIndex rebuilding its ref index from .image-ref
// sidecar files (internal/image/cache.go). Commit uses the same
// write-to-tmp-then-os.Rename discipline as the teacher's
// Cache.GetOrPull.
package checkpoint

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ekoeppen/shuru/internal/shuruerr"
)

// nameRE enforces the Checkpoint invariant from spec §3.
var nameRE = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

// Manifest is the JSON sidecar committed alongside a checkpoint's
// ext4 image (spec §3 Checkpoint, §4.8).
type Manifest struct {
	Name      string    `json:"name"`
	Parent    string    `json:"parent,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store manages the on-disk checkpoint catalog rooted at dir (spec
// §6's `checkpoints/`).
type Store struct {
	dir string
	db  *sql.DB
}

// Open opens (creating if absent) the checkpoint store at dir and
// ensures its sqlite index reflects the manifests on disk.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, shuruerr.Wrap(shuruerr.CheckpointError, fmt.Errorf("create checkpoint dir: %w", err))
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, "index.db"))
	if err != nil {
		return nil, shuruerr.Wrap(shuruerr.CheckpointError, fmt.Errorf("open index: %w", err))
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, shuruerr.Wrap(shuruerr.CheckpointError, fmt.Errorf("set WAL mode: %w", err))
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS checkpoints (
			name       TEXT PRIMARY KEY,
			parent     TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, shuruerr.Wrap(shuruerr.CheckpointError, fmt.Errorf("migrate index: %w", err))
	}

	s := &Store{dir: dir, db: db}
	if err := s.rebuildIndex(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the store's index handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) imagePath(name string) string    { return filepath.Join(s.dir, name+".ext4") }
func (s *Store) manifestPath(name string) string { return filepath.Join(s.dir, name+".json") }
func (s *Store) lockPath(name string) string     { return filepath.Join(s.dir, name+".lock") }

// rebuildIndex scans the store directory for manifests not yet
// reflected in the sqlite index and inserts them. Manifests are the
// source of truth; the index is a disk-rebuildable cache over them,
// exactly as the teacher's rebuildIndex treats .image-ref files as
// the truth behind its in-memory ref map.
func (s *Store) rebuildIndex() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return shuruerr.Wrap(shuruerr.CheckpointError, fmt.Errorf("scan checkpoint dir: %w", err))
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		name := e.Name()[:len(e.Name())-len(".json")]
		var exists int
		if err := s.db.QueryRow(`SELECT 1 FROM checkpoints WHERE name = ?`, name).Scan(&exists); err == nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			continue
		}
		var m Manifest
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		s.db.Exec(`INSERT OR IGNORE INTO checkpoints (name, parent, created_at) VALUES (?, ?, ?)`,
			m.Name, m.Parent, m.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

// ValidateName enforces the Checkpoint name invariant (spec §3).
func ValidateName(name string) error {
	if !nameRE.MatchString(name) {
		return shuruerr.New(shuruerr.ConfigError, "checkpoint name %q must match [A-Za-z0-9_.-]{1,64}", name)
	}
	return nil
}

// List enumerates committed checkpoints (spec §4.8 `list`), newest
// first.
func (s *Store) List() ([]Manifest, error) {
	rows, err := s.db.Query(`SELECT name, parent, created_at FROM checkpoints ORDER BY created_at DESC`)
	if err != nil {
		return nil, shuruerr.Wrap(shuruerr.CheckpointError, err)
	}
	defer rows.Close()

	var out []Manifest
	for rows.Next() {
		var m Manifest
		var createdStr string
		if err := rows.Scan(&m.Name, &m.Parent, &createdStr); err != nil {
			return nil, shuruerr.Wrap(shuruerr.CheckpointError, err)
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Get returns the manifest for name, or an error if it does not exist.
func (s *Store) Get(name string) (*Manifest, error) {
	data, err := os.ReadFile(s.manifestPath(name))
	if os.IsNotExist(err) {
		return nil, shuruerr.New(shuruerr.CheckpointError, "checkpoint %q not found", name)
	}
	if err != nil {
		return nil, shuruerr.Wrap(shuruerr.CheckpointError, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, shuruerr.Wrap(shuruerr.CheckpointError, fmt.Errorf("parse manifest %s: %w", name, err))
	}
	return &m, nil
}

// ImagePath returns the path to name's committed ext4 image, after
// confirming it exists.
func (s *Store) ImagePath(name string) (string, error) {
	path := s.imagePath(name)
	if _, err := os.Stat(path); err != nil {
		return "", shuruerr.New(shuruerr.CheckpointError, "checkpoint %q image missing: %v", name, err)
	}
	return path, nil
}

// SourceImage resolves the rootfs image `run --from NAME`/`checkpoint
// create --from PARENT` should copy from: either a named checkpoint
// or, when name is empty, the default rootfs.
func (s *Store) SourceImage(name, defaultRootfs string) (string, error) {
	if name == "" {
		return defaultRootfs, nil
	}
	return s.ImagePath(name)
}

// Commit atomically publishes scratchPath as the ext4 image for name,
// writing its manifest alongside it. Grounded on the teacher's
// Cache.GetOrPull atomic os.Rename discipline: the caller is expected
// to have already renamed/copied scratchPath into place as a sibling
// of the store (e.g. under the same filesystem) so the rename below is
// atomic rather than a cross-device copy.
func (s *Store) Commit(name, parent, scratchPath string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	dest := s.imagePath(name)
	if _, err := os.Stat(dest); err == nil {
		return shuruerr.New(shuruerr.CheckpointError, "checkpoint %q already exists", name)
	}
	if err := os.Rename(scratchPath, dest); err != nil {
		return shuruerr.Wrap(shuruerr.CheckpointError, fmt.Errorf("commit checkpoint image: %w", err))
	}

	m := Manifest{Name: name, Parent: parent, CreatedAt: time.Now()}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		os.Remove(dest)
		return shuruerr.Wrap(shuruerr.CheckpointError, err)
	}
	if err := os.WriteFile(s.manifestPath(name), data, 0600); err != nil {
		os.Remove(dest)
		return shuruerr.Wrap(shuruerr.CheckpointError, fmt.Errorf("write manifest: %w", err))
	}

	if _, err := s.db.Exec(`INSERT INTO checkpoints (name, parent, created_at) VALUES (?, ?, ?)`,
		m.Name, m.Parent, m.CreatedAt.Format(time.RFC3339)); err != nil {
		return shuruerr.Wrap(shuruerr.CheckpointError, fmt.Errorf("index checkpoint: %w", err))
	}
	return nil
}

// Delete removes name's image and manifest (spec §4.8 `delete`),
// refusing if a lockfile shows a live session still referencing it.
func (s *Store) Delete(name string) error {
	if _, err := os.Stat(s.lockPath(name)); err == nil {
		return shuruerr.New(shuruerr.CheckpointError, "checkpoint %q is in use by a running session", name)
	}
	if _, err := os.Stat(s.manifestPath(name)); os.IsNotExist(err) {
		return shuruerr.New(shuruerr.CheckpointError, "checkpoint %q not found", name)
	}
	if err := os.Remove(s.imagePath(name)); err != nil && !os.IsNotExist(err) {
		return shuruerr.Wrap(shuruerr.CheckpointError, fmt.Errorf("remove image: %w", err))
	}
	if err := os.Remove(s.manifestPath(name)); err != nil && !os.IsNotExist(err) {
		return shuruerr.Wrap(shuruerr.CheckpointError, fmt.Errorf("remove manifest: %w", err))
	}
	if _, err := s.db.Exec(`DELETE FROM checkpoints WHERE name = ?`, name); err != nil {
		return shuruerr.Wrap(shuruerr.CheckpointError, err)
	}
	return nil
}

// Lock acquires the advisory lockfile for name's duration of use by a
// running session (a `checkpoint create --from` or `run --from`
// session). Unlock via the returned func, typically deferred.
//
// This is the best-effort delete-refusal mechanism spec §4.8 asks for
// without specifying one; lockfile existence, not flock byte-ranges,
// is the signal, matching the coarse granularity the spec's "checked
// by delete before removing the manifest" wording implies.
func (s *Store) Lock(name string) (func(), error) {
	path := s.lockPath(name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		if os.IsExist(err) {
			return nil, shuruerr.New(shuruerr.CheckpointError, "checkpoint %q is already locked by another session", name)
		}
		return nil, shuruerr.Wrap(shuruerr.CheckpointError, err)
	}
	f.Close()
	return func() { os.Remove(path) }, nil
}
