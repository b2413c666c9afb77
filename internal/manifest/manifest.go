// Package manifest persists the engine's per-destination download record
// and per-ROM metadata sidecars (spec.md §3, §4.8).
package manifest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/retrosd/retrosd/internal/coreerr"
)

const fileName = ".retrosd-manifest.json"

// Entry tracks one previously-downloaded destination file, enough to
// decide whether a re-download is needed without touching the network.
type Entry struct {
	Filename     string    `json:"filename"`
	Size         int64     `json:"size,omitempty"`
	ETag         string    `json:"etag,omitempty"`
	LastModified time.Time `json:"lastModified,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// DirectoryState records a system's remote directory Last-Modified, so the
// engine can skip a batch whose listing has not changed since.
type DirectoryState struct {
	LastModified time.Time `json:"lastModified,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Manifest is the engine-owned record at Roms/.retrosd-manifest.json.
type Manifest struct {
	Version     int                       `json:"version"`
	Entries     map[string]Entry          `json:"entries"`
	Directories map[string]DirectoryState `json:"directories"`
}

func newManifest() *Manifest {
	return &Manifest{
		Version:     1,
		Entries:     make(map[string]Entry),
		Directories: make(map[string]DirectoryState),
	}
}

// Path returns the manifest file path under romsRoot.
func Path(romsRoot string) string {
	return filepath.Join(romsRoot, fileName)
}

// Load reads the manifest at romsRoot, returning a fresh empty Manifest if
// none exists yet.
func Load(romsRoot string) (*Manifest, error) {
	data, err := os.ReadFile(Path(romsRoot))
	if os.IsNotExist(err) {
		return newManifest(), nil
	}
	if err != nil {
		return nil, coreerr.New(coreerr.ClassFilesystem, "manifest.Load", err)
	}
	m := newManifest()
	if err := json.Unmarshal(data, m); err != nil {
		return nil, coreerr.New(coreerr.ClassIntegrity, "manifest.Load", err)
	}
	if m.Entries == nil {
		m.Entries = make(map[string]Entry)
	}
	if m.Directories == nil {
		m.Directories = make(map[string]DirectoryState)
	}
	return m, nil
}

// Save writes m to romsRoot atomically via a temp file + rename.
func (m *Manifest) Save(romsRoot string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return coreerr.New(coreerr.ClassIntegrity, "manifest.Save", err)
	}

	dest := Path(romsRoot)
	tmp := dest + ".tmp"
	if err := os.MkdirAll(romsRoot, 0o755); err != nil {
		return coreerr.New(coreerr.ClassFilesystem, "manifest.Save", err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return coreerr.New(coreerr.ClassFilesystem, "manifest.Save", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return coreerr.New(coreerr.ClassFilesystem, "manifest.Save", err)
	}
	return nil
}

// Key builds the manifest entry key for a destination directory and
// filename: "<destDir>/<filename>".
func Key(destDir, filename string) string {
	return filepath.ToSlash(filepath.Join(destDir, filename))
}

// Put records or replaces the entry for key.
func (m *Manifest) Put(key string, e Entry) {
	m.Entries[key] = e
}

// Get looks up an existing entry.
func (m *Manifest) Get(key string) (Entry, bool) {
	e, ok := m.Entries[key]
	return e, ok
}

// PutDirectory records the directory-level last-modified state for a system key.
func (m *Manifest) PutDirectory(systemKey string, state DirectoryState) {
	m.Directories[systemKey] = state
}

// GetDirectory looks up a previously recorded directory state.
func (m *Manifest) GetDirectory(systemKey string) (DirectoryState, bool) {
	d, ok := m.Directories[systemKey]
	return d, ok
}

// Sidecar is the per-ROM metadata JSON written next to each ROM file found
// by the local scan (catalogsync.ReconcileLocal), named "<romBase>.json".
type Sidecar struct {
	Title     string   `json:"title"`
	Regions   []string `json:"regions,omitempty"`
	Languages []string `json:"languages,omitempty"`
	Revision  string   `json:"revision,omitempty"`
	SHA1      string   `json:"sha1,omitempty"`
	CRC32     string   `json:"crc32,omitempty"`
}

// SidecarPath returns the sidecar path for a ROM at romPath (extension
// replaced with .json).
func SidecarPath(romPath string) string {
	ext := filepath.Ext(romPath)
	return romPath[:len(romPath)-len(ext)] + ".json"
}

// WriteSidecar writes s to the sidecar path for romPath, atomically.
func WriteSidecar(romPath string, s Sidecar) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return coreerr.New(coreerr.ClassIntegrity, "manifest.WriteSidecar", err)
	}
	dest := SidecarPath(romPath)
	tmp := dest + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return coreerr.New(coreerr.ClassFilesystem, "manifest.WriteSidecar", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return coreerr.New(coreerr.ClassFilesystem, "manifest.WriteSidecar", err)
	}
	return nil
}
