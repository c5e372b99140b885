// File: internal/download/manifest.go
package download

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/khlab/paperpull/api/schemas"
)

// ManifestName is the per-target bookkeeping file recording which
// result pages have already resolved, making batch re-runs idempotent.
const ManifestName = ".crawl-manifest.json"

// Manifest records the pages of a target whose batches fully resolved.
// A page listed here is skipped on re-runs.
type Manifest struct {
	Year      int       `json:"year"`
	Journal   string    `json:"journal,omitempty"`
	Pages     []int     `json:"pages"`
	UpdatedAt time.Time `json:"updated_at"`

	dir string
}

// LoadManifest reads the manifest from destDir. A missing file yields
// an empty manifest; a corrupt one is treated as empty too, since the
// worst case is re-downloading pages that already exist.
func LoadManifest(destDir string, year int, journal string) (*Manifest, error) {
	m := &Manifest{Year: year, Journal: journal, dir: destDir}

	data, err := os.ReadFile(filepath.Join(destDir, ManifestName))
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, &schemas.FilesystemError{Op: "read", Path: filepath.Join(destDir, ManifestName), Err: err}
	}

	var stored Manifest
	if err := json.Unmarshal(data, &stored); err != nil || stored.Year != year {
		return m, nil
	}
	m.Pages = stored.Pages
	m.UpdatedAt = stored.UpdatedAt
	return m, nil
}

// HasPage reports whether the page's batch already resolved in a
// previous run.
func (m *Manifest) HasPage(page int) bool {
	for _, p := range m.Pages {
		if p == page {
			return true
		}
	}
	return false
}

// RecordPage marks a page resolved and persists the manifest. Called
// only after the page's batch has fully resolved.
func (m *Manifest) RecordPage(page int) error {
	if !m.HasPage(page) {
		m.Pages = append(m.Pages, page)
		sort.Ints(m.Pages)
	}
	m.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}

	path := filepath.Join(m.dir, ManifestName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return &schemas.FilesystemError{Op: "write", Path: tmp, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		return &schemas.FilesystemError{Op: "rename", Path: path, Err: err}
	}
	return nil
}
