package catalog

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
)

// ManifestFileName is the name of the per-MV manifest file within its
// ready directory. The builder writes it to <mv root>/ready/<name>/manifest.json.
const ManifestFileName = "manifest.json"

// WriteManifest persists a descriptor to <mvRoot>/<name>/manifest.json.
func WriteManifest(mvRoot string, d Descriptor) error {
	dir := filepath.Join(mvRoot, d.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(dir, ManifestFileName+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, ManifestFileName))
}

// ReadManifest reads a single MV's manifest from disk.
func ReadManifest(mvRoot, name string) (Descriptor, error) {
	data, err := os.ReadFile(filepath.Join(mvRoot, name, ManifestFileName))
	if err != nil {
		return Descriptor{}, err
	}
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}

// Hydrate loads every manifest found under mvRoot into the registry. A
// BaseService's WithHydrate hook calls this on startup so a restarted
// process can resume serving queries without a full rebuild.
func Hydrate(mvRoot string, r *Registry) error {
	entries, err := os.ReadDir(mvRoot)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		d, err := ReadManifest(mvRoot, entry.Name())
		if err != nil {
			continue
		}
		if err := r.Register(context.Background(), d); err != nil {
			continue
		}
	}
	return nil
}
