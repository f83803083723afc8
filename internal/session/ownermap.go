package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
)

// OwnerMap is the durable session id -> user id association. The in-memory
// copy is authoritative for the running process; every mutation rewrites the
// whole file through a temp file and rename.
type OwnerMap struct {
	path string

	mu sync.Mutex
	m  map[string]string
}

// LoadOwnerMap reads path. A missing file yields an empty map; a corrupt file
// is logged and also yields an empty map, so a bad write never blocks startup.
func LoadOwnerMap(path string) (*OwnerMap, error) {
	om := &OwnerMap{path: path, m: make(map[string]string)}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return om, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: read owner map %s: %w", path, err)
	}
	if len(data) == 0 {
		return om, nil
	}
	if err := json.Unmarshal(data, &om.m); err != nil {
		log.WithField("path", path).WithError(err).Warn("session: owner map is corrupt, starting empty")
		om.m = make(map[string]string)
	}
	return om, nil
}

// Path returns the backing file.
func (o *OwnerMap) Path() string { return o.path }

// Get returns the owner recorded for id.
func (o *OwnerMap) Get(id string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	u, ok := o.m[id]
	return u, ok
}

// Set records id -> user and rewrites the file. The in-memory value is kept
// even when the write fails.
func (o *OwnerMap) Set(id, user string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cur, ok := o.m[id]; ok && cur == user {
		return nil
	}
	o.m[id] = user
	return o.writeLocked()
}

// Delete removes id and rewrites the file. Deleting an absent id is a no-op.
func (o *OwnerMap) Delete(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.m[id]; !ok {
		return nil
	}
	delete(o.m, id)
	return o.writeLocked()
}

// IDs returns every recorded session id, sorted.
func (o *OwnerMap) IDs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.m))
	for id := range o.m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshot returns a copy of the map.
func (o *OwnerMap) Snapshot() map[string]string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]string, len(o.m))
	for k, v := range o.m {
		out[k] = v
	}
	return out
}

func (o *OwnerMap) writeLocked() error {
	data, err := json.MarshalIndent(o.m, "", "  ")
	if err != nil {
		return fmt.Errorf("session: encode owner map: %w", err)
	}
	if err := writeFileAtomic(o.path, data, 0o600); err != nil {
		return fmt.Errorf("session: write owner map: %w", err)
	}
	return nil
}

// writeFileAtomic writes data to a temp file in the target directory, syncs
// it and renames it over path.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	defer os.Remove(name)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(name, perm); err != nil {
		return err
	}
	return os.Rename(name, path)
}
