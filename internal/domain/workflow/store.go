package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kestrelrun/kestrel/internal/domain/entity"
	"github.com/kestrelrun/kestrel/internal/infrastructure/atomicfile"
)

// FileStore persists one JSON file per workflow under dir, written via
// atomic replace on every state change, using the same
// write-tmp+fsync+rename discipline used for config/session
// artifacts elsewhere in the tree.
type FileStore struct {
	dir string
}

// NewFileStore creates a FileStore rooted at dir, creating it if absent.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("workflow store: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Save atomically rewrites the workflow's file.
func (s *FileStore) Save(wf *entity.Workflow) error {
	data, err := json.MarshalIndent(wf, "", "  ")
	if err != nil {
		return fmt.Errorf("workflow store: marshal %s: %w", wf.ID, err)
	}
	return atomicfile.WriteJSON(s.path(wf.ID), data)
}

// Load reads a single workflow by id.
func (s *FileStore) Load(id string) (*entity.Workflow, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		return nil, err
	}
	var wf entity.Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("workflow store: unmarshal %s: %w", id, err)
	}
	return &wf, nil
}

// Delete removes a workflow's file.
func (s *FileStore) Delete(id string) error {
	err := os.Remove(s.path(id))
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// List loads every persisted workflow, for startup crash-recovery scans.
func (s *FileStore) List() ([]*entity.Workflow, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("workflow store: list: %w", err)
	}
	var out []*entity.Workflow
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".json")
		wf, err := s.Load(id)
		if err != nil {
			continue
		}
		out = append(out, wf)
	}
	return out, nil
}
