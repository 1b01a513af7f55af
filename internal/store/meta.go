package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"ttyprof/internal/model"
)

// WriteMeta persists meta as session.json in dir. The file is replaced
// atomically so readers never observe a half-written document.
func WriteMeta(dir string, meta model.SessionMeta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session meta: %w", err)
	}
	tmp := filepath.Join(dir, MetaFile+".tmp")
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write session meta: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, MetaFile)); err != nil {
		return fmt.Errorf("replace session meta: %w", err)
	}
	return nil
}

// ReadMeta loads session.json from dir.
func ReadMeta(dir string) (model.SessionMeta, error) {
	var meta model.SessionMeta
	data, err := os.ReadFile(filepath.Join(dir, MetaFile))
	if err != nil {
		return meta, fmt.Errorf("read session meta: %w", err)
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("parse session meta: %w", err)
	}
	if meta.Dir == "" {
		meta.Dir = dir
	}
	return meta, nil
}
