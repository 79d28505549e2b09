package objectstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"
)

// Local keeps objects under a directory, for warehouses that read staged files
// from a shared filesystem. Metadata is written next to the object as
// <key>.meta.json.
type Local struct {
	root string
}

func NewLocal(root string) (*Local, error) {
	if root == "" {
		return nil, fmt.Errorf("objectstore: local root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Local{root: root}, nil
}

func (l *Local) path(key string) string { return filepath.Join(l.root, filepath.FromSlash(key)) }

func (l *Local) Upload(ctx context.Context, localPath, key string, meta map[string]string) (Ref, error) {
	if err := validKey(key); err != nil {
		return Ref{}, err
	}
	if err := copyFile(localPath, l.path(key)); err != nil {
		return Ref{}, fmt.Errorf("upload %s: %w", key, err)
	}
	if len(meta) > 0 {
		b, err := json.Marshal(meta)
		if err != nil {
			return Ref{}, err
		}
		if err := os.WriteFile(l.path(key)+".meta.json", b, 0o644); err != nil {
			return Ref{}, err
		}
	}
	return Ref{Key: key}, nil
}

func (l *Local) Delete(ctx context.Context, ref Ref) error {
	for _, p := range []string{l.path(ref.Key), l.path(ref.Key) + ".meta.json"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func (l *Local) Copy(ctx context.Context, src, dst Ref) error {
	if err := validKey(dst.Key); err != nil {
		return err
	}
	if err := copyFile(l.path(src.Key), l.path(dst.Key)); err != nil {
		return fmt.Errorf("copy %s: %w", src.Key, err)
	}
	if _, err := os.Stat(l.path(src.Key) + ".meta.json"); err == nil {
		return copyFile(l.path(src.Key)+".meta.json", l.path(dst.Key)+".meta.json")
	}
	return nil
}

// Meta returns the metadata stored with key, nil when there is none.
func (l *Local) Meta(key string) (map[string]string, error) {
	b, err := os.ReadFile(l.path(key) + ".meta.json")
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var meta map[string]string
	return meta, json.Unmarshal(b, &meta)
}

func copyFile(from, to string) error {
	in, err := os.Open(from)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return err
	}
	out, err := os.Create(to)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
