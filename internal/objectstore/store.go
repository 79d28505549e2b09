// Package objectstore uploads staging artifacts to the location the warehouse
// loads them from: an S3 bucket or a local directory.
package objectstore

import (
	"context"
	"fmt"
	"path"
	"strings"
)

// Ref addresses one stored object.
type Ref struct {
	Bucket string
	Key    string
}

func (r Ref) String() string {
	if r.Bucket == "" {
		return r.Key
	}
	return "s3://" + r.Bucket + "/" + r.Key
}

// Store is the object store seen by the loader.
//
// Concurrency: implementations are safe for concurrent use; every flush worker
// uploads its own artifact.
type Store interface {
	// Upload stores the file at localPath under key. meta travels with the
	// object (encryption envelope headers).
	Upload(ctx context.Context, localPath, key string, meta map[string]string) (Ref, error)
	Delete(ctx context.Context, ref Ref) error
	// Copy duplicates src to dst, keeping its metadata.
	Copy(ctx context.Context, src, dst Ref) error
}

// ObjectKey places the artifact at localPath under prefix. The artifact file
// name is already unique per flush.
func ObjectKey(prefix, localPath string) string {
	return prefix + path.Base(localPath)
}

// ArchiveRef is where an uploaded object is kept once loaded. An empty bucket
// keeps the source bucket; an empty prefix is "archive".
func ArchiveRef(src Ref, bucket, prefix string) Ref {
	if bucket == "" {
		bucket = src.Bucket
	}
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "archive"
	}
	return Ref{Bucket: bucket, Key: prefix + "/" + src.Key}
}

func validKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return fmt.Errorf("objectstore: invalid key %q", key)
	}
	return nil
}
