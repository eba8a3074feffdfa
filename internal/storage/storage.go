// Package storage backs the cold-storage segment archiver (component H):
// once a segment is sealed and Snappy-compressed, the archiver hands it to
// an ObjectStorage implementation (local disk during development, S3 in
// production) and never touches the object again unless the upload needs
// retrying. The interface is deliberately narrow — it exposes exactly the
// two operations the archiver's idempotent-upload protocol needs, not a
// general-purpose object store client.
package storage

import (
	"context"
	"errors"
)

// Common errors for storage operations.
var (
	ErrObjectNotFound     = errors.New("object not found")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrUploadFailed       = errors.New("upload failed")
)

// ObjectStorage is the backend the archiver uploads sealed segments
// through. Exists lets a retried archive attempt short-circuit once a
// prior attempt already landed; ConditionalPut makes the upload itself
// idempotent under a concurrent or repeated retry.
type ObjectStorage interface {
	// Exists reports whether an object is already present at objectPath.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// ConditionalPut uploads localPath to objectPath. A non-empty etag
	// makes the put conditional on the object's current ETag matching it;
	// an empty etag puts unconditionally, replacing any object already at
	// objectPath. The archiver passes an empty etag: a repeated attempt
	// writes the same compressed bytes again, so it does not need to know
	// whether its previous attempt actually landed.
	ConditionalPut(ctx context.Context, localPath, objectPath, etag string) error
}
