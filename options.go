package eventcore

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/arkiliandb/eventcore/internal/admission"
	"github.com/arkiliandb/eventcore/internal/archive"
	"github.com/arkiliandb/eventcore/internal/storage"
)

// StorageOptions selects and configures the object storage backend the
// cold-storage archiver uploads sealed segments to.
type StorageOptions struct {
	// Type is "local" or "s3". Ignored if Archive.Enabled is false.
	Type string
	Path string
	S3   storage.S3Config
}

// ArchiveOptions controls the cold-storage segment archiver.
type ArchiveOptions struct {
	Enabled       bool
	Prefix        string
	RetryInterval time.Duration
	MaxAttempts   int
	Storage       StorageOptions
}

// AdmissionOptions controls the admission controller.
type AdmissionOptions struct {
	TargetP99Ms    int
	HardCap        int
	MinLimit       int
	SampleWindow   int
	Tick           time.Duration
	EvaluateEveryN int
}

// Options configures a Store.
type Options struct {
	// Dir is the root directory: Dir/events holds segment files,
	// Dir/projections holds one SQLite file per registered projection.
	Dir string

	MaxPayloadBytes int
	MaxSegmentBytes int64

	// MaxResidentLocators bounds the stream index's resident locator
	// count; 0 disables eviction.
	MaxResidentLocators int64

	NotifyBufferSize int

	Admission AdmissionOptions
	Archive   ArchiveOptions
}

// DefaultOptions returns sensible defaults for Dir.
func DefaultOptions(dir string) Options {
	return Options{
		Dir:                  dir,
		MaxPayloadBytes:      1 << 20,
		MaxSegmentBytes:      128 << 20,
		MaxResidentLocators:  0,
		NotifyBufferSize:     16,
		Admission:            AdmissionOptions(admission.DefaultConfig()),
		Archive: ArchiveOptions{
			Enabled:       false,
			Prefix:        archive.DefaultConfig().Prefix,
			RetryInterval: archive.DefaultConfig().RetryInterval,
			MaxAttempts:   archive.DefaultConfig().MaxAttempts,
			Storage:       StorageOptions{Type: "local", Path: dir + "/archive"},
		},
	}
}

// withDefaults fills in DefaultOptions(o.Dir)'s zero-valued fields, so
// callers may construct a partial Options and still Open successfully.
func (o Options) withDefaults() Options {
	def := DefaultOptions(o.Dir)
	if o.MaxPayloadBytes <= 0 {
		o.MaxPayloadBytes = def.MaxPayloadBytes
	}
	if o.MaxSegmentBytes <= 0 {
		o.MaxSegmentBytes = def.MaxSegmentBytes
	}
	if o.NotifyBufferSize <= 0 {
		o.NotifyBufferSize = def.NotifyBufferSize
	}
	if o.Admission == (AdmissionOptions{}) {
		o.Admission = def.Admission
	}
	if o.Archive.Enabled {
		if o.Archive.RetryInterval <= 0 {
			o.Archive.RetryInterval = def.Archive.RetryInterval
		}
		if o.Archive.MaxAttempts <= 0 {
			o.Archive.MaxAttempts = def.Archive.MaxAttempts
		}
		if o.Archive.Prefix == "" {
			o.Archive.Prefix = def.Archive.Prefix
		}
		if o.Archive.Storage.Type == "" {
			o.Archive.Storage.Type = "local"
		}
		if o.Archive.Storage.Type == "local" && o.Archive.Storage.Path == "" {
			o.Archive.Storage.Path = filepath.Join(o.Dir, "archive")
		}
	}
	return o
}

func (o Options) eventsDir() string { return filepath.Join(o.Dir, "events") }

// open constructs the ObjectStorage backend the archiver uploads to.
func (s StorageOptions) open() (storage.ObjectStorage, error) {
	switch s.Type {
	case "s3":
		return storage.NewS3Storage(context.Background(), s.S3.Bucket, s.S3)
	case "local", "":
		return storage.NewLocalStorage(s.Path)
	default:
		return nil, fmt.Errorf("eventcore: unknown archive storage type %q", s.Type)
	}
}
