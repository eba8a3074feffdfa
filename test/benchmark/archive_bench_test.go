package benchmark

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/arkiliandb/eventcore/internal/archive"
)

// BenchmarkArchiverUpload measures the cold-storage archiver's compress +
// upload path against whichever backend getBenchmarkStorage selects.
func BenchmarkArchiverUpload(b *testing.B) {
	st, _, cleanup := getBenchmarkStorage(b, "archiver-upload")
	defer cleanup()

	segDir, err := os.MkdirTemp("", "eventcore-bench-seg-*")
	if err != nil {
		b.Fatal(err)
	}
	defer os.RemoveAll(segDir)

	content := make([]byte, 4<<20) // 4MB, roughly one sealed segment
	for i := range content {
		content[i] = byte(i % 256)
	}

	a := archive.New(st, archive.Config{Prefix: "bench-segments/", RetryInterval: time.Hour, MaxAttempts: 3})
	defer a.Close()

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		segPath := filepath.Join(segDir, fmt.Sprintf("events-%08d.seg", i))
		if err := os.WriteFile(segPath, content, 0644); err != nil {
			b.Fatal(err)
		}
		start := a.Snapshot().Uploaded
		a.ArchiveAsync(segPath, uint64(i))
		for a.Snapshot().Uploaded == start {
			time.Sleep(time.Millisecond)
		}
	}
}
