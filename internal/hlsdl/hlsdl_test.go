package hlsdl

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velorien/pahedl/internal/progress"
)

// fakeFFmpeg installs a shell stand-in for ffmpeg that understands the concat
// invocation: it resolves the list file after -i and concatenates the listed
// files into the final argument.
func fakeFFmpeg(t *testing.T) {
	t.Helper()

	script := `#!/bin/sh
list=""
while [ $# -gt 1 ]; do
  if [ "$1" = "-i" ]; then list="$2"; fi
  shift
done
out="$1"
: > "$out"
sed -e "s/^file '//" -e "s/'$//" "$list" | while IFS= read -r f; do
  cat "$f" >> "$out"
done
`
	path := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o700))
	SetFFmpegPath(path)
	t.Cleanup(func() { SetFFmpegPath("") })
}

// origin serves a manifest and numbered segments, with optional per-request
// jitter so completion order differs from discovery order.
func origin(t *testing.T, segments [][]byte, keyed bool, key []byte, jitter time.Duration) *httptest.Server {
	t.Helper()

	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if jitter > 0 {
			time.Sleep(time.Duration(rand.Int63n(int64(jitter))))
		}
		switch {
		case r.URL.Path == "/playlist.m3u8":
			var b strings.Builder
			b.WriteString("#EXTM3U\n")
			if keyed {
				fmt.Fprintf(&b, "#EXT-X-KEY:METHOD=AES-128,URI=\"%s/key\"\n", server.URL)
			}
			for i := range segments {
				fmt.Fprintf(&b, "#EXTINF:4.0,\n%s/seg/%d\n", server.URL, i)
			}
			b.WriteString("#EXT-X-ENDLIST\n")
			_, _ = w.Write([]byte(b.String()))
		case r.URL.Path == "/key":
			_, _ = w.Write(key)
		case strings.HasPrefix(r.URL.Path, "/seg/"):
			var i int
			_, err := fmt.Sscanf(r.URL.Path, "/seg/%d", &i)
			require.NoError(t, err)
			_, _ = w.Write(segments[i])
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestDownloadParallelAssemblesInOrder(t *testing.T) {
	fakeFFmpeg(t)

	segments := make([][]byte, 20)
	var want []byte
	for i := range segments {
		segments[i] = []byte(fmt.Sprintf("segment-%02d;", i))
		want = append(want, segments[i]...)
	}
	server := origin(t, segments, false, nil, 5*time.Millisecond)

	handle := new(progress.Handle)
	outDir := t.TempDir()
	path, err := Download(context.Background(), Job{
		AnimeName:   "Test Show",
		Episode:     3,
		ManifestURL: server.URL + "/playlist.m3u8",
		Threads:     4,
		OutDir:      outDir,
		Progress:    handle,
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(outDir, "Test Show", "3.mp4"), path)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, want, got, "assembly must follow discovery order regardless of completion order")

	done, total := handle.Snapshot()
	assert.Equal(t, int64(len(segments)), total)
	assert.Equal(t, int64(len(segments)), done)

	_, err = os.Stat(filepath.Join(outDir, "Test Show", "3_work"))
	assert.True(t, os.IsNotExist(err), "working directory must be removed on success")
}

func TestDownloadParallelDecryptsKeyedManifest(t *testing.T) {
	fakeFFmpeg(t)

	key := []byte("0123456789abcdef")
	plains := [][]byte{
		[]byte("first segment payload"),
		[]byte("second segment payload"),
	}
	var want []byte
	segments := make([][]byte, len(plains))
	for i, p := range plains {
		segments[i] = encryptSegment(t, p, key)
		want = append(want, p...)
	}
	server := origin(t, segments, true, key, 0)

	outDir := t.TempDir()
	path, err := Download(context.Background(), Job{
		AnimeName:   "Keyed",
		Episode:     1,
		ManifestURL: server.URL + "/playlist.m3u8",
		Threads:     2,
		OutDir:      outDir,
	})
	require.NoError(t, err)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, want, got, "every segment must be decrypted before assembly")
}

func TestDownloadEmptyPlanFetchesNothing(t *testing.T) {
	fakeFFmpeg(t)

	segmentHits := 0
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/playlist.m3u8" {
			_, _ = w.Write([]byte("#EXTM3U\n#EXT-X-ENDLIST\n"))
			return
		}
		segmentHits++
		http.NotFound(w, r)
	}))
	defer server.Close()

	_, err := Download(context.Background(), Job{
		AnimeName:   "Empty",
		Episode:     1,
		ManifestURL: server.URL + "/playlist.m3u8",
		Threads:     2,
		OutDir:      t.TempDir(),
	})
	assert.ErrorIs(t, err, ErrEmptySegmentPlan)
	assert.Zero(t, segmentHits)
}

func TestDownloadSegmentFailureFailsJob(t *testing.T) {
	fakeFFmpeg(t)

	segments := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/playlist.m3u8":
			var b strings.Builder
			b.WriteString("#EXTM3U\n")
			for i := range segments {
				fmt.Fprintf(&b, "%s/seg/%d\n", server.URL, i)
			}
			_, _ = w.Write([]byte(b.String()))
		case r.URL.Path == "/seg/1":
			http.NotFound(w, r)
		case strings.HasPrefix(r.URL.Path, "/seg/"):
			_, _ = w.Write([]byte("data"))
		}
	}))
	defer server.Close()

	outDir := t.TempDir()
	_, err := Download(context.Background(), Job{
		AnimeName:   "Broken",
		Episode:     2,
		ManifestURL: server.URL + "/playlist.m3u8",
		Threads:     2,
		OutDir:      outDir,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "segment 1")

	_, statErr := os.Stat(filepath.Join(outDir, "Broken", "2.mp4"))
	assert.True(t, os.IsNotExist(statErr), "no output file after a failed job")
	_, statErr = os.Stat(filepath.Join(outDir, "Broken", "2_work"))
	assert.NoError(t, statErr, "working directory left behind for inspection")
}

func TestDownloadCancelledBeforeSegments(t *testing.T) {
	fakeFFmpeg(t)

	server := origin(t, [][]byte{[]byte("a")}, false, nil, 0)

	cancel := progress.NewCancelFlag()
	cancel.Cancel()

	_, err := Download(context.Background(), Job{
		AnimeName:   "Stopped",
		Episode:     1,
		ManifestURL: server.URL + "/playlist.m3u8",
		Threads:     2,
		OutDir:      t.TempDir(),
		Cancel:      cancel,
	})
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestDownloadCancelledMidFlight(t *testing.T) {
	fakeFFmpeg(t)

	const segmentCount = 12
	firstServed := make(chan struct{})
	release := make(chan struct{})
	var firstOnce sync.Once

	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/playlist.m3u8":
			var b strings.Builder
			b.WriteString("#EXTM3U\n")
			for i := 0; i < segmentCount; i++ {
				fmt.Fprintf(&b, "%s/seg/%d\n", server.URL, i)
			}
			_, _ = w.Write([]byte(b.String()))
		case r.URL.Path == "/seg/0":
			_, _ = w.Write([]byte("first"))
			firstOnce.Do(func() { close(firstServed) })
		case strings.HasPrefix(r.URL.Path, "/seg/"):
			// Remaining segments stall until the test releases them, so the
			// cancel lands while the job is mid-flight.
			<-release
			_, _ = w.Write([]byte("late"))
		}
	}))
	defer server.Close()

	handle := new(progress.Handle)
	cancel := progress.NewCancelFlag()
	outDir := t.TempDir()

	errCh := make(chan error, 1)
	go func() {
		_, err := Download(context.Background(), Job{
			AnimeName:   "Interrupted",
			Episode:     9,
			ManifestURL: server.URL + "/playlist.m3u8",
			Threads:     2,
			OutDir:      outDir,
			Progress:    handle,
			Cancel:      cancel,
		})
		errCh <- err
	}()

	select {
	case <-firstServed:
	case <-time.After(10 * time.Second):
		t.Fatal("first segment was never requested")
	}
	cancel.Cancel()
	close(release)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(10 * time.Second):
		t.Fatal("cancel did not terminate the job")
	}

	done, _ := handle.Snapshot()
	assert.Positive(t, done, "at least one segment completed before the cancel")

	_, err := os.Stat(filepath.Join(outDir, "Interrupted", "9_work"))
	assert.NoError(t, err, "working directory survives a mid-flight cancel")
	_, err = os.Stat(filepath.Join(outDir, "Interrupted", "9.mp4"))
	assert.True(t, os.IsNotExist(err), "no output file after a cancelled job")
}

func TestDownloadStaleWorkDirIsCleared(t *testing.T) {
	fakeFFmpeg(t)

	segments := [][]byte{[]byte("fresh")}
	server := origin(t, segments, false, nil, 0)

	outDir := t.TempDir()
	stale := filepath.Join(outDir, "Retry", "1_work")
	require.NoError(t, os.MkdirAll(stale, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(stale, "seg_000009.ts"), []byte("old junk"), 0o600))

	path, err := Download(context.Background(), Job{
		AnimeName:   "Retry",
		Episode:     1,
		ManifestURL: server.URL + "/playlist.m3u8",
		Threads:     2,
		OutDir:      outDir,
	})
	require.NoError(t, err)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh"), got, "stale segments must not leak into the output")
}
