package hlsdl

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velorien/pahedl/internal/progress"
)

func TestParseTimeToMillis(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  int64
		ok    bool
	}{
		{"00:00:00.00", 0, true},
		{"00:00:01.50", 1500, true},
		{"00:01:00.00", 60000, true},
		{"01:30:05.25", 5405250, true},
		{"N/A", 0, false},
		{"12:34", 0, false},
		{"aa:bb:cc", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseTimeToMillis(tt.input)
		assert.Equal(t, tt.ok, ok, "input %q", tt.input)
		if tt.ok {
			assert.Equal(t, tt.want, got, "input %q", tt.input)
		}
	}
}

func TestScanProgressReadsDurationAndPosition(t *testing.T) {
	t.Parallel()

	// ffmpeg separates status updates with carriage returns, not newlines.
	stderr := "Input #0, hls, from 'https://cdn.example/p.m3u8':\n" +
		"  Duration: 00:00:10.00, start: 0.000000, bitrate: 0 kb/s\n" +
		"frame=  100 fps=0.0 q=-1.0 size=     512KiB time=00:00:04.00 bitrate= 1.0kbits/s\r" +
		"frame=  250 fps=0.0 q=-1.0 size=    1024KiB time=00:00:10.00 bitrate= 1.0kbits/s\r"

	h := new(progress.Handle)
	scanProgress(strings.NewReader(stderr), h)

	done, total := h.Snapshot()
	assert.Equal(t, int64(10000), total)
	assert.Equal(t, int64(10000), done)
}

func TestScanProgressWithoutDurationGrowsTotal(t *testing.T) {
	t.Parallel()

	stderr := "frame=1 time=00:00:03.00 bitrate=1\r" +
		"frame=2 time=00:00:06.00 bitrate=1\r"

	h := new(progress.Handle)
	scanProgress(strings.NewReader(stderr), h)

	done, total := h.Snapshot()
	assert.Equal(t, int64(6000), done)
	assert.Equal(t, int64(6000), total, "total tracks the max observed position")
}

func TestPassthroughReportsProgressAndFinishes(t *testing.T) {
	script := `#!/bin/sh
printf 'Duration: 00:00:02.00, start: 0.000000, bitrate: 1 kb/s\n' >&2
printf 'frame=1 time=00:00:01.00 bitrate=1\r' >&2
printf 'frame=2 time=00:00:02.00 bitrate=1\r' >&2
for last; do :; done
: > "$last"
`
	path := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o700))
	SetFFmpegPath(path)
	t.Cleanup(func() { SetFFmpegPath("") })

	handle := new(progress.Handle)
	outDir := t.TempDir()
	out, err := Download(context.Background(), Job{
		AnimeName:   "Stream",
		Episode:     7,
		ManifestURL: "https://cdn.example/p.m3u8",
		Threads:     1,
		OutDir:      outDir,
		Progress:    handle,
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(outDir, "Stream", "7.mp4"), out)
	assert.FileExists(t, out)

	done, total := handle.Snapshot()
	assert.Equal(t, int64(2000), total)
	assert.Equal(t, done, total, "bar snaps to complete on success")
}

func TestPassthroughCancelKillsProcess(t *testing.T) {
	script := "#!/bin/sh\nsleep 60\n"
	path := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o700))
	SetFFmpegPath(path)
	t.Cleanup(func() { SetFFmpegPath("") })

	cancel := progress.NewCancelFlag()
	errCh := make(chan error, 1)
	go func() {
		_, err := Download(context.Background(), Job{
			AnimeName:   "Stuck",
			Episode:     1,
			ManifestURL: "https://cdn.example/p.m3u8",
			Threads:     1,
			OutDir:      t.TempDir(),
			Cancel:      cancel,
		})
		errCh <- err
	}()

	time.Sleep(100 * time.Millisecond)
	cancel.Cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(10 * time.Second):
		t.Fatal("cancel did not terminate the passthrough run")
	}
}

func TestPassthroughFailureIsReported(t *testing.T) {
	script := "#!/bin/sh\necho 'p.m3u8: Server returned 403 Forbidden' >&2\nexit 1\n"
	path := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o700))
	SetFFmpegPath(path)
	t.Cleanup(func() { SetFFmpegPath("") })

	_, err := Download(context.Background(), Job{
		AnimeName:   "Denied",
		Episode:     1,
		ManifestURL: "https://cdn.example/p.m3u8",
		Threads:     1,
		OutDir:      t.TempDir(),
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCancelled)
	assert.NotErrorIs(t, err, ErrFFmpegTimeout)
}
