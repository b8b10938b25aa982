package hlsdl

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/velorien/pahedl/internal/progress"
	"github.com/velorien/pahedl/internal/util"
)

// PassthroughTimeout is the hard wall-clock bound on one ffmpeg passthrough
// run. It is fatal regardless of the cancel flag.
const PassthroughTimeout = 300 * time.Second

var (
	// ErrFFmpegNotFound is kept distinct so callers can tell the user to
	// install the dependency instead of reporting a broken download.
	ErrFFmpegNotFound = errors.New("ffmpeg not found")
	// ErrFFmpegTimeout means the passthrough run exceeded PassthroughTimeout.
	ErrFFmpegTimeout = errors.New("ffmpeg timed out")
)

var (
	ffmpegMu       sync.Mutex
	ffmpegOverride string
)

// SetFFmpegPath pins the ffmpeg binary to use instead of searching PATH.
// Used when a bundled binary ships next to the application.
func SetFFmpegPath(path string) {
	ffmpegMu.Lock()
	defer ffmpegMu.Unlock()
	ffmpegOverride = path
}

func resolveFFmpeg() (string, error) {
	ffmpegMu.Lock()
	override := ffmpegOverride
	ffmpegMu.Unlock()
	if override != "" {
		return override, nil
	}
	path, err := exec.LookPath("ffmpeg")
	if err != nil {
		return "", ErrFFmpegNotFound
	}
	return path, nil
}

// ffmpegPassthrough hands the manifest URL straight to ffmpeg for stream
// copy, forwarding the session headers. Progress is recovered from ffmpeg's
// diagnostic stream in milliseconds of media: the Duration announcement sets
// the total and each time= update the position. Every position update also
// raises the total to at least that position, covering both a stream that
// never announces a duration and one that runs past the announced value;
// until either line arrives a provisional total of 1000 keeps the bar alive.
func ffmpegPassthrough(ctx context.Context, job Job, outFile string) error {
	ffmpeg, err := resolveFFmpeg()
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, ffmpeg,
		"-headers", fmt.Sprintf("Referer: %s\r\nCookie: %s", job.Host, job.Cookie),
		"-i", job.ManifestURL,
		"-c", "copy",
		"-y", outFile,
	) // #nosec G204 - binary path resolved above, arguments are not shell-interpreted
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return errors.Wrap(err, "pipe ffmpeg stderr")
	}
	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "spawn ffmpeg")
	}

	job.Progress.SetTotal(1000)
	job.Progress.SetDone(0)

	// Watchdog: the hard timeout and the cooperative cancel both terminate
	// the external process; the stderr reader then drains and Wait returns.
	finished := make(chan struct{})
	var timedOut, cancelled bool
	var watchdogDone sync.WaitGroup
	watchdogDone.Add(1)
	go func() {
		defer watchdogDone.Done()
		select {
		case <-finished:
		case <-time.After(PassthroughTimeout):
			timedOut = true
			_ = cmd.Process.Kill()
		case <-job.Cancel.Done():
			cancelled = true
			_ = cmd.Process.Kill()
		}
	}()

	scanProgress(stderr, job.Progress)

	waitErr := cmd.Wait()
	close(finished)
	watchdogDone.Wait()

	switch {
	case timedOut:
		return ErrFFmpegTimeout
	case cancelled:
		return ErrCancelled
	case waitErr != nil:
		return errors.Wrap(waitErr, "ffmpeg failed")
	}

	// Snap the bar to 100% once the tool exits cleanly.
	if _, total := job.Progress.Snapshot(); total > 0 {
		job.Progress.SetDone(total)
	}
	return nil
}

// scanProgress reads ffmpeg's diagnostic stream and feeds the counters.
// ffmpeg terminates its status updates with carriage returns, so the scanner
// splits on either CR or LF.
func scanProgress(r io.Reader, h *progress.Handle) {
	scanner := bufio.NewScanner(r)
	scanner.Split(scanCROrLF)

	durationKnown := false
	for scanner.Scan() {
		line := scanner.Text()

		if !durationKnown {
			if idx := strings.Index(line, "Duration:"); idx != -1 {
				rest := strings.TrimSpace(line[idx+len("Duration:"):])
				field, _, _ := strings.Cut(rest, ",")
				if ms, ok := parseTimeToMillis(strings.TrimSpace(field)); ok {
					h.SetTotal(ms)
					durationKnown = true
				}
			}
		}

		if idx := strings.Index(line, "time="); idx != -1 {
			token := line[idx+len("time="):]
			if fields := strings.Fields(token); len(fields) > 0 {
				if ms, ok := parseTimeToMillis(fields[0]); ok {
					h.SetDone(ms)
					// Streams occasionally run past the announced duration;
					// keep total >= done either way.
					h.GrowTotal(ms)
				}
			}
		}
	}
}

// parseTimeToMillis converts ffmpeg's HH:MM:SS.cc notation to milliseconds.
func parseTimeToMillis(input string) (int64, bool) {
	parts := strings.Split(input, ":")
	if len(parts) != 3 {
		return 0, false
	}
	hours, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	minutes, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	seconds, err3 := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, false
	}
	return int64((hours*3600 + minutes*60 + seconds) * 1000), true
}

// scanCROrLF is a bufio.SplitFunc treating both \r and \n as line ends.
func scanCROrLF(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// ffmpegConcat stitches the downloaded segments into the final file with
// stream copy, overwriting any previous output.
func ffmpegConcat(listPath, outFile string) error {
	ffmpeg, err := resolveFFmpeg()
	if err != nil {
		return err
	}

	cmd := exec.Command(ffmpeg,
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-y", outFile,
	) // #nosec G204 - binary path resolved above, arguments are not shell-interpreted
	out, err := cmd.CombinedOutput()
	if err != nil {
		util.Debugf("ffmpeg concat output: %s", string(out))
		return errors.Wrap(err, "ffmpeg concat failed")
	}
	return nil
}
