// Package hlsdl turns a segmented-video manifest into a single playable file.
//
// Two strategies exist, chosen by the job's thread budget: a passthrough that
// hands the manifest straight to ffmpeg, and a parallel pipeline that fetches,
// decrypts and reassembles the segments itself for concurrency control and
// fine-grained progress.
package hlsdl

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/velorien/pahedl/internal/progress"
	"github.com/velorien/pahedl/internal/util"
)

var (
	// ErrEmptySegmentPlan means the manifest listed no segment URLs.
	ErrEmptySegmentPlan = errors.New("no segments in playlist")
	// ErrCancelled marks a deliberate stop, distinguished from failures.
	ErrCancelled = errors.New("download cancelled")
)

// Job is the unit of work for one episode download.
type Job struct {
	AnimeName   string
	Episode     int
	ManifestURL string
	// Threads selects the strategy: <=1 delegates to ffmpeg, >1 runs the
	// parallel segment pipeline with that many concurrent operations.
	Threads int
	Cookie  string
	Host    string
	// OutDir is the library base directory; empty means the current dir.
	OutDir string
	// Progress and Cancel are shared with the job's coordinator. Both are
	// optional; nil means progress is discarded and the job uncancellable.
	Progress *progress.Handle
	Cancel   *progress.CancelFlag
}

// Download runs one episode job to completion and returns the finished file
// path. On success exactly one output file exists at
// {OutDir}/{sanitized name}/{episode}.mp4 and the scratch directory is gone;
// on failure the scratch directory is left behind for inspection.
func Download(ctx context.Context, job Job) (string, error) {
	if job.Progress == nil {
		job.Progress = &progress.Handle{}
	}
	if job.Cancel == nil {
		job.Cancel = progress.NewCancelFlag()
	}

	base := job.OutDir
	if base == "" {
		base = "."
	}
	outDir := filepath.Join(base, util.SanitizeFilename(job.AnimeName))
	if err := os.MkdirAll(outDir, 0o700); err != nil {
		return "", errors.Wrap(err, "create output directory")
	}
	outFile := filepath.Join(outDir, fmt.Sprintf("%d.mp4", job.Episode))

	if job.Threads <= 1 {
		if err := ffmpegPassthrough(ctx, job, outFile); err != nil {
			return "", err
		}
		return outFile, nil
	}

	if err := downloadParallel(ctx, job, outDir, outFile); err != nil {
		return "", err
	}
	return outFile, nil
}

// downloadParallel is the manual pipeline: plan from the manifest, fan out
// segment fetches, decrypt when keyed, then concatenate in discovery order.
func downloadParallel(ctx context.Context, job Job, outDir, outFile string) error {
	work := filepath.Join(outDir, fmt.Sprintf("%d_work", job.Episode))
	// A leftover work dir is from an earlier failed attempt for this episode;
	// the caller guarantees no second job is live against it.
	if _, err := os.Stat(work); err == nil {
		if err := os.RemoveAll(work); err != nil {
			return errors.Wrap(err, "clear stale working directory")
		}
	}
	if err := os.MkdirAll(work, 0o700); err != nil {
		return errors.Wrap(err, "create working directory")
	}

	opts := util.RequestOptions{Cookie: job.Cookie, Referer: job.Host}

	manifest, err := util.GetBytes(ctx, job.ManifestURL, opts)
	if err != nil {
		return errors.Wrap(err, "fetch playlist")
	}
	if err := os.WriteFile(filepath.Join(work, "playlist.m3u8"), manifest, 0o600); err != nil {
		return errors.Wrap(err, "store playlist")
	}

	plan := parseSegmentPlan(string(manifest))
	if len(plan.SegmentURLs) == 0 {
		return ErrEmptySegmentPlan
	}
	job.Progress.SetTotal(int64(len(plan.SegmentURLs)))

	var key []byte
	if plan.KeyURI != "" {
		raw, err := util.GetBytes(ctx, plan.KeyURI, opts)
		if err != nil {
			return errors.Wrap(err, "fetch encryption key")
		}
		key, err = normalizeKey(raw)
		if err != nil {
			return err
		}
	}

	if err := downloadSegments(ctx, plan.SegmentURLs, work, job, opts); err != nil {
		return err
	}
	if key != nil {
		if err := decryptSegments(work, key, job.Threads); err != nil {
			return err
		}
	}

	listPath, err := writeConcatList(work)
	if err != nil {
		return err
	}
	if err := ffmpegConcat(listPath, outFile); err != nil {
		return err
	}

	if err := os.RemoveAll(work); err != nil {
		util.Warnf("Failed to clean working directory %s: %v", work, err)
	}
	return nil
}
