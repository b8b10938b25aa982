package hlsdl

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/velorien/pahedl/internal/util"
)

var keyURIRe = regexp.MustCompile(`#EXT-X-KEY:.*URI="([^"]+)"`)

// SegmentPlan is the parsed manifest: segment URLs in playback order, which
// is the only order assembly ever uses, plus the optional key locator.
type SegmentPlan struct {
	SegmentURLs []string
	KeyURI      string
}

// parseSegmentPlan keeps the absolute-URL lines of a manifest as the ordered
// segment list and picks up a key URI when one is declared. Everything else
// in the document is ignored.
func parseSegmentPlan(manifest string) SegmentPlan {
	var plan SegmentPlan
	for _, line := range strings.Split(manifest, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "http") {
			plan.SegmentURLs = append(plan.SegmentURLs, line)
		}
	}
	if m := keyURIRe.FindStringSubmatch(manifest); m != nil {
		plan.KeyURI = m[1]
	}
	return plan
}

// segmentFileName gives the on-disk name of segment i. Zero padding makes the
// lexical order of a directory listing reproduce discovery order, which the
// concat step depends on.
func segmentFileName(i int) string {
	return fmt.Sprintf("seg_%06d.ts", i)
}

// downloadSegments fans the segment fetches out under a limiter of exactly
// job.Threads in-flight requests. Any terminal fetch failure aborts the whole
// group: a partial episode is not acceptable output, so there is no
// per-segment retry. The cancel flag is observed before each new segment
// starts; work already in flight winds down on its own.
func downloadSegments(ctx context.Context, urls []string, workDir string, job Job, opts util.RequestOptions) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(job.Threads)

	for i, segURL := range urls {
		if job.Cancel.Cancelled() {
			break
		}
		i, segURL := i, segURL
		g.Go(func() error {
			if job.Cancel.Cancelled() {
				return nil
			}
			path := filepath.Join(workDir, segmentFileName(i))
			if err := fetchToFile(gctx, segURL, path, opts); err != nil {
				return errors.Wrapf(err, "fetch segment %d", i)
			}
			job.Progress.AddDone(1)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return errors.Wrap(err, "download segments")
	}
	if job.Cancel.Cancelled() {
		return ErrCancelled
	}
	return nil
}

// fetchToFile streams one URL into path, overwriting any previous attempt.
func fetchToFile(ctx context.Context, url, path string, opts util.RequestOptions) error {
	resp, err := util.Get(ctx, url, opts)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			util.Warnf("Failed to close response body: %v", closeErr)
		}
	}()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) // #nosec G304 - path is built from a trusted index
	if err != nil {
		return errors.Wrap(err, "create segment file")
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		_ = f.Close()
		return errors.Wrap(err, "write segment file")
	}
	return f.Close()
}

// writeConcatList lists the working directory and produces ffmpeg's concat
// input. Only segment payloads are kept, sorted lexically (equal to
// discovery order thanks to the zero-padded names); for segments that were
// decrypted the plaintext file is referenced instead of the .encrypted
// original.
func writeConcatList(workDir string) (string, error) {
	entries, err := os.ReadDir(workDir)
	if err != nil {
		return "", errors.Wrap(err, "list working directory")
	}

	var names []string
	for _, e := range entries {
		switch filepath.Ext(e.Name()) {
		case ".ts", ".encrypted":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		final := name
		if strings.HasSuffix(name, ".encrypted") {
			final = strings.TrimSuffix(name, ".encrypted")
		}
		fmt.Fprintf(&b, "file '%s'\n", filepath.Join(workDir, final))
	}

	listPath := filepath.Join(workDir, "file.list")
	if err := os.WriteFile(listPath, []byte(b.String()), 0o600); err != nil {
		return "", errors.Wrap(err, "write concat list")
	}
	return listPath, nil
}
