// Package runner drives the per-episode acquisition loop: session lookup,
// source selection, manifest resolution and the download itself, reporting
// coarse status transitions and sampled progress through callbacks.
package runner

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/velorien/pahedl/internal/api"
	"github.com/velorien/pahedl/internal/hlsdl"
	"github.com/velorien/pahedl/internal/models"
	"github.com/velorien/pahedl/internal/progress"
	"github.com/velorien/pahedl/internal/scrape"
	"github.com/velorien/pahedl/internal/tracker"
	"github.com/velorien/pahedl/internal/util"
)

// ErrEpisodeInFlight rejects a duplicate start for an episode that is
// already being downloaded.
var ErrEpisodeInFlight = errors.New("episode already downloading")

// Settings carries the site session and user preferences for one batch.
type Settings struct {
	AnimeName  string
	Slug       string
	Cookie     string
	Host       string
	OutDir     string
	Threads    int
	Audio      string
	Resolution string
}

// Runner executes episode downloads one at a time and keeps the registry of
// in-flight jobs so they can be cancelled.
type Runner struct {
	settings Settings
	tracker  *tracker.Tracker

	onStatus   func(models.StatusUpdate)
	onProgress func(models.ProgressEvent)

	mu     sync.Mutex
	active map[int]*progress.CancelFlag
}

// New builds a Runner. Either callback may be nil.
func New(settings Settings, tr *tracker.Tracker, onStatus func(models.StatusUpdate), onProgress func(models.ProgressEvent)) *Runner {
	settings.Host = util.NormalizeHost(settings.Host)
	if settings.Threads < 1 {
		settings.Threads = 1
	}
	return &Runner{
		settings:   settings,
		tracker:    tr,
		onStatus:   onStatus,
		onProgress: onProgress,
		active:     make(map[int]*progress.CancelFlag),
	}
}

// Run downloads the given episodes in order. A failed episode records its
// status and the batch continues; the returned error only reflects problems
// setting the batch up, never individual episode failures.
func (r *Runner) Run(ctx context.Context, episodes []int) error {
	for _, ep := range episodes {
		if err := r.runEpisode(ctx, ep); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			util.Debugf("episode %d: %v", ep, err)
		}
	}
	return nil
}

// Cancel requests cooperative cancellation of an in-flight episode. It is a
// no-op when the episode is not downloading.
func (r *Runner) Cancel(episode int) {
	r.mu.Lock()
	flag := r.active[episode]
	r.mu.Unlock()
	if flag != nil {
		flag.Cancel()
	}
}

// CancelAll cancels every in-flight episode.
func (r *Runner) CancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, flag := range r.active {
		flag.Cancel()
	}
}

func (r *Runner) register(episode int) (*progress.CancelFlag, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[episode]; ok {
		return nil, errors.Wrapf(ErrEpisodeInFlight, "episode %d", episode)
	}
	flag := progress.NewCancelFlag()
	r.active[episode] = flag
	return flag, nil
}

func (r *Runner) unregister(episode int) {
	r.mu.Lock()
	delete(r.active, episode)
	r.mu.Unlock()
}

func (r *Runner) emitStatus(episode int, status, path string) {
	if r.onStatus != nil {
		r.onStatus(models.StatusUpdate{Episode: episode, Status: status, Path: path})
	}
}

func (r *Runner) runEpisode(ctx context.Context, episode int) error {
	cancel, err := r.register(episode)
	if err != nil {
		return err
	}
	defer r.unregister(episode)

	recordID, err := r.tracker.Add(r.settings.AnimeName, episode, r.settings.Slug, r.settings.Audio, r.settings.Resolution)
	if err != nil {
		return errors.Wrap(err, "track attempt")
	}

	fail := func(cause error) error {
		reason := rootMessage(cause)
		if terr := r.tracker.MarkFailed(recordID, reason); terr != nil {
			util.Warnf("record failure: %v", terr)
		}
		r.emitStatus(episode, fmt.Sprintf("%s: %s", models.StatusFailed, reason), "")
		return cause
	}

	r.emitStatus(episode, models.StatusFetchingLink, "")
	session, err := api.FindSessionForEpisode(ctx, r.settings.Slug, episode, r.settings.Cookie, r.settings.Host)
	if err != nil {
		return fail(err)
	}

	playURL := fmt.Sprintf("%s/play/%s/%s", r.settings.Host, r.settings.Slug, session)
	candidates, err := scrape.ExtractCandidates(ctx, playURL, r.settings.Cookie)
	if err != nil {
		return fail(err)
	}

	picked := scrape.SelectCandidate(candidates, r.settings.Audio, r.settings.Resolution)
	if picked == nil {
		if terr := r.tracker.MarkFailed(recordID, models.StatusNoMatchingSource); terr != nil {
			util.Warnf("record failure: %v", terr)
		}
		r.emitStatus(episode, models.StatusNoMatchingSource, "")
		return errors.Errorf("no matching source for episode %d", episode)
	}

	r.emitStatus(episode, models.StatusExtractingPlaylist, "")
	manifestURL, err := scrape.ResolveManifest(ctx, picked.Src, r.settings.Cookie, r.settings.Host)
	if err != nil {
		return fail(err)
	}

	r.emitStatus(episode, models.StatusDownloading, "")

	handle := new(progress.Handle)
	coord := progress.StartCoordinator(episode, handle, cancel, func(ev models.ProgressEvent) {
		if terr := r.tracker.UpdateProgress(recordID, ev.Done, ev.Total); terr != nil {
			util.Debugf("record progress: %v", terr)
		}
		if r.onProgress != nil {
			r.onProgress(ev)
		}
	})

	path, dlErr := hlsdl.Download(ctx, hlsdl.Job{
		AnimeName:   r.settings.AnimeName,
		Episode:     episode,
		ManifestURL: manifestURL,
		Threads:     r.settings.Threads,
		Cookie:      r.settings.Cookie,
		Host:        r.settings.Host,
		OutDir:      r.settings.OutDir,
		Progress:    handle,
		Cancel:      cancel,
	})

	// No progress events may follow the terminal status.
	coord.Join()

	switch {
	case dlErr == nil:
		if terr := r.tracker.MarkCompleted(recordID, path); terr != nil {
			util.Warnf("record completion: %v", terr)
		}
		r.emitStatus(episode, models.StatusDone, path)
		return nil
	case errors.Is(dlErr, hlsdl.ErrCancelled) || cancel.Cancelled():
		if terr := r.tracker.MarkCancelled(recordID); terr != nil {
			util.Warnf("record cancellation: %v", terr)
		}
		r.emitStatus(episode, models.StatusCancelled, "")
		return nil
	default:
		return fail(dlErr)
	}
}

// rootMessage extracts the innermost error message for user-facing status.
func rootMessage(err error) string {
	return errors.Cause(err).Error()
}
