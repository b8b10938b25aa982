package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/ktr0731/go-fuzzyfinder"
	"github.com/pkg/errors"

	"github.com/velorien/pahedl/internal/api"
	"github.com/velorien/pahedl/internal/models"
	"github.com/velorien/pahedl/internal/runner"
	"github.com/velorien/pahedl/internal/tracker"
	"github.com/velorien/pahedl/internal/util"
)

const version = "0.3.1"

const defaultHost = "https://animepahe.ru"

func main() {
	nameFlag := flag.String("name", "", "anime name to search for")
	episodesFlag := flag.String("episodes", "", "episode or range to download, e.g. 3 or 1-12")
	threadsFlag := flag.Int("threads", 4, "parallel segment downloads; 1 streams through ffmpeg")
	cookieFlag := flag.String("cookie", "", "session cookie for the site")
	hostFlag := flag.String("host", defaultHost, "site base URL")
	dirFlag := flag.String("dir", ".", "destination directory")
	audioFlag := flag.String("audio", "", "preferred audio language, e.g. jpn or eng")
	resolutionFlag := flag.String("resolution", "", "preferred resolution, e.g. 1080")
	debugFlag := flag.Bool("debug", false, "enable debug logging")
	versionFlag := flag.Bool("version", false, "show version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("pahedl v%s\n", version)
		return
	}

	util.SetDebugMode(*debugFlag)
	util.InitLogger()

	if err := run(*nameFlag, *episodesFlag, *cookieFlag, *hostFlag, *dirFlag, *audioFlag, *resolutionFlag, *threadsFlag); err != nil {
		util.Errorf("%v", err)
		os.Exit(1)
	}
}

func run(name, episodeRange, cookie, host, dir, audio, resolution string, threads int) error {
	if name == "" {
		return errors.New("missing -name")
	}
	if episodeRange == "" {
		return errors.New("missing -episodes")
	}
	first, last, err := parseEpisodeRange(episodeRange)
	if err != nil {
		return err
	}

	ctx := context.Background()

	results, err := api.Search(ctx, name, cookie, host)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		return errors.Errorf("no results for %q", name)
	}
	picked, err := pickAnime(results)
	if err != nil {
		return err
	}

	title := api.ResolveAnimeName(ctx, picked.Session, cookie, picked.Title, host)
	util.Infof("selected: %s", title)

	listing, err := api.FetchAllEpisodes(ctx, picked.Session, cookie, host)
	if err != nil {
		return err
	}
	episodes := availableInRange(listing, first, last)
	if len(episodes) == 0 {
		return errors.Errorf("no episodes of %s in range %d-%d", title, first, last)
	}

	tr, err := tracker.New(dir)
	if err != nil {
		return err
	}

	var program *tea.Program
	r := runner.New(runner.Settings{
		AnimeName:  title,
		Slug:       picked.Session,
		Cookie:     cookie,
		Host:       host,
		OutDir:     dir,
		Threads:    threads,
		Audio:      audio,
		Resolution: resolution,
	}, tr,
		func(u models.StatusUpdate) { program.Send(statusMsg(u)) },
		func(ev models.ProgressEvent) { program.Send(progressMsg(ev)) },
	)

	model := newBatchModel(title, r.CancelAll)
	program = tea.NewProgram(model)

	go func() {
		if err := r.Run(ctx, episodes); err != nil {
			util.Debugf("batch: %v", err)
		}
		program.Send(batchDoneMsg{})
	}()

	if _, err := program.Run(); err != nil {
		return errors.Wrap(err, "progress display")
	}
	return nil
}

func pickAnime(results []models.SearchItem) (models.SearchItem, error) {
	if len(results) == 1 {
		return results[0], nil
	}
	idx, err := fuzzyfinder.Find(results, func(i int) string {
		return results[i].Title
	})
	if err != nil {
		return models.SearchItem{}, errors.Wrap(err, "select anime")
	}
	return results[idx], nil
}

// parseEpisodeRange accepts a single number or a-b (inclusive, a <= b).
func parseEpisodeRange(s string) (first, last int, err error) {
	lo, hi, found := strings.Cut(s, "-")
	first, err = strconv.Atoi(strings.TrimSpace(lo))
	if err != nil {
		return 0, 0, errors.Errorf("bad episode range %q", s)
	}
	if !found {
		return first, first, nil
	}
	last, err = strconv.Atoi(strings.TrimSpace(hi))
	if err != nil || last < first {
		return 0, 0, errors.Errorf("bad episode range %q", s)
	}
	return first, last, nil
}

// availableInRange keeps only episode numbers the listing actually has.
func availableInRange(listing []models.Episode, first, last int) []int {
	var out []int
	for _, ep := range listing {
		if ep.Num >= first && ep.Num <= last {
			out = append(out, ep.Num)
		}
	}
	return out
}
