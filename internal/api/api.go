// Package api talks to the site's JSON endpoints: title search, release
// listings and per-anime page metadata. Every call takes the session cookie
// and host explicitly so the package holds no global state.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/pkg/errors"

	"github.com/velorien/pahedl/internal/models"
	"github.com/velorien/pahedl/internal/util"
)

// ErrEpisodeNotFound is returned when a release listing does not contain the
// requested episode number.
var ErrEpisodeNotFound = errors.New("episode not found in release listing")

type searchResponse struct {
	Data []models.SearchItem `json:"data"`
}

type releaseResponse struct {
	LastPage int           `json:"last_page"`
	Data     []wireEpisode `json:"data"`
}

// wireEpisode matches the release API's item shape. The episode field is a
// number that is fractional for specials (7.5); those are dropped on decode.
type wireEpisode struct {
	Episode json.Number `json:"episode"`
	Session string      `json:"session"`
}

func (w wireEpisode) toEpisode() (models.Episode, bool) {
	num, err := w.Episode.Int64()
	if err != nil {
		return models.Episode{}, false
	}
	return models.Episode{Num: int(num), Session: w.Session}, true
}

// Search queries the site for titles matching name.
func Search(ctx context.Context, name, cookie, host string) ([]models.SearchItem, error) {
	host = util.NormalizeHost(host)
	endpoint := fmt.Sprintf("%s/api?m=search&q=%s", host, url.QueryEscape(name))
	util.Debugf("searching: %s", endpoint)

	body, err := util.GetBytes(ctx, endpoint, util.RequestOptions{Cookie: cookie, Referer: host})
	if err != nil {
		return nil, errors.Wrap(err, "search request")
	}

	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.Wrap(err, "decode search response")
	}
	return resp.Data, nil
}

// FetchAllEpisodes walks every page of the release listing for the given
// anime session and returns the episodes in ascending order.
func FetchAllEpisodes(ctx context.Context, slug, cookie, host string) ([]models.Episode, error) {
	host = util.NormalizeHost(host)

	var episodes []models.Episode
	for page := 1; ; page++ {
		endpoint := fmt.Sprintf("%s/api?m=release&id=%s&sort=episode_asc&page=%d", host, url.PathEscape(slug), page)
		body, err := util.GetBytes(ctx, endpoint, util.RequestOptions{Cookie: cookie, Referer: host})
		if err != nil {
			return nil, errors.Wrapf(err, "release page %d", page)
		}

		var resp releaseResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, errors.Wrapf(err, "decode release page %d", page)
		}
		for _, w := range resp.Data {
			if ep, ok := w.toEpisode(); ok {
				episodes = append(episodes, ep)
			}
		}

		if page >= resp.LastPage {
			break
		}
	}
	util.Debugf("release listing for %s: %d episodes", slug, len(episodes))
	return episodes, nil
}

// FindSessionForEpisode resolves the play-page session token for one episode
// number within an anime's release listing.
func FindSessionForEpisode(ctx context.Context, slug string, number int, cookie, host string) (string, error) {
	episodes, err := FetchAllEpisodes(ctx, slug, cookie, host)
	if err != nil {
		return "", err
	}
	for _, ep := range episodes {
		if ep.Num == number {
			return ep.Session, nil
		}
	}
	return "", errors.Wrapf(ErrEpisodeNotFound, "episode %d of %s", number, slug)
}

// ResolveAnimeName fetches the anime page and reads its title tag, falling
// back to the provided name when the page gives nothing usable.
func ResolveAnimeName(ctx context.Context, slug, cookie, fallback, host string) string {
	host = util.NormalizeHost(host)
	doc, err := fetchDocument(ctx, fmt.Sprintf("%s/anime/%s", host, slug), cookie, host)
	if err != nil {
		util.Debugf("resolve anime name: %v", err)
		return fallback
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())
	// Page titles carry the site name as a suffix.
	if idx := strings.Index(title, " :: "); idx != -1 {
		title = strings.TrimSpace(title[:idx])
	}
	if title == "" {
		return fallback
	}
	return title
}

// FetchAnimePoster returns the poster image URL from the anime page. Best
// effort: an empty string means no poster was found.
func FetchAnimePoster(ctx context.Context, slug, cookie, host string) (string, error) {
	host = util.NormalizeHost(host)
	doc, err := fetchDocument(ctx, fmt.Sprintf("%s/anime/%s", host, slug), cookie, host)
	if err != nil {
		return "", errors.Wrap(err, "fetch anime page")
	}

	img := doc.Find("div.anime-poster img").First()
	if src, ok := img.Attr("data-src"); ok && src != "" {
		return src, nil
	}
	if src, ok := img.Attr("src"); ok && src != "" {
		return src, nil
	}
	return "", nil
}

func fetchDocument(ctx context.Context, pageURL, cookie, host string) (*goquery.Document, error) {
	resp, err := util.Get(ctx, pageURL, util.RequestOptions{Cookie: cookie, Referer: host})
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			util.Debugf("close response body: %v", cerr)
		}
	}()

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "parse page")
	}
	return doc, nil
}
