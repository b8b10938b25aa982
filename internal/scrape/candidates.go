// Package scrape extracts playback sources from play pages and recovers the
// segmented-video manifest hidden behind the site's packed player script.
package scrape

import (
	"context"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/pkg/errors"

	"github.com/velorien/pahedl/internal/models"
	"github.com/velorien/pahedl/internal/util"
)

// preferredHostMarker identifies the delivery host whose sources decode most
// reliably; selection prefers it when several candidates survive filtering.
const preferredHostMarker = "kwik"

// ExtractCandidates fetches a play page and collects every playback source
// button into a candidate list, in document order.
func ExtractCandidates(ctx context.Context, playURL, cookie string) ([]models.Candidate, error) {
	resp, err := util.Get(ctx, playURL, util.RequestOptions{Cookie: cookie})
	if err != nil {
		return nil, errors.Wrap(err, "fetch play page")
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			util.Warnf("Failed to close response body: %v", closeErr)
		}
	}()

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "parse play page HTML")
	}

	var out []models.Candidate
	doc.Find("button[data-src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("data-src")
		if src == "" {
			return
		}
		out = append(out, models.Candidate{
			Src:        src,
			Audio:      s.AttrOr("data-audio", ""),
			Resolution: s.AttrOr("data-resolution", ""),
			AV1:        s.AttrOr("data-av1", ""),
		})
	})
	return out, nil
}

// SelectCandidate picks one source from a candidate list. AV1 variants are
// always excluded (downstream stream copy assumes the baseline codec). The
// audio and resolution preferences each narrow the set only when at least one
// candidate matches; a preference nobody satisfies is ignored rather than
// failing. Among the survivors the last candidate on the preferred delivery
// host wins, falling back to the last survivor overall. Returns nil only for
// an empty list or when every candidate was an AV1 variant.
func SelectCandidate(candidates []models.Candidate, audioPref, resolutionPref string) *models.Candidate {
	filtered := make([]models.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if !c.IsAV1() {
			filtered = append(filtered, c)
		}
	}
	if len(filtered) == 0 {
		return nil
	}

	if audioPref != "" {
		if narrowed := filterBy(filtered, func(c models.Candidate) bool { return c.Audio == audioPref }); len(narrowed) > 0 {
			filtered = narrowed
		}
	}
	if resolutionPref != "" {
		if narrowed := filterBy(filtered, func(c models.Candidate) bool { return c.Resolution == resolutionPref }); len(narrowed) > 0 {
			filtered = narrowed
		}
	}

	for i := len(filtered) - 1; i >= 0; i-- {
		if strings.Contains(filtered[i].Src, preferredHostMarker) {
			return &filtered[i]
		}
	}
	return &filtered[len(filtered)-1]
}

func filterBy(in []models.Candidate, keep func(models.Candidate) bool) []models.Candidate {
	var out []models.Candidate
	for _, c := range in {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}
