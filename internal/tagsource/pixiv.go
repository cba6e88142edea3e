package tagsource

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"boorukeep/internal/core"
)

// PixivConfig is the subset of config.PixivSource an adapter needs.
type PixivConfig struct {
	Timeout time.Duration
	IDRegex string // pattern with one capture group for the Pixiv illustration id
}

var defaultPixivIDRegex = regexp.MustCompile(`(?:pixiv[_.]?|illust[_]?)(\d{4,9})`)

// Pixiv implements TagSource by guessing a Pixiv illustration id from the
// artifact's filename and scraping the public illustration page for its
// tag list. Pixiv has no public JSON tag API usable without OAuth, so this
// uses a goquery HTML scrape rather than a JSON
// client.
type Pixiv struct {
	cfg     PixivConfig
	idRegex *regexp.Regexp
	client  *http.Client
}

// NewPixiv constructs a Pixiv adapter.
func NewPixiv(cfg PixivConfig) *Pixiv {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	re := defaultPixivIDRegex
	if cfg.IDRegex != "" {
		if compiled, err := regexp.Compile(cfg.IDRegex); err == nil {
			re = compiled
		}
	}
	return &Pixiv{cfg: cfg, idRegex: re, client: &http.Client{Timeout: timeout}}
}

func (p *Pixiv) Name() string { return "pixiv" }

// FetchByMD5 cannot resolve a Pixiv post from a content hash alone; Pixiv
// posts are only reachable by illustration id, so this always misses. The
// ingest worker instead takes a candidate id from IllustIDFromFilename and
// calls FetchByPostID.
func (p *Pixiv) FetchByMD5(ctx context.Context, md5 string) (*core.RawSourceResult, error) {
	return nil, ErrNoMatch
}

// IllustIDFromFilename extracts a candidate Pixiv illustration id from an
// artifact's original filename, e.g. "illust_12345678_p0.jpg".
func (p *Pixiv) IllustIDFromFilename(filename string) (string, bool) {
	m := p.idRegex.FindStringSubmatch(filename)
	if len(m) < 2 {
		return "", false
	}
	return m[1], true
}

func (p *Pixiv) FetchByPostID(ctx context.Context, illustID string) (*core.RawSourceResult, error) {
	pageURL := fmt.Sprintf("https://www.pixiv.net/en/artworks/%s", illustID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("tagsource(pixiv): build request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; boorukeep-ingest/1.0)")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tagsource(pixiv): request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNoMatch
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tagsource(pixiv): unexpected status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("tagsource(pixiv): parse page: %w", err)
	}

	title := strings.TrimSpace(doc.Find("head title").First().Text())
	if title == "" {
		return nil, ErrNoMatch
	}

	var general []string
	var artist []string
	doc.Find("a[href*='/tags/']").Each(func(_ int, s *goquery.Selection) {
		tag := strings.TrimSpace(s.Text())
		if tag != "" {
			general = append(general, strings.ReplaceAll(strings.ToLower(tag), " ", "_"))
		}
	})
	if author, ok := doc.Find("meta[property='og:title']").Attr("content"); ok {
		artist = append(artist, strings.TrimSpace(author))
	}

	return &core.RawSourceResult{
		Source: "pixiv",
		PostID: illustID,
		Tags: core.CategorizedTags{
			General: general,
			Artist:  artist,
		},
		Rating: core.RatingUnknown,
	}, nil
}
