package tagsource

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"boorukeep/internal/core"
)

// defaultBooruRate caps each booru adapter at two requests per second
// (burst 2) so a large ingest sweep does not hammer a shared public API.
const defaultBooruRate = 2

// BooruConfig is the subset of config.BooruSource an adapter needs; kept as
// its own type so this package does not import internal/config.
type BooruConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// booruPost is the normalized shape every Danbooru-family API returns,
// after each adapter's own search/post endpoint response has been mapped
// into it.
type booruPost struct {
	ID          string
	ParentID    string
	HasChildren bool
	TagString   string // combined, category-prefixed tag string
	Rating      string
	Score       float64
	Raw         []byte
}

// booruAdapter implements TagSource/PostIDFetcher for a Danbooru-API-shaped
// provider. Danbooru, e621, Gelbooru, and Yande.re all expose a
// `/posts.json?tags=md5:<hash>` style search endpoint; differences in exact
// field names are handled by the per-source searchURL/parse functions.
type booruAdapter struct {
	name      string
	cfg       BooruConfig
	client    *http.Client
	limiter   *rate.Limiter
	searchURL func(base, md5 string) string
	postURL   func(base, id string) string
	parse     func(body []byte) (*booruPost, error)
}

func newBooruAdapter(name string, cfg BooruConfig, searchURL, postURL func(base, key string) string, parse func([]byte) (*booruPost, error)) *booruAdapter {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &booruAdapter{
		name:      name,
		cfg:       cfg,
		client:    &http.Client{Timeout: timeout},
		limiter:   rate.NewLimiter(rate.Limit(defaultBooruRate), defaultBooruRate),
		searchURL: searchURL,
		postURL:   postURL,
		parse:     parse,
	}
}

func (a *booruAdapter) Name() string { return a.name }

func (a *booruAdapter) FetchByMD5(ctx context.Context, md5 string) (*core.RawSourceResult, error) {
	return a.fetch(ctx, a.searchURL(a.cfg.BaseURL, md5))
}

func (a *booruAdapter) FetchByPostID(ctx context.Context, postID string) (*core.RawSourceResult, error) {
	return a.fetch(ctx, a.postURL(a.cfg.BaseURL, postID))
}

func (a *booruAdapter) fetch(ctx context.Context, requestURL string) (*core.RawSourceResult, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("tagsource(%s): rate limit wait: %w", a.name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("tagsource(%s): build request: %w", a.name, err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tagsource(%s): request failed: %w", a.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("tagsource(%s): upstream error status %d", a.name, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("tagsource(%s): read response: %w", a.name, err)
	}
	post, err := a.parse(body)
	if err != nil {
		return nil, fmt.Errorf("tagsource(%s): parse response: %w", a.name, err)
	}
	if post == nil {
		return nil, ErrNoMatch
	}

	return &core.RawSourceResult{
		Source:      a.name,
		PostID:      post.ID,
		ParentID:    post.ParentID,
		HasChildren: post.HasChildren,
		Tags:        parseCategorizedTagString(post.TagString),
		Rating:      parseRating(post.Rating),
		Score:       post.Score,
		RawJSON:     post.Raw,
	}, nil
}

// danbooruPostPayload mirrors the handful of Danbooru post fields used here.
type danbooruPostPayload struct {
	ID            int64   `json:"id"`
	ParentID      *int64  `json:"parent_id"`
	HasChildren   bool    `json:"has_children"`
	TagString     string  `json:"tag_string"`
	TagStringChar string  `json:"tag_string_character"`
	TagStringCopy string  `json:"tag_string_copyright"`
	TagStringArt  string  `json:"tag_string_artist"`
	TagStringMeta string  `json:"tag_string_meta"`
	TagStringGen  string  `json:"tag_string_general"`
	Rating        string  `json:"rating"`
	Score         float64 `json:"score"`
}

func danbooruSearchURL(base, md5 string) string {
	q := url.Values{"tags": {"md5:" + md5}, "limit": {"1"}}
	return fmt.Sprintf("%s/posts.json?%s", base, q.Encode())
}

func danbooruPostURL(base, id string) string {
	return fmt.Sprintf("%s/posts/%s.json", base, id)
}

func danbooruParse(body []byte) (*booruPost, error) {
	var posts []danbooruPostPayload
	if err := json.Unmarshal(body, &posts); err != nil {
		// /posts/<id>.json returns a single object, not an array.
		var single danbooruPostPayload
		if err2 := json.Unmarshal(body, &single); err2 != nil {
			return nil, err
		}
		posts = []danbooruPostPayload{single}
	}
	if len(posts) == 0 {
		return nil, nil
	}
	p := posts[0]
	tagString := fmt.Sprintf("%s character:%s copyright:%s artist:%s meta:%s",
		p.TagStringGen, p.TagStringChar, p.TagStringCopy, p.TagStringArt, p.TagStringMeta)
	parent := ""
	if p.ParentID != nil {
		parent = strconv.FormatInt(*p.ParentID, 10)
	}
	return &booruPost{
		ID: strconv.FormatInt(p.ID, 10), ParentID: parent, HasChildren: p.HasChildren,
		TagString: tagString, Rating: p.Rating, Score: p.Score, Raw: body,
	}, nil
}

// NewDanbooru constructs the Danbooru TagSource adapter.
func NewDanbooru(cfg BooruConfig) TagSource {
	return newBooruAdapter("danbooru", cfg, danbooruSearchURL, danbooruPostURL, danbooruParse)
}

// e621Payload mirrors e621's categorized-tags object shape.
type e621Payload struct {
	Post struct {
		ID       int64 `json:"id"`
		Relation struct {
			ParentID *int64 `json:"parent_id"`
			Children []int64 `json:"children"`
		} `json:"relationships"`
		Tags struct {
			General   []string `json:"general"`
			Species   []string `json:"species"`
			Character []string `json:"character"`
			Copyright []string `json:"copyright"`
			Artist    []string `json:"artist"`
			Meta      []string `json:"lore"`
		} `json:"tags"`
		Rating string  `json:"rating"`
		Score  struct{ Total float64 `json:"total"` } `json:"score"`
	} `json:"post"`
}

func e621SearchURL(base, md5 string) string {
	q := url.Values{"tags": {"md5:" + md5}, "limit": {"1"}}
	return fmt.Sprintf("%s/posts.json?%s", base, q.Encode())
}

func e621PostURL(base, id string) string {
	return fmt.Sprintf("%s/posts/%s.json", base, id)
}

func e621Parse(body []byte) (*booruPost, error) {
	var payload e621Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}
	if payload.Post.ID == 0 {
		return nil, nil
	}
	p := payload.Post
	combined := joinTagged("", p.Tags.General)
	combined += joinTagged("species:", p.Tags.Species)
	combined += joinTagged("character:", p.Tags.Character)
	combined += joinTagged("copyright:", p.Tags.Copyright)
	combined += joinTagged("artist:", p.Tags.Artist)
	combined += joinTagged("meta:", p.Tags.Meta)
	parent := ""
	if p.Relation.ParentID != nil {
		parent = strconv.FormatInt(*p.Relation.ParentID, 10)
	}
	return &booruPost{
		ID: strconv.FormatInt(p.ID, 10), ParentID: parent, HasChildren: len(p.Relation.Children) > 0,
		TagString: combined, Rating: p.Rating, Score: p.Score.Total, Raw: body,
	}, nil
}

func joinTagged(prefix string, names []string) string {
	out := ""
	for _, n := range names {
		out += " " + prefix + n
	}
	return out
}

// NewE621 constructs the e621 TagSource adapter.
func NewE621(cfg BooruConfig) TagSource {
	return newBooruAdapter("e621", cfg, e621SearchURL, e621PostURL, e621Parse)
}

// gelbooruPayload mirrors Gelbooru's flatter (Danbooru-predecessor) shape:
// a single combined tags string with no per-category split.
type gelbooruPayload struct {
	Post []struct {
		ID        int64   `json:"id"`
		ParentID  int64   `json:"parent_id"`
		HasNotes  bool    `json:"has_notes"`
		Tags      string  `json:"tags"`
		Rating    string  `json:"rating"`
		Score     float64 `json:"score"`
	} `json:"post"`
}

func gelbooruSearchURL(base, md5 string) string {
	q := url.Values{"page": {"dapi"}, "s": {"post"}, "q": {"index"}, "json": {"1"}, "tags": {"md5:" + md5}}
	return fmt.Sprintf("%s/index.php?%s", base, q.Encode())
}

func gelbooruPostURL(base, id string) string {
	q := url.Values{"page": {"dapi"}, "s": {"post"}, "q": {"index"}, "json": {"1"}, "id": {id}}
	return fmt.Sprintf("%s/index.php?%s", base, q.Encode())
}

func gelbooruParse(body []byte) (*booruPost, error) {
	var payload gelbooruPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}
	if len(payload.Post) == 0 {
		return nil, nil
	}
	p := payload.Post[0]
	parent := ""
	if p.ParentID != 0 {
		parent = strconv.FormatInt(p.ParentID, 10)
	}
	return &booruPost{
		ID: strconv.FormatInt(p.ID, 10), ParentID: parent, HasChildren: false,
		TagString: p.Tags, Rating: p.Rating, Score: p.Score, Raw: body,
	}, nil
}

// NewGelbooru constructs the Gelbooru TagSource adapter. Gelbooru's tags are
// an undifferentiated string; every tag lands in the general category
// unless it happens to use Gelbooru's own `character:`/`copyright:`
// conventions already.
func NewGelbooru(cfg BooruConfig) TagSource {
	return newBooruAdapter("gelbooru", cfg, gelbooruSearchURL, gelbooruPostURL, gelbooruParse)
}

// NewYandere constructs the Yande.re TagSource adapter, which shares
// Gelbooru's wire format (both descend from the original Moebooru/Gelbooru
// lineage).
func NewYandere(cfg BooruConfig) TagSource {
	return newBooruAdapter("yandere", cfg, gelbooruSearchURL, gelbooruPostURL, gelbooruParse)
}

// rawParsers maps a booru source name to the same response parser its
// adapter uses live, so stored raw metadata can be re-derived offline by
// the rebuild engine and the switch-source operation without a network round trip.
var rawParsers = map[string]func([]byte) (*booruPost, error){
	"danbooru": danbooruParse,
	"e621":     e621Parse,
	"gelbooru": gelbooruParse,
	"yandere":  gelbooruParse,
}

// ParseRaw reconstructs a RawSourceResult from a booru source's stored raw
// JSON payload. Pixiv and the local AI tagger retain no raw payload (Pixiv
// is scraped HTML with nothing worth replaying offline; the local tagger
// has no upstream response at all), so ParseRaw only covers the
// Danbooru-family sources that actually persist one.
func ParseRaw(sourceName string, raw []byte) (*core.RawSourceResult, error) {
	parse, ok := rawParsers[sourceName]
	if !ok {
		return nil, fmt.Errorf("tagsource: no offline parser for source %q", sourceName)
	}
	post, err := parse(raw)
	if err != nil {
		return nil, fmt.Errorf("tagsource(%s): parse stored raw metadata: %w", sourceName, err)
	}
	if post == nil {
		return nil, ErrNoMatch
	}
	return &core.RawSourceResult{
		Source:      sourceName,
		PostID:      post.ID,
		ParentID:    post.ParentID,
		HasChildren: post.HasChildren,
		Tags:        parseCategorizedTagString(post.TagString),
		Rating:      parseRating(post.Rating),
		Score:       post.Score,
		RawJSON:     post.Raw,
	}, nil
}
