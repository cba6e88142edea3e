package tagsource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"boorukeep/internal/core"
)

// SauceNAOConfig is the subset of config.SauceNAOSource an adapter needs.
type SauceNAOConfig struct {
	APIKey            string
	Timeout           time.Duration
	SimilarityMinimum float64 // percent, e.g. 85.0
}

// saucenaoResponse mirrors the handful of fields the reverse-image search
// response carries; SauceNAO's `data` object varies by matched index, so
// only the fields common across booru indexes are decoded.
type saucenaoResponse struct {
	Results []struct {
		Header struct {
			Similarity string `json:"similarity"`
			IndexName  string `json:"index_name"`
		} `json:"header"`
		Data struct {
			DanbooruID  *int64   `json:"danbooru_id"`
			GelbooruID  *int64   `json:"gelbooru_id"`
			YandereID   *int64   `json:"yandere_id"`
			Characters  string   `json:"characters"`
			Material    string   `json:"material"`
			Creator     []string `json:"creator"`
		} `json:"data"`
	} `json:"results"`
}

// SauceNAO implements TagSource over SauceNAO's reverse-image search API.
// Unlike the booru adapters it cannot look anything up by MD5 alone: it
// needs the artifact's bytes, so the ingest worker calls FetchByImage
// directly rather than going through Manager.QueryAll.
type SauceNAO struct {
	cfg    SauceNAOConfig
	client *http.Client
}

// NewSauceNAO constructs a SauceNAO adapter.
func NewSauceNAO(cfg SauceNAOConfig) *SauceNAO {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &SauceNAO{cfg: cfg, client: &http.Client{Timeout: timeout}}
}

func (s *SauceNAO) Name() string { return "saucenao" }

// FetchByMD5 always misses: SauceNAO has no MD5 lookup endpoint. It exists
// so SauceNAO satisfies TagSource and can sit in a Manager source list
// without special-casing, even though the ingest worker in practice calls
// FetchByImage for it directly.
func (s *SauceNAO) FetchByMD5(ctx context.Context, md5 string) (*core.RawSourceResult, error) {
	return nil, ErrNoMatch
}

// FetchByImage performs the actual reverse-image search against the raw
// artifact bytes, returning the best match above SimilarityMinimum, or
// ErrNoMatch if nothing clears the bar.
func (s *SauceNAO) FetchByImage(ctx context.Context, imageData []byte, filename string) (*core.RawSourceResult, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("tagsource(saucenao): build multipart body: %w", err)
	}
	if _, err := part.Write(imageData); err != nil {
		return nil, fmt.Errorf("tagsource(saucenao): write image bytes: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("tagsource(saucenao): close multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sauceNAOEndpoint(s.cfg.APIKey), &buf)
	if err != nil {
		return nil, fmt.Errorf("tagsource(saucenao): build request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tagsource(saucenao): request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("tagsource(saucenao): read response: %w", err)
	}
	var payload saucenaoResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("tagsource(saucenao): parse response: %w", err)
	}

	for _, r := range payload.Results {
		sim, _ := strconv.ParseFloat(r.Header.Similarity, 64)
		if sim < s.cfg.SimilarityMinimum {
			continue
		}
		postID, source := bestPostID(r.Data.DanbooruID, r.Data.GelbooruID, r.Data.YandereID)
		if postID == "" {
			continue
		}
		tags := core.CategorizedTags{
			Character: splitCommaList(r.Data.Characters),
			Copyright: splitCommaList(r.Data.Material),
			Artist:    r.Data.Creator,
		}
		return &core.RawSourceResult{
			Source:  "saucenao:" + source,
			PostID:  postID,
			Tags:    tags,
			Rating:  core.RatingUnknown,
			Score:   sim,
			RawJSON: raw,
		}, nil
	}
	return nil, ErrNoMatch
}

func bestPostID(danbooru, gelbooru, yandere *int64) (id, source string) {
	switch {
	case danbooru != nil:
		return strconv.FormatInt(*danbooru, 10), "danbooru"
	case gelbooru != nil:
		return strconv.FormatInt(*gelbooru, 10), "gelbooru"
	case yandere != nil:
		return strconv.FormatInt(*yandere, 10), "yandere"
	default:
		return "", ""
	}
}

func splitCommaList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func sauceNAOEndpoint(apiKey string) string {
	q := url.Values{"output_type": {"2"}, "api_key": {apiKey}}
	return fmt.Sprintf("https://saucenao.com/search.php?%s", q.Encode())
}
