package tagsource

import (
	"boorukeep/internal/config"
)

// Set is every configured provider, split the way the ingest worker
// consumes them: booru sources fanned out together by Manager, SauceNAO
// and Pixiv queried individually since neither has an MD5 lookup, and the
// local tagger held back as the final fallback.
type Set struct {
	Manager  *Manager
	SauceNAO *SauceNAO
	Pixiv    *Pixiv
	Local    *LocalTagger
	Priority []string
}

// BuildSet wires every TagSource adapter from configuration. model may be
// nil, in which case the local tagger falls back to StubModel.
func BuildSet(cfg config.Sources, maxConcurrency int, model LocalModel) Set {
	if model == nil {
		model = StubModel{}
	}

	var booruSources []TagSource
	if cfg.Danbooru.BaseURL != "" {
		booruSources = append(booruSources, NewDanbooru(BooruConfig{
			BaseURL: cfg.Danbooru.BaseURL, APIKey: cfg.Danbooru.APIKey, Timeout: cfg.Danbooru.Timeout,
		}))
	}
	if cfg.E621.BaseURL != "" {
		booruSources = append(booruSources, NewE621(BooruConfig{
			BaseURL: cfg.E621.BaseURL, APIKey: cfg.E621.APIKey, Timeout: cfg.E621.Timeout,
		}))
	}
	if cfg.Gelbooru.BaseURL != "" {
		booruSources = append(booruSources, NewGelbooru(BooruConfig{
			BaseURL: cfg.Gelbooru.BaseURL, APIKey: cfg.Gelbooru.APIKey, Timeout: cfg.Gelbooru.Timeout,
		}))
	}
	if cfg.Yandere.BaseURL != "" {
		booruSources = append(booruSources, NewYandere(BooruConfig{
			BaseURL: cfg.Yandere.BaseURL, APIKey: cfg.Yandere.APIKey, Timeout: cfg.Yandere.Timeout,
		}))
	}

	return Set{
		Manager: NewManager(booruSources, maxConcurrency),
		SauceNAO: NewSauceNAO(SauceNAOConfig{
			APIKey: cfg.SauceNAO.APIKey, Timeout: cfg.SauceNAO.Timeout, SimilarityMinimum: cfg.SauceNAO.SimilarityMinimum,
		}),
		Pixiv: NewPixiv(PixivConfig{
			Timeout: cfg.Pixiv.Timeout, IDRegex: cfg.Pixiv.IDRegex,
		}),
		Local:    NewLocalTagger(model, 1),
		Priority: cfg.Priority,
	}
}
