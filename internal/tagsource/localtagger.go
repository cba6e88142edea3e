package tagsource

import (
	"context"

	"boorukeep/internal/core"
)

// LocalModel is implemented by whatever in-process tagging model backs
// LocalTagger. It is intentionally minimal so a real model (an ONNX
// runtime binding, a CLIP-style classifier, whatever a deployment wires
// in) can sit behind it without this package needing to know about it.
type LocalModel interface {
	// Classify returns general tags and a rating guess for the decoded
	// image at path. A zero-value Rating means the model declined to
	// guess.
	Classify(ctx context.Context, path string) ([]string, core.Rating, error)
}

// LocalTagger is the last-resort TagSource: it never calls out over the
// network, and is only consulted once every external provider has missed.
// It never blocks on ErrNoMatch from the external sources; the ingest
// worker decides when to fall back to it.
type LocalTagger struct {
	model     LocalModel
	minTags   int
	threshold float64
}

// NewLocalTagger wraps model as a TagSource. minConfidentTags is the
// minimum number of tags the model must produce for its guess to be
// considered usable; below that the result is treated as ErrNoMatch
// rather than committing a near-empty tag set.
func NewLocalTagger(model LocalModel, minConfidentTags int) *LocalTagger {
	return &LocalTagger{model: model, minTags: minConfidentTags}
}

func (l *LocalTagger) Name() string { return "local_tagger" }

// FetchByMD5 is unused; LocalTagger has no MD5 index, it classifies
// whatever file path the caller hands it through FetchByPath.
func (l *LocalTagger) FetchByMD5(ctx context.Context, md5 string) (*core.RawSourceResult, error) {
	return nil, ErrNoMatch
}

// FetchByPath runs the local model against the decoded artifact and
// returns its best guess as a RawSourceResult, all tags landing in the
// general category since a classifier has no notion of character/
// copyright/artist provenance.
func (l *LocalTagger) FetchByPath(ctx context.Context, path string) (*core.RawSourceResult, error) {
	tags, rating, err := l.model.Classify(ctx, path)
	if err != nil {
		return nil, err
	}
	if len(tags) < l.minTags {
		return nil, ErrNoMatch
	}
	return &core.RawSourceResult{
		Source: l.Name(),
		Tags:   core.CategorizedTags{General: tags},
		Rating: rating,
	}, nil
}

// StubModel is a deterministic no-op LocalModel used when no real local
// tagging model is configured: it always returns ErrNoMatch so the pipeline
// falls through to the untagged state rather than fabricating tags.
type StubModel struct{}

func (StubModel) Classify(ctx context.Context, path string) ([]string, core.Rating, error) {
	return nil, core.RatingUnknown, ErrNoMatch
}
