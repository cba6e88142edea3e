// Package persistence provides the catalog store's repository interfaces
// and a SQLite-backed implementation.
package persistence

import (
	"context"

	"boorukeep/internal/core"
)

// ListOptions provides common pagination and filtering.
type ListOptions struct {
	Limit  int
	Offset int
	SortBy string
	Order  string // "asc" or "desc"
}

// ImageRepository handles image persistence.
type ImageRepository interface {
	Create(ctx context.Context, img *core.Image) (int64, error)
	Get(ctx context.Context, id int64) (*core.Image, error)
	GetByMD5(ctx context.Context, md5 string) (*core.Image, error)
	GetByFilepath(ctx context.Context, filepath string) (*core.Image, error)
	List(ctx context.Context, ids []int64) ([]core.Image, error)
	Update(ctx context.Context, img *core.Image) error
	UpdateDenormalizedTags(ctx context.Context, imageID int64, tags core.CategorizedTags) error
	UpdateActiveSource(ctx context.Context, imageID int64, source string) error
	UpdateHashes(ctx context.Context, imageID int64, phash, colorHash string) error
	UpdateEmbedding(ctx context.Context, imageID int64, embedding []float32) error
	Delete(ctx context.Context, id int64) error
	AllPHashes(ctx context.Context) (map[int64]string, error)
	AllEmbeddings(ctx context.Context) (map[int64][]float32, error)
	AllIDs(ctx context.Context) ([]int64, error)
	CountAll(ctx context.Context) (int, error)
	// IDsWithParent and IDsWithChildren back the query service's
	// `has:parent`/`has:child` filters.
	IDsWithParent(ctx context.Context) ([]int64, error)
	IDsWithChildren(ctx context.Context) ([]int64, error)
	// SearchByFilename backs the query service's filename-match mode,
	// matching against the stored relative filepath.
	SearchByFilename(ctx context.Context, needle string) ([]int64, error)
}

// ImageSourceRepository tracks which sources have contributed metadata to an
// image.
type ImageSourceRepository interface {
	LinkSource(ctx context.Context, imageID int64, source string) error
	SourcesFor(ctx context.Context, imageID int64) ([]string, error)
	HasSource(ctx context.Context, imageID int64, source string) (bool, error)
	// ClearAll drops every image_sources row. Used by the rebuild engine,
	// which re-derives the source set from raw metadata.
	ClearAll(ctx context.Context) error
	// ImagesForSource backs the query service's `source:<name>` filter.
	ImagesForSource(ctx context.Context, source string) ([]int64, error)
}

// RawMetadataRepository retains the verbatim per-source payload used by the
// rebuild engine.
type RawMetadataRepository interface {
	Put(ctx context.Context, imageID int64, source string, raw []byte) error
	Get(ctx context.Context, imageID int64, source string) ([]byte, error)
	AllForImage(ctx context.Context, imageID int64) (map[string][]byte, error)
	AllImages(ctx context.Context) ([]int64, error)
}

// TagRepository handles tag CRUD, categorization, and the image↔tag
// relation.
type TagRepository interface {
	GetOrCreate(ctx context.Context, name string, category core.TagCategory) (*core.Tag, error)
	GetByName(ctx context.Context, name string) (*core.Tag, error)
	GetByID(ctx context.Context, id int64) (*core.Tag, error)
	UpdateCategory(ctx context.Context, tagID int64, category core.TagCategory, extended string) error
	Rename(ctx context.Context, tagID int64, newName string) error
	ListAll(ctx context.Context) ([]core.Tag, error)
	ListByCategory(ctx context.Context, category core.TagCategory) ([]core.Tag, error)
	Delete(ctx context.Context, tagID int64) error
	UsageCount(ctx context.Context, tagID int64) (int64, error)

	ImageTags(ctx context.Context, imageID int64) ([]core.ImageTag, error)
	ImagesForTag(ctx context.Context, tagID int64) ([]int64, error)
	// SetImageTag is idempotent: an existing (image, tag) pair is left
	// untouched regardless of origin, so at most one tuple exists per
	// image/tag pair.
	SetImageTag(ctx context.Context, imageID, tagID int64, origin core.Origin) error
	RemoveImageTag(ctx context.Context, imageID, tagID int64) error
	ReplaceImageTags(ctx context.Context, imageID int64, tags []core.ImageTag) error
	ClearOriginForAllImages(ctx context.Context, origin core.Origin) error
	TagIDNameMap(ctx context.Context) (map[int64]string, error)
	// DeleteAll drops every tag row (cascading to image_tags). Used by the
	// rebuild engine.
	DeleteAll(ctx context.Context) error
}

// DeltaJournalRepository is the append-only tag-edit journal.
type DeltaJournalRepository interface {
	// Append records an operation, cancelling an outstanding opposite
	// operation for the same (MD5, tag) rather than inserting a new row.
	Append(ctx context.Context, delta core.TagDelta) error
	ForImage(ctx context.Context, md5 string) ([]core.TagDelta, error)
	AllOrderedByTimestamp(ctx context.Context) ([]core.TagDelta, error)
	Clear(ctx context.Context, md5 string) error
}

// ImplicationRepository stores implication rules.
type ImplicationRepository interface {
	Create(ctx context.Context, impl core.Implication) (int64, error)
	Delete(ctx context.Context, id int64) error
	ListActive(ctx context.Context) ([]core.Implication, error)
	ForSourceTag(ctx context.Context, tagID int64) ([]core.Implication, error)
}

// PoolRepository manages ordered image pools.
type PoolRepository interface {
	Create(ctx context.Context, name, description string) (int64, error)
	Get(ctx context.Context, id int64) (*core.Pool, error)
	AddImage(ctx context.Context, poolID, imageID int64) error
	RemoveImage(ctx context.Context, poolID, imageID int64) error
	Reorder(ctx context.Context, poolID int64, orderedImageIDs []int64) error
	PoolsForImage(ctx context.Context, imageID int64) ([]core.Pool, error)
	GetByName(ctx context.Context, name string) (*core.Pool, error)
}

// ImageRelationRepository manages image-to-image relations.
type ImageRelationRepository interface {
	Create(ctx context.Context, rel core.ImageRelation) error
	Exists(ctx context.Context, a, b int64, relType core.RelationType) (bool, error)
	AnyRelationExists(ctx context.Context, a, b int64) (bool, error)
	ForImage(ctx context.Context, imageID int64) ([]core.ImageRelation, error)
	IsDescendant(ctx context.Context, parent, candidate int64) (bool, error)
}

// DuplicatePairRepository manages the precomputed duplicate-pair index.
type DuplicatePairRepository interface {
	ReplaceAll(ctx context.Context, pairs []core.DuplicatePair) error
	Remove(ctx context.Context, a, b int64) error
	Page(ctx context.Context, maxDistance, offset, limit int) ([]core.DuplicatePair, error)
	All(ctx context.Context, maxDistance int) ([]core.DuplicatePair, error)
	Count(ctx context.Context) (int, error)
}

// DuplicatePairSuggestionRepository caches per-pair diff signals.
type DuplicatePairSuggestionRepository interface {
	Upsert(ctx context.Context, s core.DuplicatePairSuggestion) error
	Get(ctx context.Context, a, b int64) (*core.DuplicatePairSuggestion, error)
	Remove(ctx context.Context, a, b int64) error
}

// SimilarImageCacheRepository manages the top-N similars cache.
type SimilarImageCacheRepository interface {
	ReplaceForType(ctx context.Context, simType core.SimilarityType, entries []core.SimilarImageCacheEntry) error
	ForImage(ctx context.Context, imageID int64, simType core.SimilarityType, limit int) ([]core.SimilarImageCacheEntry, error)
	InvalidateImage(ctx context.Context, imageID int64) error
}

// ConfigRepository is the key/value config store.
type ConfigRepository interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// repositorySet is the common surface shared by a top-level Database handle
// and a Transaction bound to one SQL transaction.
type repositorySet interface {
	Images() ImageRepository
	ImageSources() ImageSourceRepository
	RawMetadata() RawMetadataRepository
	Tags() TagRepository
	DeltaJournal() DeltaJournalRepository
	Implications() ImplicationRepository
	Pools() PoolRepository
	Relations() ImageRelationRepository
	DuplicatePairs() DuplicatePairRepository
	DuplicateSuggestions() DuplicatePairSuggestionRepository
	SimilarCache() SimilarImageCacheRepository
	ConfigStore() ConfigRepository
}

// Database aggregates all repositories and transaction support.
type Database interface {
	repositorySet

	Close() error
	Ping(ctx context.Context) error
	BeginTx(ctx context.Context) (Transaction, error)
}

// Transaction is a repository set bound to a single SQL transaction. Commit
// or Rollback must be called exactly once.
type Transaction interface {
	repositorySet
	Commit() error
	Rollback() error
}
