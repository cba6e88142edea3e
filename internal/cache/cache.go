// Package cache implements the process-wide derived-index cache manager:
// a tag id/name map, per-image tag-id arrays, a post-id->md5 cross-source
// map, and the homepage hot buffer, all guarded by a single read-write
// lock rather than ad-hoc module-level globals.
package cache

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"boorukeep/internal/logger"
	"boorukeep/internal/persistence"
)

// Manager owns every process-wide derived index. HTTP handlers and the
// ingest pipeline receive it as a dependency; no caller may hold it across
// a suspension point.
type Manager struct {
	db persistence.Database

	mu          sync.RWMutex
	tagIDToName map[int64]string
	tagNameToID map[string]int64
	imageTagIDs map[int64][]int32
	postToMD5   map[string]string // key: "source:postid"

	pageSize int
	homepage *homepageBuffer
}

// NewManager constructs a cache manager bound to the catalog store. Call
// Init before serving traffic.
func NewManager(db persistence.Database, pageSize int) *Manager {
	if pageSize <= 0 {
		pageSize = 50
	}
	return &Manager{
		db:          db,
		tagIDToName: make(map[int64]string),
		tagNameToID: make(map[string]int64),
		imageTagIDs: make(map[int64][]int32),
		postToMD5:   make(map[string]string),
		pageSize:    pageSize,
		homepage:    newHomepageBuffer(),
	}
}

// Init performs the first full load; equivalent to InvalidateAll but named
// distinctly for startup call sites.
func (m *Manager) Init(ctx context.Context) error {
	return m.InvalidateAll(ctx)
}

// InvalidateAll reloads every derived index from the catalog store in one
// pass.
func (m *Manager) InvalidateAll(ctx context.Context) error {
	tagIDToName, err := m.db.Tags().TagIDNameMap(ctx)
	if err != nil {
		return fmt.Errorf("cache: load tag id map: %w", err)
	}
	tagNameToID := make(map[string]int64, len(tagIDToName))
	for id, name := range tagIDToName {
		tagNameToID[name] = id
	}

	count, err := m.db.Images().CountAll(ctx)
	if err != nil {
		return fmt.Errorf("cache: count images: %w", err)
	}
	ids, err := m.db.Images().AllIDs(ctx)
	if err != nil {
		return fmt.Errorf("cache: load image ids: %w", err)
	}

	imageTagIDs := make(map[int64][]int32, len(ids))
	postToMD5 := make(map[string]string)
	for _, id := range ids {
		tags, err := m.db.Tags().ImageTags(ctx, id)
		if err != nil {
			continue
		}
		arr := make([]int32, 0, len(tags))
		for _, t := range tags {
			arr = append(arr, int32(t.TagID))
		}
		imageTagIDs[id] = arr
	}
	if err := m.rebuildPostIndex(ctx, ids, postToMD5); err != nil {
		logger.Warn("cache: post-id index rebuild incomplete", "error", err)
	}

	m.mu.Lock()
	m.tagIDToName = tagIDToName
	m.tagNameToID = tagNameToID
	m.imageTagIDs = imageTagIDs
	m.postToMD5 = postToMD5
	m.mu.Unlock()

	m.homepage.rebuild(ids, m.pageSize)
	logger.Info("cache invalidated (full)", "images", count, "tags", len(tagIDToName))
	return nil
}

func (m *Manager) rebuildPostIndex(ctx context.Context, ids []int64, dst map[string]string) error {
	for _, id := range ids {
		img, err := m.db.Images().Get(ctx, id)
		if err != nil || img == nil || img.PostID == "" {
			continue
		}
		sources, err := m.db.ImageSources().SourcesFor(ctx, id)
		if err != nil {
			continue
		}
		for _, src := range sources {
			dst[postKey(src, img.PostID)] = img.MD5
		}
	}
	return nil
}

// InvalidateImage refreshes only the derived state for one image.
func (m *Manager) InvalidateImage(ctx context.Context, imageID int64) error {
	img, err := m.db.Images().Get(ctx, imageID)
	if err != nil {
		return fmt.Errorf("cache: load image %d: %w", imageID, err)
	}

	var arr []int32
	var postKeys []string
	var md5 string
	if img != nil {
		tags, err := m.db.Tags().ImageTags(ctx, imageID)
		if err == nil {
			arr = make([]int32, 0, len(tags))
			for _, t := range tags {
				arr = append(arr, int32(t.TagID))
			}
		}
		md5 = img.MD5
		if img.PostID != "" {
			if sources, err := m.db.ImageSources().SourcesFor(ctx, imageID); err == nil {
				for _, src := range sources {
					postKeys = append(postKeys, postKey(src, img.PostID))
				}
			}
		}
	}

	tagIDToName, err := m.db.Tags().TagIDNameMap(ctx)
	if err != nil {
		return fmt.Errorf("cache: refresh tag id map: %w", err)
	}

	m.mu.Lock()
	m.tagIDToName = tagIDToName
	m.tagNameToID = make(map[string]int64, len(tagIDToName))
	for id, name := range tagIDToName {
		m.tagNameToID[name] = id
	}
	if img == nil {
		delete(m.imageTagIDs, imageID)
	} else {
		m.imageTagIDs[imageID] = arr
		for _, k := range postKeys {
			m.postToMD5[k] = md5
		}
	}
	m.mu.Unlock()

	m.homepage.invalidate()
	return nil
}

// TagID looks up a tag's id by normalized name.
func (m *Manager) TagID(name string) (int64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.tagNameToID[name]
	return id, ok
}

// TagName looks up a tag's normalized name by id.
func (m *Manager) TagName(id int64) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	name, ok := m.tagIDToName[id]
	return name, ok
}

// ImageTagIDs returns the cached tag-id array for an image.
func (m *Manager) ImageTagIDs(imageID int64) []int32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]int32(nil), m.imageTagIDs[imageID]...)
}

// MD5ForPost resolves a source's post id to the image MD5 that carries it,
// used to walk booru parent/child relationships.
func (m *Manager) MD5ForPost(source, postID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	md5, ok := m.postToMD5[postKey(source, postID)]
	return md5, ok
}

// PopHomepagePage returns the next pre-built randomized page of image ids.
// The buffer is not refilled here: once drained or invalidated it reports
// empty until the next InvalidateAll rebuilds it.
func (m *Manager) PopHomepagePage() ([]int64, bool) {
	return m.homepage.pop()
}

func postKey(source, postID string) string { return source + ":" + postID }

// homepageBuffer holds ready-to-serve randomized pages.
type homepageBuffer struct {
	mu    sync.Mutex
	pages [][]int64
}

func newHomepageBuffer() *homepageBuffer { return &homepageBuffer{} }

func (h *homepageBuffer) rebuild(ids []int64, pageSize int) {
	shuffled := append([]int64(nil), ids...)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	var pages [][]int64
	for i := 0; i < len(shuffled); i += pageSize {
		end := i + pageSize
		if end > len(shuffled) {
			end = len(shuffled)
		}
		pages = append(pages, shuffled[i:end])
	}

	h.mu.Lock()
	h.pages = pages
	h.mu.Unlock()
}

func (h *homepageBuffer) invalidate() {
	h.mu.Lock()
	h.pages = nil
	h.mu.Unlock()
}

func (h *homepageBuffer) pop() ([]int64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.pages) == 0 {
		return nil, false
	}
	page := h.pages[0]
	h.pages = h.pages[1:]
	return page, true
}
