package cache

import "testing"

func TestHomepageBufferPagination(t *testing.T) {
	buf := newHomepageBuffer()
	ids := []int64{1, 2, 3, 4, 5}
	buf.rebuild(ids, 2)

	seen := make(map[int64]bool)
	pages := 0
	for {
		page, ok := buf.pop()
		if !ok {
			break
		}
		pages++
		if len(page) > 2 {
			t.Errorf("page of %d ids exceeds page size 2", len(page))
		}
		for _, id := range page {
			if seen[id] {
				t.Errorf("id %d served twice", id)
			}
			seen[id] = true
		}
	}
	if pages != 3 {
		t.Errorf("popped %d pages, want 3", pages)
	}
	if len(seen) != len(ids) {
		t.Errorf("served %d distinct ids, want %d", len(seen), len(ids))
	}
}

func TestHomepageBufferInvalidate(t *testing.T) {
	buf := newHomepageBuffer()
	buf.rebuild([]int64{1, 2, 3}, 2)
	buf.invalidate()
	if _, ok := buf.pop(); ok {
		t.Error("pop after invalidate should report empty")
	}
}

func TestHomepageBufferEmptyCatalog(t *testing.T) {
	buf := newHomepageBuffer()
	buf.rebuild(nil, 50)
	if _, ok := buf.pop(); ok {
		t.Error("pop on empty catalog should report empty")
	}
}

// seededManager builds a Manager with its derived indices populated
// directly, bypassing Init so no store is needed.
func seededManager() *Manager {
	m := NewManager(nil, 2)
	m.tagIDToName = map[int64]string{1: "solo", 2: "smile"}
	m.tagNameToID = map[string]int64{"solo": 1, "smile": 2}
	m.imageTagIDs = map[int64][]int32{10: {1, 2}, 11: {2}}
	m.postToMD5 = map[string]string{"danbooru:123": "a1b2"}
	m.homepage.rebuild([]int64{10, 11}, 2)
	return m
}

func TestManagerReadAccessors(t *testing.T) {
	m := seededManager()

	if id, ok := m.TagID("solo"); !ok || id != 1 {
		t.Errorf("TagID(solo) = (%d, %v), want (1, true)", id, ok)
	}
	if _, ok := m.TagID("absent"); ok {
		t.Error("TagID(absent) should report a miss")
	}
	if name, ok := m.TagName(2); !ok || name != "smile" {
		t.Errorf("TagName(2) = (%q, %v), want (smile, true)", name, ok)
	}
	if got := m.ImageTagIDs(10); len(got) != 2 {
		t.Errorf("ImageTagIDs(10) = %v, want two ids", got)
	}
	if got := m.ImageTagIDs(99); got != nil {
		t.Errorf("ImageTagIDs(99) = %v, want nil for unknown image", got)
	}
	if md5, ok := m.MD5ForPost("danbooru", "123"); !ok || md5 != "a1b2" {
		t.Errorf("MD5ForPost = (%q, %v), want (a1b2, true)", md5, ok)
	}
	if _, ok := m.MD5ForPost("e621", "123"); ok {
		t.Error("MD5ForPost should miss for a source that never matched")
	}
}

func TestManagerPopHomepagePage(t *testing.T) {
	m := seededManager()
	m.homepage.rebuild([]int64{10, 11}, 1)

	page, ok := m.PopHomepagePage()
	if !ok || len(page) != 1 {
		t.Fatalf("PopHomepagePage = (%v, %v), want one id", page, ok)
	}
	if _, ok := m.PopHomepagePage(); !ok {
		t.Error("second pop should succeed with a second buffered page")
	}
	if _, ok := m.PopHomepagePage(); ok {
		t.Error("drained buffer should report empty")
	}
}
