package persistence

import (
	"context"
	"testing"
	"time"

	"boorukeep/internal/core"
)

func openTestDB(t *testing.T) *SQLiteDB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func createTestImage(t *testing.T, db *SQLiteDB, md5, filepath string) int64 {
	t.Helper()
	id, err := db.Images().Create(context.Background(), &core.Image{
		MD5:        md5,
		Filepath:   filepath,
		IngestedAt: time.Now().UTC(),
		Rating:     core.RatingUnknown,
	})
	if err != nil {
		t.Fatalf("Create image: %v", err)
	}
	return id
}

func TestImageMD5Uniqueness(t *testing.T) {
	db := openTestDB(t)
	createTestImage(t, db, "aaaa", "a.jpg")
	_, err := db.Images().Create(context.Background(), &core.Image{
		MD5: "aaaa", Filepath: "b.jpg", IngestedAt: time.Now().UTC(), Rating: core.RatingUnknown,
	})
	if err == nil {
		t.Fatal("duplicate MD5 insert should fail")
	}
}

func TestDeltaJournalCancellation(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	add := core.TagDelta{ImageMD5: "aaaa", TagName: "solo", TagCategory: core.CategoryGeneral, Operation: core.DeltaAdd, Timestamp: time.Now().UTC()}
	if err := db.DeltaJournal().Append(ctx, add); err != nil {
		t.Fatalf("Append add: %v", err)
	}

	remove := add
	remove.Operation = core.DeltaRemove
	if err := db.DeltaJournal().Append(ctx, remove); err != nil {
		t.Fatalf("Append remove: %v", err)
	}

	deltas, err := db.DeltaJournal().ForImage(ctx, "aaaa")
	if err != nil {
		t.Fatalf("ForImage: %v", err)
	}
	if len(deltas) != 0 {
		t.Errorf("add then remove left %d journal rows, want 0 (net-zero cancellation)", len(deltas))
	}
}

func TestDeltaJournalKeepsDistinctTags(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for _, name := range []string{"solo", "smile"} {
		d := core.TagDelta{ImageMD5: "aaaa", TagName: name, TagCategory: core.CategoryGeneral, Operation: core.DeltaAdd, Timestamp: time.Now().UTC()}
		if err := db.DeltaJournal().Append(ctx, d); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	deltas, err := db.DeltaJournal().ForImage(ctx, "aaaa")
	if err != nil {
		t.Fatalf("ForImage: %v", err)
	}
	if len(deltas) != 2 {
		t.Errorf("got %d journal rows, want 2", len(deltas))
	}
}

func TestReplaceImageTagsIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	imgID := createTestImage(t, db, "aaaa", "a.jpg")

	tag, err := db.Tags().GetOrCreate(ctx, "solo", core.CategoryGeneral)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	relation := []core.ImageTag{{ImageID: imgID, TagID: tag.ID, Origin: core.OriginOriginal}}
	for i := 0; i < 2; i++ {
		if err := db.Tags().ReplaceImageTags(ctx, imgID, relation); err != nil {
			t.Fatalf("ReplaceImageTags pass %d: %v", i, err)
		}
	}

	got, err := db.Tags().ImageTags(ctx, imgID)
	if err != nil {
		t.Fatalf("ImageTags: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("relation has %d rows after repeated replace, want 1", len(got))
	}
}

func TestGetOrCreateReusesRow(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	first, err := db.Tags().GetOrCreate(ctx, "blue_hair", core.CategoryGeneral)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	second, err := db.Tags().GetOrCreate(ctx, "blue_hair", core.CategoryGeneral)
	if err != nil {
		t.Fatalf("GetOrCreate second: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("GetOrCreate created a second row: ids %d vs %d", first.ID, second.ID)
	}
}

func TestDuplicatePairsReplaceAll(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	a := createTestImage(t, db, "aaaa", "a.jpg")
	b := createTestImage(t, db, "bbbb", "b.jpg")
	c := createTestImage(t, db, "cccc", "c.jpg")

	now := time.Now().UTC()
	first := []core.DuplicatePair{
		{ImageA: a, ImageB: b, Distance: 2, ThresholdAt: 10, ComputedAt: now},
		{ImageA: b, ImageB: c, Distance: 7, ThresholdAt: 10, ComputedAt: now},
	}
	if err := db.DuplicatePairs().ReplaceAll(ctx, first); err != nil {
		t.Fatalf("ReplaceAll: %v", err)
	}

	second := []core.DuplicatePair{{ImageA: a, ImageB: c, Distance: 5, ThresholdAt: 10, ComputedAt: now}}
	if err := db.DuplicatePairs().ReplaceAll(ctx, second); err != nil {
		t.Fatalf("ReplaceAll second: %v", err)
	}

	count, err := db.DuplicatePairs().Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Errorf("count after replacement = %d, want 1 (atomic replace, not append)", count)
	}
}

func TestEmbeddingRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	want := []float32{0.25, -1.5, 3.75}
	id, err := db.Images().Create(ctx, &core.Image{
		MD5: "aaaa", Filepath: "a.jpg", IngestedAt: time.Now().UTC(),
		Rating: core.RatingUnknown, Embedding: want,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	img, err := db.Images().Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(img.Embedding) != len(want) {
		t.Fatalf("embedding round-trip length %d, want %d", len(img.Embedding), len(want))
	}
	for i := range want {
		if img.Embedding[i] != want[i] {
			t.Errorf("embedding[%d] = %v, want %v", i, img.Embedding[i], want[i])
		}
	}
}

func TestConfigStoreRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, ok, err := db.ConfigStore().Get(ctx, "booru_priority_hash"); err != nil || ok {
		t.Fatalf("Get on empty store = ok=%v err=%v, want miss", ok, err)
	}
	if err := db.ConfigStore().Set(ctx, "booru_priority_hash", "abc123"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok, err := db.ConfigStore().Get(ctx, "booru_priority_hash")
	if err != nil || !ok || got != "abc123" {
		t.Errorf("Get = (%q, %v, %v), want (abc123, true, nil)", got, ok, err)
	}
	if err := db.ConfigStore().Set(ctx, "booru_priority_hash", "def456"); err != nil {
		t.Fatalf("Set overwrite: %v", err)
	}
	got, _, _ = db.ConfigStore().Get(ctx, "booru_priority_hash")
	if got != "def456" {
		t.Errorf("Get after overwrite = %q, want def456", got)
	}
}

func TestImageDeleteCascades(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	imgID := createTestImage(t, db, "aaaa", "a.jpg")

	tag, err := db.Tags().GetOrCreate(ctx, "solo", core.CategoryGeneral)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if err := db.Tags().SetImageTag(ctx, imgID, tag.ID, core.OriginOriginal); err != nil {
		t.Fatalf("SetImageTag: %v", err)
	}

	if err := db.Images().Delete(ctx, imgID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	count, err := db.Tags().UsageCount(ctx, tag.ID)
	if err != nil {
		t.Fatalf("UsageCount: %v", err)
	}
	if count != 0 {
		t.Errorf("usage count after image delete = %d, want 0 (cascade)", count)
	}
}
