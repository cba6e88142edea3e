package tagsource

import (
	"context"
	"reflect"
	"testing"

	"boorukeep/internal/core"
)

func TestParseCategorizedTagString(t *testing.T) {
	got := parseCategorizedTagString("blue_sky character:aoi_(sample) copyright:touhou rating:explicit artist:some artist")
	want := core.CategorizedTags{
		General:   []string{"blue_sky", "artist"},
		Character: []string{"aoi_(sample)"},
		Copyright: []string{"touhou"},
		Artist:    []string{"some"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("parseCategorizedTagString() = %+v, want %+v", got, want)
	}
}

func TestParseRating(t *testing.T) {
	cases := map[string]core.Rating{
		"g":             core.RatingGeneral,
		"general":       core.RatingGeneral,
		"s":             core.RatingGeneral,
		"sensitive":     core.RatingSensitive,
		"q":             core.RatingQuestion,
		"questionable":  core.RatingQuestion,
		"e":             core.RatingExplicit,
		"explicit":      core.RatingExplicit,
		"":              core.RatingUnknown,
		"nonsense":      core.RatingUnknown,
	}
	for in, want := range cases {
		if got := parseRating(in); got != want {
			t.Errorf("parseRating(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDanbooruParseNoResults(t *testing.T) {
	post, err := danbooruParse([]byte(`[]`))
	if err != nil {
		t.Fatalf("danbooruParse() error = %v", err)
	}
	if post != nil {
		t.Errorf("expected nil post for empty array, got %+v", post)
	}
}

func TestDanbooruParseSinglePost(t *testing.T) {
	body := []byte(`[{"id":42,"parent_id":null,"has_children":true,"tag_string_general":"blue_sky cloud","tag_string_character":"aoi","tag_string_copyright":"touhou","tag_string_artist":"artist_a","tag_string_meta":"highres","rating":"s","score":100}]`)
	post, err := danbooruParse(body)
	if err != nil {
		t.Fatalf("danbooruParse() error = %v", err)
	}
	if post == nil {
		t.Fatal("expected non-nil post")
	}
	if post.ID != "42" || !post.HasChildren || post.Rating != "s" {
		t.Errorf("unexpected post fields: %+v", post)
	}
}

func TestGelbooruParseNoResults(t *testing.T) {
	post, err := gelbooruParse([]byte(`{"post":[]}`))
	if err != nil {
		t.Fatalf("gelbooruParse() error = %v", err)
	}
	if post != nil {
		t.Errorf("expected nil post for empty results, got %+v", post)
	}
}

func TestSplitCommaList(t *testing.T) {
	got := splitCommaList("touhou, some series , ")
	want := []string{"touhou", "some series"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("splitCommaList() = %v, want %v", got, want)
	}
	if splitCommaList("") != nil {
		t.Error("expected nil for empty input")
	}
}

func TestPixivIllustIDFromFilename(t *testing.T) {
	p := NewPixiv(PixivConfig{})
	id, ok := p.IllustIDFromFilename("illust_12345678_p0.jpg")
	if !ok || id != "12345678" {
		t.Errorf("IllustIDFromFilename() = (%q, %v), want (12345678, true)", id, ok)
	}
	if _, ok := p.IllustIDFromFilename("no_id_here.jpg"); ok {
		t.Error("expected no match for filename without an embedded id")
	}
}

func TestManagerQueryAllSkipsNoMatch(t *testing.T) {
	mgr := NewManager([]TagSource{&fakeSource{name: "a", err: ErrNoMatch}, &fakeSource{name: "b", result: &core.RawSourceResult{Source: "b"}}}, 2)
	results := mgr.QueryAll(context.Background(), "deadbeef")
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d: %+v", len(results), results)
	}
	if _, ok := results["b"]; !ok {
		t.Errorf("expected result from source b, got %+v", results)
	}
}

type fakeSource struct {
	name   string
	result *core.RawSourceResult
	err    error
}

func (f *fakeSource) Name() string { return f.name }
func (f *fakeSource) FetchByMD5(ctx context.Context, md5 string) (*core.RawSourceResult, error) {
	return f.result, f.err
}
