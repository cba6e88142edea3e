package query

import "testing"

func TestParseTokenKinds(t *testing.T) {
	tests := []struct {
		name string
		expr string
		want []Token
	}{
		{
			name: "bare tokens are required tags",
			expr: "1girl blue_hair",
			want: []Token{
				{Kind: FilterTagRequired, Value: "1girl"},
				{Kind: FilterTagRequired, Value: "blue_hair"},
			},
		},
		{
			name: "leading dash excludes",
			expr: "-solo",
			want: []Token{{Kind: FilterTagExcluded, Value: "solo"}},
		},
		{
			name: "typed filters",
			expr: "source:danbooru has:parent has:child pool:cover_art category:artist",
			want: []Token{
				{Kind: FilterSource, Value: "danbooru"},
				{Kind: FilterHasParent},
				{Kind: FilterHasChild},
				{Kind: FilterPool, Value: "cover_art"},
				{Kind: FilterCategory, Value: "artist"},
			},
		},
		{
			name: "order filter",
			expr: "order:newest",
			want: []Token{{Kind: FilterOrder, Order: OrderNewest}},
		},
		{
			name: "filename by extension",
			expr: "foo.JPG",
			want: []Token{{Kind: FilterFilename, Value: "foo.JPG"}},
		},
		{
			name: "filename by pixiv style",
			expr: "12345678_p03",
			want: []Token{{Kind: FilterFilename, Value: "12345678_p03"}},
		},
		{
			name: "filename by md5",
			expr: "a1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6",
			want: []Token{{Kind: FilterFilename, Value: "a1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6"}},
		},
		{
			name: "required tags are lowercased",
			expr: "Blue_Hair",
			want: []Token{{Kind: FilterTagRequired, Value: "blue_hair"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Parse(tt.expr)
			if len(got.Tokens) != len(tt.want) {
				t.Fatalf("Parse(%q) = %d tokens, want %d", tt.expr, len(got.Tokens), len(tt.want))
			}
			for i, tok := range got.Tokens {
				if tok != tt.want[i] {
					t.Errorf("token %d = %+v, want %+v", i, tok, tt.want[i])
				}
			}
		})
	}
}

func TestParseEmptyExpression(t *testing.T) {
	if got := Parse("   "); len(got.Tokens) != 0 {
		t.Errorf("Parse(blank) = %d tokens, want 0", len(got.Tokens))
	}
}

func TestLooksLikeFilename(t *testing.T) {
	for _, tok := range []string{"cat.png", "clip.webm", "anim.zip", "98765432_p00", "ffffffffffffffffffffffffffffffff"} {
		if !looksLikeFilename(tok) {
			t.Errorf("looksLikeFilename(%q) = false, want true", tok)
		}
	}
	for _, tok := range []string{"1girl", "blue_hair", "source:danbooru", "deadbeef"} {
		if looksLikeFilename(tok) {
			t.Errorf("looksLikeFilename(%q) = true, want false", tok)
		}
	}
}
