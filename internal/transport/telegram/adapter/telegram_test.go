package adapter

import (
	"strings"
	"testing"
)

func TestSplitTelegramText(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name  string
		in    string
		limit int
		mode  string
		want  int
	}{
		{"short", "hello", 10, "", 1},
		{"exact", strings.Repeat("a", 10), 10, "", 1},
		{"hard split", strings.Repeat("a", 25), 10, "", 3},
		{"newline split", strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6), 10, "", 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := splitTelegramText(tc.in, tc.limit, tc.mode)
			if len(got) != tc.want {
				t.Fatalf("chunks = %d (%q), want %d", len(got), got, tc.want)
			}
			for _, c := range got {
				if len([]rune(c)) > tc.limit {
					t.Fatalf("chunk over limit: %q", c)
				}
			}
		})
	}
}

func TestSplitTelegramTextKeepsTags(t *testing.T) {
	t.Parallel()
	in := "aaaaaaa<b>bold</b>"
	got := splitTelegramText(in, 9, "HTML")
	if len(got) < 2 || got[0] != "aaaaaaa" {
		t.Fatalf("split inside tag: %q", got)
	}
	if strings.Join(got, "") != in {
		t.Fatalf("content lost: %q", got)
	}
}
