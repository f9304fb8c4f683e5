package tgui

import "testing"

func TestEscAndTags(t *testing.T) {
	t.Parallel()
	if got := Esc("<b> & co").String(); got != "&lt;b&gt; &amp; co" {
		t.Fatalf("Esc = %q", got)
	}
	if got := B("x<y").String(); got != "<b>x&lt;y</b>" {
		t.Fatalf("B = %q", got)
	}
	if got := Code("id=1").String(); got != "<code>id=1</code>" {
		t.Fatalf("Code = %q", got)
	}
	if got := I("hm").String(); got != "<i>hm</i>" {
		t.Fatalf("I = %q", got)
	}
}

func TestLink(t *testing.T) {
	t.Parallel()
	got := Link(`a"b`, `https://x.test/?q="1"`).String()
	want := `<a href="https://x.test/?q=&#34;1&#34;">a&#34;b</a>`
	if got != want {
		t.Fatalf("Link = %q, want %q", got, want)
	}
}

func TestLinesKeepsBlankParts(t *testing.T) {
	t.Parallel()
	got := Lines(B("title"), "", Esc("body")).String()
	if got != "<b>title</b>\n\nbody" {
		t.Fatalf("Lines = %q", got)
	}
}
