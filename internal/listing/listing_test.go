package listing

import (
	"regexp"
	"testing"
)

const sampleHTML = `
<html><body>
<table>
<tr><td><a href="./">./</a></td><td>-</td><td>15-Mar-2024 09:30</td></tr>
<tr><td><a href="../">../</a></td><td>-</td><td>-</td></tr>
<tr><td><a href="Game%20%28USA%29.gb">Game (USA).gb</a></td><td>4.2 MiB</td><td>01-Jan-2024 10:00:00</td></tr>
<tr><td><a href="Game%20%28Europe%29.gb">Game (Europe).gb</a></td><td>1 KB</td><td>02-Jan-2024 11:15</td></tr>
<tr><td><a href="subdir/">subdir/</a></td><td>-</td><td>03-Jan-2024 12:00</td></tr>
</table>
</body></html>`

func TestParseHTMLTableSkipsParentAndDirs(t *testing.T) {
	out, err := Parse(sampleHTML, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 entries, got %d: %+v", len(out), out)
	}
	if out[0].Name != "Game (USA).gb" {
		t.Errorf("name = %q", out[0].Name)
	}
	if out[0].Size != 4*1024*1024+int64(0.2*1024*1024) {
		// tolerate float rounding; just check it's in the MiB ballpark
		if out[0].Size < 4*1024*1024 || out[0].Size > 5*1024*1024 {
			t.Errorf("size = %d, want ~4.2 MiB", out[0].Size)
		}
	}
	if !out[0].HasTimestamp {
		t.Error("expected a parsed timestamp")
	}
}

func TestParseArchivePatternFilter(t *testing.T) {
	pat := regexp.MustCompile(`(?i)europe`)
	out, err := Parse(sampleHTML, pat)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].Name != "Game (Europe).gb" {
		t.Fatalf("got %+v", out)
	}
}

func TestParseDirectoryLastModified(t *testing.T) {
	ts, ok := ParseDirectoryLastModified(sampleHTML)
	if !ok {
		t.Fatal("expected a ./ timestamp")
	}
	if ts.Day() != 15 {
		t.Errorf("day = %d, want 15", ts.Day())
	}
}

func TestParseSizeTokens(t *testing.T) {
	cases := map[string]int64{
		"100":     0, // missing unit is unparseable
		"100B":    100,
		"1KB":     1000,
		"1KiB":    1024,
		"2.5MiB":  int64(2.5 * 1024 * 1024),
		"garbage": 0,
	}
	for in, want := range cases {
		if got := ParseSize(in); got != want {
			t.Errorf("ParseSize(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestParsePipeTableFallback(t *testing.T) {
	body := `| <a href="Game.zip">Game.zip</a> | 4.2 MiB | 01-Jan-2024 10:00 |`
	out, err := Parse(body, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].Name != "Game.zip" {
		t.Fatalf("got %+v", out)
	}
}
