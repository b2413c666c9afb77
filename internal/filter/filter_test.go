package filter

import "testing"

var sample = []string{
	"Game A (USA).gb",
	"Game B (Europe).gb",
	"Game B (USA) (Beta 1).gb",
	"Game C (Japan).gb",
	"Game D (USA) (Unl).gb",
}

func TestApplyNoFilters(t *testing.T) {
	out, err := Apply(sample, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != len(sample) {
		t.Fatalf("expected all %d files to pass, got %d", len(sample), len(out))
	}
}

func TestApplyPreservesOrder(t *testing.T) {
	out, err := Apply(sample, Options{IncludeRegionCodes: []string{"us", "eu", "jp"}})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"Game A (USA).gb", "Game B (Europe).gb", "Game B (USA) (Beta 1).gb", "Game C (Japan).gb", "Game D (USA) (Unl).gb"}
	if len(out) != len(want) {
		t.Fatalf("got %v", out)
	}
	for i, w := range want {
		if out[i] != w {
			t.Errorf("out[%d] = %q, want %q", i, out[i], w)
		}
	}
}

func TestExclusionRegexDropsPrereleaseAndUnlicensed(t *testing.T) {
	re := CompileExclusionRegex(false, false, true, true)
	out, err := Apply(sample, Options{ExclusionRegex: re})
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range out {
		if f == "Game B (USA) (Beta 1).gb" || f == "Game D (USA) (Unl).gb" {
			t.Errorf("expected %q to be excluded", f)
		}
	}
	if len(out) != 3 {
		t.Fatalf("expected 3 survivors, got %d: %v", len(out), out)
	}
}

// Filter monotonicity: adding an include filter never enlarges the output.
func TestIncludeMonotonicity(t *testing.T) {
	base, err := Apply(sample, Options{})
	if err != nil {
		t.Fatal(err)
	}
	narrower, err := Apply(sample, Options{IncludeRegionCodes: []string{"jp"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(narrower) > len(base) {
		t.Fatalf("adding an include filter enlarged output: %d > %d", len(narrower), len(base))
	}
}

// Filter monotonicity: adding an exclude filter never enlarges the output.
func TestExcludeMonotonicity(t *testing.T) {
	base, err := Apply(sample, Options{})
	if err != nil {
		t.Fatal(err)
	}
	narrower, err := Apply(sample, Options{ExcludeRegionCodes: []string{"us"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(narrower) > len(base) {
		t.Fatalf("adding an exclude filter enlarged output: %d > %d", len(narrower), len(base))
	}
}

func TestPatternFilters(t *testing.T) {
	out, err := Apply(sample, Options{IncludePatterns: []string{"Game B*"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 matches for Game B*, got %d: %v", len(out), out)
	}
}

func TestParsePatternListEscapedComma(t *testing.T) {
	got := ParsePatternList(`Game\, A*,Game B*`)
	want := []string{"Game, A*", "Game B*"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestListFilterCaseFoldedAndPathStripped(t *testing.T) {
	opts := Options{IncludeList: LoadListFile([]string{`"./Game A (USA).gb"`, "game c (japan).gb"})}
	out, err := Apply(sample, opts)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 matches, got %d: %v", len(out), out)
	}
}

func TestInferLanguageCodes(t *testing.T) {
	files := []string{"Game (France).gb", "Game (Germany).gb"}
	out, err := Apply(files, Options{InferLanguageCodes: true, IncludeLanguageCodes: []string{"fr"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0] != "Game (France).gb" {
		t.Fatalf("got %v", out)
	}
}
