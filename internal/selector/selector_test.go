package selector

import "testing"

func TestSelectRegionPreference(t *testing.T) {
	in := []string{
		"Game (USA).gb",
		"Game (Europe).gb",
		"Game (Japan).gb",
	}
	out := Select(in, Options{})
	if len(out) != 1 {
		t.Fatalf("expected exactly one survivor, got %v", out)
	}
	if out[0] != "Game (Europe).gb" {
		t.Errorf("got %q, want %q", out[0], "Game (Europe).gb")
	}
}

func TestSelectPreservesDiscSet(t *testing.T) {
	in := []string{
		"Final Fantasy VII (USA) (Disc 1 of 3).chd",
		"Final Fantasy VII (USA) (Disc 2 of 3).chd",
		"Final Fantasy VII (USA) (Disc 3 of 3).chd",
		"Final Fantasy VII (Europe) (Disc 1 of 3).chd",
		"Final Fantasy VII (Europe) (Disc 2 of 3).chd",
		"Final Fantasy VII (Europe) (Disc 3 of 3).chd",
	}
	out := Select(in, Options{})
	if len(out) != 3 {
		t.Fatalf("expected one 3-disc set to survive, got %d: %v", len(out), out)
	}
	for _, f := range out {
		if !contains(f, "Europe") {
			t.Errorf("expected the Europe set to win, got survivor %q", f)
		}
	}
}

func TestSelectRevisionPreference(t *testing.T) {
	in := []string{
		"Game (USA).gb",
		"Game (USA) (Rev 1).gb",
		"Game (USA) (Rev 2).gb",
	}
	out := Select(in, Options{})
	if len(out) != 1 || out[0] != "Game (USA) (Rev 2).gb" {
		t.Fatalf("got %v, want [Game (USA) (Rev 2).gb]", out)
	}
}

func TestSelectPrefersCleanOverHack(t *testing.T) {
	in := []string{
		"Game (USA) (Hack).gb",
		"Game (USA).gb",
	}
	out := Select(in, Options{})
	if len(out) != 1 || out[0] != "Game (USA).gb" {
		t.Fatalf("got %v", out)
	}
}

func TestSelectPreferredRegionOverride(t *testing.T) {
	in := []string{
		"Game (USA).gb",
		"Game (Japan).gb",
	}
	out := Select(in, Options{PreferredRegion: "jp"})
	if len(out) != 1 || out[0] != "Game (Japan).gb" {
		t.Fatalf("got %v, want Japan to win with PreferredRegion=jp", out)
	}
}

func TestSelectStrictLanguageScopeDropsMismatches(t *testing.T) {
	in := []string{
		"Game (Europe) (En,Fr).gb",
		"Game (Europe) (En,De).gb",
	}
	out := Select(in, Options{PreferredLanguage: "de", LangScope: LangScopeStrict})
	if len(out) != 1 || out[0] != "Game (Europe) (En,De).gb" {
		t.Fatalf("got %v", out)
	}
}

func TestSelectIndependentTitlesBothSurvive(t *testing.T) {
	in := []string{"Game A (USA).gb", "Game B (USA).gb"}
	out := Select(in, Options{})
	if len(out) != 2 {
		t.Fatalf("expected both distinct titles to survive, got %v", out)
	}
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
