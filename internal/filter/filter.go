// Package filter applies include/exclude rules over a list of filenames,
// preserving input order (spec.md §4.2).
package filter

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/text/cases"

	"github.com/retrosd/retrosd/internal/romname"
)

var fold = cases.Fold()

// Options enumerates every filter knob. All fields are optional; zero
// values mean "no filter of this kind".
type Options struct {
	RegionFilterRegex *regexp.Regexp
	ExclusionRegex    *regexp.Regexp

	IncludePatterns []string // comma-separated globs, already split by caller or via ParsePatternList
	ExcludePatterns []string

	IncludeList []string // basenames, raw; case-folded and prefix-stripped internally
	ExcludeList []string

	IncludeRegionCodes   []string
	ExcludeRegionCodes   []string
	IncludeLanguageCodes []string
	ExcludeLanguageCodes []string

	InferLanguageCodes bool
}

// inferredLanguageFromRegion maps an unambiguous region code to the
// language inferred for it when InferLanguageCodes is set (spec.md §4.2).
var inferredLanguageFromRegion = map[string]string{
	"us": "en",
	"eu": "en",
	"wor": "en",
	"fr":  "fr",
	"de":  "de",
	"es":  "es",
	"it":  "it",
	"jp":  "ja",
	"br":  "pt",
	"nl":  "nl",
	"se":  "sv",
}

// ParsePatternList splits a comma-separated pattern list, honoring
// backslash-escaped commas inside a single pattern (spec.md §4.2).
func ParsePatternList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	var cur strings.Builder
	escaped := false
	for _, r := range s {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == ',':
			out = append(out, strings.TrimSpace(cur.String()))
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		out = append(out, strings.TrimSpace(cur.String()))
	}
	return out
}

// LoadListFile parses a newline-delimited list file into normalized
// basenames: quotes stripped, path prefixes stripped, case-folded.
func LoadListFile(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		n := normalizeListEntry(l)
		if n != "" {
			out = append(out, n)
		}
	}
	return out
}

func normalizeListEntry(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"'`)
	if s == "" {
		return ""
	}
	s = filepath.Base(filepath.ToSlash(s))
	return fold.String(s)
}

// Apply filters filenames according to opts, preserving input order.
// Missing filter files are the caller's responsibility to detect before
// calling Apply (spec.md §4.2: "fatal to the operation that needed them");
// Apply itself never does I/O.
func Apply(filenames []string, opts Options) ([]string, error) {
	includeSet := toSet(LoadListFile(opts.IncludeList))
	excludeSet := toSet(LoadListFile(opts.ExcludeList))

	includeRegions := toSet(lowerAll(opts.IncludeRegionCodes))
	excludeRegions := toSet(lowerAll(opts.ExcludeRegionCodes))
	includeLangs := toSet(lowerAll(opts.IncludeLanguageCodes))
	excludeLangs := toSet(lowerAll(opts.ExcludeLanguageCodes))

	out := make([]string, 0, len(filenames))
	for _, fn := range filenames {
		ok, err := passes(fn, opts, includeSet, excludeSet, includeRegions, excludeRegions, includeLangs, excludeLangs)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, fn)
		}
	}
	return out, nil
}

func passes(fn string, opts Options,
	includeSet, excludeSet, includeRegions, excludeRegions, includeLangs, excludeLangs map[string]bool,
) (bool, error) {
	if opts.RegionFilterRegex != nil && !opts.RegionFilterRegex.MatchString(fn) {
		return false, nil
	}
	if opts.ExclusionRegex != nil && opts.ExclusionRegex.MatchString(fn) {
		return false, nil
	}

	if len(opts.IncludePatterns) > 0 && !matchesAnyGlob(fn, opts.IncludePatterns) {
		return false, nil
	}
	if len(opts.ExcludePatterns) > 0 && matchesAnyGlob(fn, opts.ExcludePatterns) {
		return false, nil
	}

	if len(includeSet) > 0 && !includeSet[normalizeListEntry(fn)] {
		return false, nil
	}
	if len(excludeSet) > 0 && excludeSet[normalizeListEntry(fn)] {
		return false, nil
	}

	if len(includeRegions) == 0 && len(excludeRegions) == 0 &&
		len(includeLangs) == 0 && len(excludeLangs) == 0 {
		return true, nil
	}

	rec := romname.Parse(fn)
	regionCodes := toSet(rec.RegionCodes)
	langCodes := toSet(rec.Languages)
	if opts.InferLanguageCodes && len(langCodes) == 0 {
		for _, rc := range rec.RegionCodes {
			if lang, ok := inferredLanguageFromRegion[rc]; ok {
				langCodes[lang] = true
			}
		}
	}

	if len(includeRegions) > 0 && !intersects(regionCodes, includeRegions) {
		return false, nil
	}
	if len(excludeRegions) > 0 && intersects(regionCodes, excludeRegions) {
		return false, nil
	}
	if len(includeLangs) > 0 && !intersects(langCodes, includeLangs) {
		return false, nil
	}
	if len(excludeLangs) > 0 && intersects(langCodes, excludeLangs) {
		return false, nil
	}

	return true, nil
}

func matchesAnyGlob(fn string, patterns []string) bool {
	for _, p := range patterns {
		if ok, err := filepath.Match(p, fn); err == nil && ok {
			return true
		}
		// Also try against the base name so a pattern like "*.zip"
		// matches regardless of any path prefix in fn.
		if ok, err := filepath.Match(p, filepath.Base(fn)); err == nil && ok {
			return true
		}
	}
	return false
}

func toSet(items []string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, it := range items {
		m[it] = true
	}
	return m
}

func lowerAll(items []string) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = strings.ToLower(it)
	}
	return out
}

func intersects(a, b map[string]bool) bool {
	small, big := a, b
	if len(b) < len(a) {
		small, big = b, a
	}
	for k := range small {
		if big[k] {
			return true
		}
	}
	return false
}

// CompileRegionPreset returns a regex usable as RegionFilterRegex for a
// named preset, or an error if the preset is unknown.
func CompileRegionPreset(name string) (*regexp.Regexp, error) {
	presets := map[string]string{
		"usa-eu":   `(?i)\((USA|Europe|World)[,)]`,
		"usa-only": `(?i)\((USA|World)[,)]`,
		"eu-only":  `(?i)\((Europe|World)[,)]`,
		"jp-only":  `(?i)\((Japan|World)[,)]`,
	}
	pat, ok := presets[name]
	if !ok {
		return nil, fmt.Errorf("filter: unknown region preset %q", name)
	}
	return regexp.Compile(pat)
}

// CompileExclusionRegex derives the exclusion regex from the four
// include-flags (spec.md §4.2): a flag left false excludes the
// corresponding category.
func CompileExclusionRegex(includePrerelease, includeUnlicensed, includeHacks, includeHomebrew bool) *regexp.Regexp {
	var alts []string
	if !includePrerelease {
		alts = append(alts, `Beta`, `Demo`, `Proto(type)?`, `Sample`, `Preview`)
	}
	if !includeUnlicensed {
		alts = append(alts, `Unl`, `Pirate`, `Bootleg`)
	}
	if !includeHacks {
		alts = append(alts, `Hack`)
	}
	if !includeHomebrew {
		alts = append(alts, `Homebrew`)
	}
	if len(alts) == 0 {
		return nil
	}
	pat := `(?i)\((` + strings.Join(alts, "|") + `)\b`
	re, err := regexp.Compile(pat)
	if err != nil {
		return nil
	}
	return re
}
