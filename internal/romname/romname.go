// Package romname parses No-Intro/Redump-style ROM filenames into
// structured records. Parse is a pure function: string in, RomRecord out,
// no I/O, no package-level state (spec.md §4.1).
package romname

import (
	"regexp"
	"strconv"
	"strings"
)

// VersionKind classifies a parsed version tag.
type VersionKind string

const (
	VersionNone VersionKind = ""
	VersionRev  VersionKind = "rev"
	VersionVer  VersionKind = "ver"
)

// VersionInfo is the structured form of a raw version tag such as "Rev 2"
// or "v1.2.3".
type VersionInfo struct {
	Kind   VersionKind
	Parts  []int
	Letter string
}

// Disc holds a parsed "Disc N [of M]" tag.
type Disc struct {
	Index int
	Total *int
}

// Flags are the four recognized boolean classifications.
type Flags struct {
	Prerelease bool
	Unlicensed bool
	Hack       bool
	Homebrew   bool
}

// RomRecord is the structured form of a parsed filename (spec.md §3).
type RomRecord struct {
	BaseName    string
	Extension   string
	Title       string
	Regions     []string
	RegionCodes []string
	Languages   []string
	Version     string
	VersionInfo VersionInfo
	Disc        *Disc
	Tags        []string
	Flags       Flags
}

var groupRe = regexp.MustCompile(`[(\[]([^)\]]*)[)\]]`)

// region name -> canonical code. Keys are matched case-insensitively.
var regionCodes = map[string]string{
	"usa":         "us",
	"europe":      "eu",
	"japan":       "jp",
	"world":       "wor",
	"australia":   "au",
	"asia":        "asia",
	"korea":       "kr",
	"brazil":      "br",
	"china":       "cn",
	"germany":     "de",
	"france":      "fr",
	"spain":       "es",
	"italy":       "it",
	"netherlands": "nl",
	"sweden":      "se",
}

// canonical display name per region code, used to rebuild Regions in the
// order the codes were recognized.
var regionDisplay = map[string]string{
	"us":   "USA",
	"eu":   "Europe",
	"jp":   "Japan",
	"wor":  "World",
	"au":   "Australia",
	"asia": "Asia",
	"kr":   "Korea",
	"br":   "Brazil",
	"cn":   "China",
	"de":   "Germany",
	"fr":   "France",
	"es":   "Spain",
	"it":   "Italy",
	"nl":   "Netherlands",
	"se":   "Sweden",
}

// two-letter tokens that can mean either a region (compound "En"/"Ja"/...)
// or a language, depending on context (spec.md §4.1 tie-break rule).
var ambiguousTwoLetter = map[string]string{
	"en": "us", // language en <-> region-ish "En" compound tag
	"ja": "jp",
	"fr": "fr",
	"de": "de",
	"es": "es",
	"it": "it",
}

var languageCodes = map[string]bool{
	"en": true, "ja": true, "fr": true, "de": true, "es": true, "it": true,
	"nl": true, "pt": true, "sv": true, "no": true, "da": true, "fi": true,
	"zh": true, "ko": true, "pl": true, "ru": true,
}

var prereleaseKeywords = map[string]bool{
	"beta": true, "demo": true, "proto": true, "prototype": true,
	"sample": true, "preview": true,
}

var unlicensedKeywords = map[string]bool{
	"unl": true, "pirate": true, "bootleg": true,
}

var hackKeywords = map[string]bool{"hack": true}
var homebrewKeywords = map[string]bool{"homebrew": true}

var revRe = regexp.MustCompile(`(?i)^rev\s*([0-9]+)([a-z]?)$`)
var revLetterRe = regexp.MustCompile(`(?i)^rev\s*([a-z])$`)
var verRe = regexp.MustCompile(`(?i)^v\s*([0-9]+)(?:\.([0-9]+))?(?:\.([0-9]+))?$`)
var betaNumRe = regexp.MustCompile(`(?i)^beta\s*([0-9]+)$`)
var discRe = regexp.MustCompile(`(?i)^disc\s*([0-9]+)(?:\s*of\s*([0-9]+))?$`)

// Parse extracts a RomRecord from filename. It never returns an error:
// unrecognized tokens fall through to Tags.
func Parse(filename string) RomRecord {
	ext := extOf(filename)
	base := strings.TrimSuffix(filename, ext)

	rec := RomRecord{
		BaseName:  base,
		Extension: ext,
	}

	groups := groupRe.FindAllStringSubmatchIndex(base, -1)
	if len(groups) == 0 {
		rec.Title = strings.TrimRight(strings.TrimSpace(base), " .-")
		return rec
	}

	rec.Title = strings.TrimRight(strings.TrimSpace(base[:groups[0][0]]), " .-")

	seenRegionCodes := map[string]bool{}
	for _, g := range groups {
		content := base[g[2]:g[3]]
		tokens := splitTokens(content)
		classifyGroup(&rec, tokens, seenRegionCodes)
	}

	return rec
}

func extOf(filename string) string {
	idx := strings.LastIndex(filename, ".")
	if idx <= 0 {
		return ""
	}
	return filename[idx:]
}

// splitTokens splits a bracket group's content on commas, trimming
// whitespace from each token.
func splitTokens(content string) []string {
	parts := strings.Split(content, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func classifyGroup(rec *RomRecord, tokens []string, seenRegionCodes map[string]bool) {
	if len(tokens) == 0 {
		return
	}

	// A group is "language-only" when every token in it is a bare
	// two-letter code found in languageCodes and none is a recognized
	// region name.
	allTwoLetterLang := true
	for _, t := range tokens {
		lower := strings.ToLower(t)
		if _, isRegion := regionCodes[lower]; isRegion {
			allTwoLetterLang = false
			break
		}
		if len(lower) != 2 || !languageCodes[lower] {
			allTwoLetterLang = false
			break
		}
	}
	// A lone ambiguous token ("Fr") has no two-letter siblings, so it is
	// left to the region handling below.
	if allTwoLetterLang && len(tokens) == 1 {
		if _, ambiguous := ambiguousTwoLetter[strings.ToLower(tokens[0])]; ambiguous {
			allTwoLetterLang = false
		}
	}
	if allTwoLetterLang && len(tokens) >= 1 {
		for _, t := range tokens {
			lower := strings.ToLower(t)
			rec.Languages = append(rec.Languages, lower)
		}
		return
	}

	for _, t := range tokens {
		lower := strings.ToLower(t)

		if code, ok := regionCodes[lower]; ok {
			rec.Regions = append(rec.Regions, regionDisplay[code])
			if !seenRegionCodes[code] {
				seenRegionCodes[code] = true
				rec.RegionCodes = append(rec.RegionCodes, code)
			}
			continue
		}

		if m := discRe.FindStringSubmatch(t); m != nil {
			idx, _ := strconv.Atoi(m[1])
			d := &Disc{Index: idx}
			if m[2] != "" {
				total, _ := strconv.Atoi(m[2])
				d.Total = &total
			}
			rec.Disc = d
			continue
		}

		if classifyVersion(rec, t) {
			continue
		}

		if prereleaseKeywords[lower] {
			rec.Flags.Prerelease = true
			continue
		}
		if unlicensedKeywords[lower] {
			rec.Flags.Unlicensed = true
			continue
		}
		if hackKeywords[lower] {
			rec.Flags.Hack = true
			continue
		}
		if homebrewKeywords[lower] {
			rec.Flags.Homebrew = true
			continue
		}

		// Single ambiguous two-letter token appearing alone in its
		// group with no region siblings: treat as region per the
		// spec's tie-break (alone => region).
		if target, ok := ambiguousTwoLetter[lower]; ok && len(tokens) == 1 {
			rec.Regions = append(rec.Regions, regionDisplay[target])
			if !seenRegionCodes[target] {
				seenRegionCodes[target] = true
				rec.RegionCodes = append(rec.RegionCodes, target)
			}
			continue
		}

		rec.Tags = append(rec.Tags, t)
	}
}

func classifyVersion(rec *RomRecord, t string) bool {
	if m := betaNumRe.FindStringSubmatch(t); m != nil {
		n, _ := strconv.Atoi(m[1])
		rec.Version = t
		rec.VersionInfo = VersionInfo{Kind: VersionVer, Parts: []int{n}}
		rec.Flags.Prerelease = true
		return true
	}
	if m := revRe.FindStringSubmatch(t); m != nil {
		n, _ := strconv.Atoi(m[1])
		rec.Version = t
		rec.VersionInfo = VersionInfo{Kind: VersionRev, Parts: []int{n}, Letter: strings.ToLower(m[2])}
		return true
	}
	if m := revLetterRe.FindStringSubmatch(t); m != nil {
		rec.Version = t
		rec.VersionInfo = VersionInfo{Kind: VersionRev, Parts: nil, Letter: strings.ToLower(m[1])}
		return true
	}
	if m := verRe.FindStringSubmatch(t); m != nil {
		var parts []int
		for _, g := range m[1:] {
			if g == "" {
				continue
			}
			n, _ := strconv.Atoi(g)
			parts = append(parts, n)
		}
		rec.Version = t
		rec.VersionInfo = VersionInfo{Kind: VersionVer, Parts: parts}
		return true
	}
	return false
}
