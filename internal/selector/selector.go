// Package selector implements the 1G1R ("one game, one ROM") policy:
// grouping filter-passed filenames by title and picking one representative
// per group, preserving multi-disc sets (spec.md §4.3).
package selector

import (
	"sort"
	"strings"

	"github.com/retrosd/retrosd/internal/romname"
)

// LangScope controls how PreferredLanguage narrows the candidate pool.
type LangScope string

const (
	// LangScopeFallback (also used when LangScope is empty) moves
	// PreferredLanguage to the front of the language priority; no filename
	// is dropped for its languages.
	LangScopeFallback LangScope = "fallback"
	// LangScopeStrict turns PreferredLanguage into a hard include filter.
	LangScopeStrict LangScope = "strict"
)

// Options configures region/language preference.
type Options struct {
	RegionPriority    []string // lower index = better; defaults if empty
	LanguagePriority  []string
	PreferredRegion   string
	PreferredLanguage string
	LangScope         LangScope
}

var defaultRegionPriority = []string{"wor", "eu", "us", "jp", "au", "asia", "kr", "br", "cn", "de", "fr", "es", "it", "nl", "se"}
var defaultLanguagePriority = []string{"en", "ja", "fr", "de", "es", "it"}

func resolvePriority(base, defaults []string, preferred string) []string {
	if len(base) == 0 {
		base = append([]string(nil), defaults...)
	} else {
		base = append([]string(nil), base...)
	}
	if preferred == "" {
		return base
	}
	preferred = strings.ToLower(preferred)
	out := make([]string, 0, len(base)+1)
	out = append(out, preferred)
	for _, b := range base {
		if b != preferred {
			out = append(out, b)
		}
	}
	return out
}

type candidate struct {
	filename string
	rec      romname.RomRecord
}

// rank returns the 0-based index of code in priority, or len(priority) if
// not found (worst).
func rank(priority []string, codes []string) int {
	best := len(priority)
	for _, c := range codes {
		for i, p := range priority {
			if p == c && i < best {
				best = i
			}
		}
	}
	return best
}

// priorityKey is the lexicographic comparison key from spec.md §4.3 step 2.
// Lower is better in every field except revision, where higher is better
// (so we negate it) and "clean" flags, where fewer set flags is better.
type priorityKey struct {
	regionRank int
	langRank   int
	negRev     int
	flagScore  int
	filename   string
}

func less(a, b priorityKey) bool {
	if a.regionRank != b.regionRank {
		return a.regionRank < b.regionRank
	}
	if a.langRank != b.langRank {
		return a.langRank < b.langRank
	}
	if a.negRev != b.negRev {
		return a.negRev < b.negRev
	}
	if a.flagScore != b.flagScore {
		return a.flagScore < b.flagScore
	}
	return a.filename < b.filename
}

func revisionScore(v romname.VersionInfo) int {
	if len(v.Parts) == 0 {
		return 0
	}
	n := 0
	for _, p := range v.Parts {
		n = n*1000 + p
	}
	return n
}

func flagScore(f romname.Flags) int {
	n := 0
	if f.Prerelease {
		n++
	}
	if f.Unlicensed {
		n++
	}
	if f.Hack {
		n++
	}
	if f.Homebrew {
		n++
	}
	return n
}

func keyOf(c candidate, regionPriority, languagePriority []string) priorityKey {
	return priorityKey{
		regionRank: rank(regionPriority, c.rec.RegionCodes),
		langRank:   rank(languagePriority, c.rec.Languages),
		negRev:     -revisionScore(c.rec.VersionInfo),
		flagScore:  flagScore(c.rec.Flags),
		filename:   c.filename,
	}
}

func canonicalTitle(t string) string {
	return strings.ToLower(strings.TrimSpace(t))
}

type discSetKey struct {
	title    string
	regions  string
	langs    string
	version  string
	versionK string
}

func discSetKeyOf(c candidate) discSetKey {
	return discSetKey{
		title:    canonicalTitle(c.rec.Title),
		regions:  strings.Join(c.rec.RegionCodes, "+"),
		langs:    strings.Join(c.rec.Languages, "+"),
		version:  c.rec.Version,
		versionK: string(c.rec.VersionInfo.Kind),
	}
}

// Select applies the 1G1R policy to filenames (already filter-passed) and
// returns the kept subset, preserving each survivor's position relative to
// other survivors.
func Select(filenames []string, opts Options) []string {
	regionPriority := resolvePriority(opts.RegionPriority, defaultRegionPriority, opts.PreferredRegion)
	languagePriority := resolvePriority(opts.LanguagePriority, defaultLanguagePriority, "")

	if opts.PreferredLanguage != "" {
		pref := strings.ToLower(opts.PreferredLanguage)
		if opts.LangScope == LangScopeStrict {
			filenames = filterByLanguage(filenames, map[string]bool{pref: true})
		}
		languagePriority = resolvePriority(opts.LanguagePriority, defaultLanguagePriority, pref)
	} else if len(languagePriority) == 0 {
		languagePriority = defaultLanguagePriority
	}

	groups := make(map[string][]candidate)
	var order []string
	for _, fn := range filenames {
		rec := romname.Parse(fn)
		title := canonicalTitle(rec.Title)
		if _, ok := groups[title]; !ok {
			order = append(order, title)
		}
		groups[title] = append(groups[title], candidate{filename: fn, rec: rec})
	}

	keptSet := make(map[string]bool)
	for _, title := range order {
		members := groups[title]
		hasDisc := false
		for _, m := range members {
			if m.rec.Disc != nil {
				hasDisc = true
				break
			}
		}
		if !hasDisc {
			best := pickBest(members, regionPriority, languagePriority)
			keptSet[best.filename] = true
			continue
		}

		setBest := make(map[discSetKey][]candidate)
		var setOrder []discSetKey
		for _, m := range members {
			k := discSetKeyOf(m)
			if _, ok := setBest[k]; !ok {
				setOrder = append(setOrder, k)
			}
			setBest[k] = append(setBest[k], m)
		}

		var winningKey discSetKey
		var winningMax priorityKey
		first := true
		for _, k := range setOrder {
			group := setBest[k]
			max := keyOf(group[0], regionPriority, languagePriority)
			for _, m := range group[1:] {
				mk := keyOf(m, regionPriority, languagePriority)
				if less(mk, max) {
					max = mk
				}
			}
			if first || less(max, winningMax) {
				winningMax = max
				winningKey = k
				first = false
			}
		}
		for _, m := range setBest[winningKey] {
			keptSet[m.filename] = true
		}
	}

	out := make([]string, 0, len(keptSet))
	for _, fn := range filenames {
		if keptSet[fn] {
			out = append(out, fn)
		}
	}
	return out
}

func pickBest(members []candidate, regionPriority, languagePriority []string) candidate {
	best := members[0]
	bestKey := keyOf(best, regionPriority, languagePriority)
	for _, m := range members[1:] {
		k := keyOf(m, regionPriority, languagePriority)
		if less(k, bestKey) {
			best = m
			bestKey = k
		}
	}
	return best
}

func filterByLanguage(filenames []string, allowed map[string]bool) []string {
	out := make([]string, 0, len(filenames))
	for _, fn := range filenames {
		rec := romname.Parse(fn)
		for _, l := range rec.Languages {
			if allowed[l] {
				out = append(out, fn)
				break
			}
		}
	}
	return out
}

// sortedFilenames is a small helper kept for callers that need a
// deterministic display order independent of input order.
func sortedFilenames(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
