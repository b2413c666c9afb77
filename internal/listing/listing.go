// Package listing parses remote directory-index HTML into an ordered list
// of RemoteFile entries (spec.md §4.7).
package listing

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"
)

// RemoteFile is one entry recognized in a directory listing.
type RemoteFile struct {
	Name         string
	URL          string
	Size         int64
	LastModified time.Time
	HasTimestamp bool
}

var sizeRe = regexp.MustCompile(`(?i)^([0-9]+(?:\.[0-9]+)?)\s*(B|KB|KiB|MB|MiB|GB|GiB|TB|TiB)$`)

var sizeUnits = map[string]float64{
	"b":   1,
	"kb":  1000,
	"kib": 1024,
	"mb":  1000 * 1000,
	"mib": 1024 * 1024,
	"gb":  1000 * 1000 * 1000,
	"gib": 1024 * 1024 * 1024,
	"tb":  1000 * 1000 * 1000 * 1000,
	"tib": 1024 * 1024 * 1024 * 1024,
}

// ParseSize converts a "N[.N] UNIT" token into bytes. Unparseable input
// yields 0, per spec.md §4.7.
func ParseSize(tok string) int64 {
	tok = strings.TrimSpace(tok)
	m := sizeRe.FindStringSubmatch(tok)
	if m == nil {
		return 0
	}
	n, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	unit := sizeUnits[strings.ToLower(m[2])]
	return int64(n * unit)
}

var apacheTimestampRe = regexp.MustCompile(`^([0-9]{2})-([A-Za-z]{3})-([0-9]{4})\s+([0-9]{2}):([0-9]{2})(?::([0-9]{2}))?$`)

var monthNames = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March,
	"apr": time.April, "may": time.May, "jun": time.June,
	"jul": time.July, "aug": time.August, "sep": time.September,
	"oct": time.October, "nov": time.November, "dec": time.December,
}

// ParseTimestamp parses "DD-Mon-YYYY HH:MM[:SS]" as UTC, falling back to a
// handful of common layouts. ok is false when nothing matched.
func ParseTimestamp(tok string) (t time.Time, ok bool) {
	tok = strings.TrimSpace(tok)
	if tok == "" || tok == "-" {
		return time.Time{}, false
	}
	if m := apacheTimestampRe.FindStringSubmatch(tok); m != nil {
		mon, known := monthNames[strings.ToLower(m[2])]
		if !known {
			return time.Time{}, false
		}
		day, _ := strconv.Atoi(m[1])
		year, _ := strconv.Atoi(m[3])
		hour, _ := strconv.Atoi(m[4])
		minute, _ := strconv.Atoi(m[5])
		sec := 0
		if m[6] != "" {
			sec, _ = strconv.Atoi(m[6])
		}
		return time.Date(year, mon, day, hour, minute, sec, 0, time.UTC), true
	}

	for _, layout := range []string{
		time.RFC1123, time.RFC1123Z, time.RFC3339,
		"2006-01-02 15:04:05", "2006-01-02 15:04", "02-Jan-2006 15:04:05",
	} {
		if parsed, err := time.Parse(layout, tok); err == nil {
			return parsed.UTC(), true
		}
	}
	return time.Time{}, false
}

func isParentOrDirEntry(name string) bool {
	return name == "./" || name == "../" || strings.HasSuffix(name, "/")
}

// Parse extracts the directory listing from body. archivePattern, when
// non-nil, rejects filenames that don't match it.
func Parse(body string, archivePattern *regexp.Regexp) ([]RemoteFile, error) {
	rows, err := extractRows(body)
	if err != nil {
		return nil, err
	}

	out := make([]RemoteFile, 0, len(rows))
	for _, row := range rows {
		href, err := url.QueryUnescape(row.href)
		if err != nil {
			href = row.href
		}
		name := href
		if isParentOrDirEntry(name) {
			continue
		}
		if archivePattern != nil && !archivePattern.MatchString(name) {
			continue
		}

		rf := RemoteFile{Name: name, URL: row.href, Size: ParseSize(row.size)}
		if ts, ok := ParseTimestamp(row.timestamp); ok {
			rf.LastModified = ts
			rf.HasTimestamp = true
		}
		out = append(out, rf)
	}
	return out, nil
}

// ParseDirectoryLastModified returns the timestamp recorded for the "./"
// row, when the listing includes one; used by the sync to skip unchanged
// directories cheaply.
func ParseDirectoryLastModified(body string) (time.Time, bool) {
	rows, err := extractRows(body)
	if err != nil {
		return time.Time{}, false
	}
	for _, row := range rows {
		if row.href == "./" {
			return ParseTimestamp(row.timestamp)
		}
	}
	return time.Time{}, false
}

type rawRow struct {
	href      string
	size      string
	timestamp string
}

// extractRows tries the standard <tr><td> table shape first via
// golang.org/x/net/html, then falls back to a pipe-delimited text table.
func extractRows(body string) ([]rawRow, error) {
	rows, err := extractHTMLRows(body)
	if err != nil {
		return nil, err
	}
	if len(rows) > 0 {
		return rows, nil
	}
	return extractPipeTableRows(body), nil
}

func extractHTMLRows(body string) ([]rawRow, error) {
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return nil, err
	}

	var rows []rawRow
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "tr" {
			if row, ok := rowFromTR(n); ok {
				rows = append(rows, row)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return rows, nil
}

func rowFromTR(tr *html.Node) (rawRow, bool) {
	var cells []string
	var href string
	for td := tr.FirstChild; td != nil; td = td.NextSibling {
		if td.Type != html.ElementNode || td.Data != "td" {
			continue
		}
		if href == "" {
			if a := findAnchor(td); a != "" {
				href = a
			}
		}
		cells = append(cells, strings.TrimSpace(textContent(td)))
	}
	if href == "" {
		return rawRow{}, false
	}
	row := rawRow{href: href}
	if len(cells) > 1 {
		row.size = cells[1]
	}
	if len(cells) > 2 {
		row.timestamp = cells[2]
	}
	return row, true
}

func findAnchor(n *html.Node) string {
	if n.Type == html.ElementNode && n.Data == "a" {
		for _, attr := range n.Attr {
			if attr.Key == "href" {
				return attr.Val
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if href := findAnchor(c); href != "" {
			return href
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		sb.WriteString(textContent(c))
	}
	return sb.String()
}

// extractPipeTableRows handles a plain-text fallback shape such as:
//
//	| <a href="Game.zip">Game.zip</a> | 4.2 MiB | 01-Jan-2024 10:00 |
var pipeHrefRe = regexp.MustCompile(`href="([^"]+)"`)

func extractPipeTableRows(body string) []rawRow {
	var rows []rawRow
	for _, line := range strings.Split(body, "\n") {
		if !strings.Contains(line, "|") {
			continue
		}
		cols := strings.Split(line, "|")
		var trimmed []string
		for _, c := range cols {
			c = strings.TrimSpace(c)
			if c != "" {
				trimmed = append(trimmed, c)
			}
		}
		if len(trimmed) == 0 {
			continue
		}
		m := pipeHrefRe.FindStringSubmatch(trimmed[0])
		if m == nil {
			continue
		}
		row := rawRow{href: m[1]}
		if len(trimmed) > 1 {
			row.size = trimmed[1]
		}
		if len(trimmed) > 2 {
			row.timestamp = trimmed[2]
		}
		rows = append(rows, row)
	}
	return rows
}
