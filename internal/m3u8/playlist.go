package m3u8

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// Recognized header tags, captured verbatim during parsing and emitted
// verbatim (media sequence excepted) during rewriting.
const (
	TagExtM3U        = "#EXTM3U"
	TagVersion       = "#EXT-X-VERSION"
	TagTargetDur     = "#EXT-X-TARGETDURATION"
	TagPlaylistType  = "#EXT-X-PLAYLIST-TYPE"
	TagMediaSequence = "#EXT-X-MEDIA-SEQUENCE"
	TagKey           = "#EXT-X-KEY"
	TagEndList       = "#EXT-X-ENDLIST"
)

// NoMediaSequenceOverride is the sentinel passed to Rewrite when the original
// media sequence header should be kept as-is.
const NoMediaSequenceOverride = -1

// Segment is one media chunk referenced by a playlist. Immutable once parsed.
type Segment struct {
	// URL is the absolute origin URL of the segment.
	URL string
	// Sequence is the media sequence number, unique within the playlist
	// and strictly increasing by list position.
	Sequence int
	// Duration is the EXTINF duration in seconds.
	Duration float64
	// OriginalLine is the URI line exactly as it appeared in the source.
	OriginalLine string
}

// HeaderLine is a recognized header tag with its raw playlist line.
type HeaderLine struct {
	Tag  string
	Line string
}

// Headers is the ordered set of recognized header lines, in encounter order.
type Headers []HeaderLine

// Get returns the raw line for a tag.
func (h Headers) Get(tag string) (string, bool) {
	for _, l := range h {
		if l.Tag == tag {
			return l.Line, true
		}
	}
	return "", false
}

func (h *Headers) set(tag, line string) {
	for i, l := range *h {
		if l.Tag == tag {
			(*h)[i].Line = line
			return
		}
	}
	*h = append(*h, HeaderLine{Tag: tag, Line: line})
}

// Key holds the encryption metadata of an #EXT-X-KEY line. URI is always
// absolute after parsing.
type Key struct {
	Method string
	URI    string
	IV     string
	// Line is the raw key line with the URI replaced by its resolved form.
	Line string
}

// Playlist is the result of parsing one m3u8 document. Produced fresh on
// every fetch and never mutated afterwards.
type Playlist struct {
	BaseURL  string
	Headers  Headers
	Segments []Segment
	Key      *Key
}

var (
	keyURIPattern    = regexp.MustCompile(`(?i)URI="([^"]*)"`)
	keyMethodPattern = regexp.MustCompile(`METHOD=([^,]+)`)
	keyIVPattern     = regexp.MustCompile(`IV=([^,\s]+)`)
)

// Parse scans the playlist text and extracts the ordered segment list, the
// recognized header lines and the optional encryption key. Sequence numbers
// start at the #EXT-X-MEDIA-SEQUENCE value (0 if absent) and increment by
// one per segment in file order. Relative URIs are resolved against baseURL.
//
// Malformed input degrades rather than fails: a bad EXTINF duration becomes
// 0.0 and a dangling EXTINF with no following URI line is dropped.
func Parse(content, baseURL string) Playlist {
	pl := Playlist{BaseURL: baseURL}

	startSequence := 0
	for _, raw := range strings.Split(content, "\n") {
		line := strings.TrimSpace(raw)
		switch {
		case strings.HasPrefix(line, TagMediaSequence+":"):
			if n, err := strconv.Atoi(strings.TrimPrefix(line, TagMediaSequence+":")); err == nil {
				startSequence = n
			}
			pl.Headers.set(TagMediaSequence, line)
		case strings.HasPrefix(line, TagTargetDur):
			pl.Headers.set(TagTargetDur, line)
		case strings.HasPrefix(line, TagVersion):
			pl.Headers.set(TagVersion, line)
		case strings.HasPrefix(line, TagPlaylistType):
			pl.Headers.set(TagPlaylistType, line)
		case strings.HasPrefix(line, TagExtM3U):
			pl.Headers.set(TagExtM3U, line)
		case strings.HasPrefix(line, TagKey):
			pl.Key = parseKeyLine(line, baseURL)
			pl.Headers.set(TagKey, pl.Key.Line)
		}
	}

	sequence := startSequence
	pendingDuration := 0.0
	pending := false
	for _, raw := range strings.Split(content, "\n") {
		line := strings.TrimSpace(raw)
		switch {
		case strings.HasPrefix(line, "#EXTINF:"):
			pendingDuration = parseExtInfDuration(line)
			pending = true
		case line == "" || strings.HasPrefix(line, "#"):
			// Comments and blanks never consume a pending EXTINF.
		case pending:
			pl.Segments = append(pl.Segments, Segment{
				URL:          ResolveURL(baseURL, line),
				Sequence:     sequence,
				Duration:     pendingDuration,
				OriginalLine: line,
			})
			sequence++
			pending = false
		}
	}

	return pl
}

// parseExtInfDuration extracts the duration from an "#EXTINF:<d>," line,
// defaulting to 0.0 when malformed.
func parseExtInfDuration(line string) float64 {
	part := strings.TrimPrefix(line, "#EXTINF:")
	if idx := strings.Index(part, ","); idx != -1 {
		part = part[:idx]
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
	if err != nil {
		return 0.0
	}
	return d
}

func parseKeyLine(line, baseURL string) *Key {
	key := &Key{Line: line}
	if m := keyMethodPattern.FindStringSubmatch(line); m != nil {
		key.Method = m[1]
	}
	if m := keyIVPattern.FindStringSubmatch(line); m != nil {
		key.IV = m[1]
	}
	if m := keyURIPattern.FindStringSubmatch(line); m != nil && m[1] != "" {
		key.URI = ResolveURL(baseURL, m[1])
		key.Line = strings.Replace(line, m[1], key.URI, 1)
	}
	return key
}

// Rewrite emits a playlist whose segment URIs point at the proxy. Header
// lines are emitted verbatim except #EXT-X-MEDIA-SEQUENCE, which is replaced
// when overrideMediaSequence is not NoMediaSequenceOverride. The output
// always terminates with exactly one #EXT-X-ENDLIST.
//
// Rewrite is a pure function: same inputs, same bytes.
func Rewrite(segments []Segment, headers Headers, overrideMediaSequence int, clientID string) string {
	lines := make([]string, 0, len(headers)+2*len(segments)+1)

	for _, h := range headers {
		if h.Tag == TagMediaSequence && overrideMediaSequence != NoMediaSequenceOverride {
			lines = append(lines, fmt.Sprintf("%s:%d", TagMediaSequence, overrideMediaSequence))
			continue
		}
		lines = append(lines, h.Line)
	}

	for _, seg := range segments {
		lines = append(lines, fmt.Sprintf("#EXTINF:%s,", FormatDuration(seg.Duration)))
		lines = append(lines, fmt.Sprintf("/proxy/ts?url=%s&seq=%d&clientId=%s",
			url.QueryEscape(seg.URL), seg.Sequence, url.QueryEscape(clientID)))
	}

	hasEndList := false
	for _, l := range lines {
		if strings.HasPrefix(l, TagEndList) {
			hasEndList = true
			break
		}
	}
	if !hasEndList {
		lines = append(lines, TagEndList)
	}

	return strings.Join(lines, "\n")
}

// FormatDuration renders an EXTINF duration without trailing zeros.
func FormatDuration(d float64) string {
	return strconv.FormatFloat(d, 'f', -1, 64)
}

// ResolveURL resolves ref against base. Already-absolute refs pass through;
// unparsable input falls back to the ref unchanged.
func ResolveURL(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}

// BaseOf returns the directory URL of a playlist URL, the base against which
// its relative segment URIs resolve.
func BaseOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	dir, err := u.Parse(".")
	if err != nil {
		return rawURL
	}
	return dir.String()
}

// FindBySequence returns the segment with the given sequence number.
func FindBySequence(segments []Segment, sequence int) (Segment, bool) {
	for _, seg := range segments {
		if seg.Sequence == sequence {
			return seg, true
		}
	}
	return Segment{}, false
}

// SequenceRange returns the first and last sequence numbers of the list,
// (0, 0) when empty.
func SequenceRange(segments []Segment) (first, last int) {
	if len(segments) == 0 {
		return 0, 0
	}
	return segments[0].Sequence, segments[len(segments)-1].Sequence
}
