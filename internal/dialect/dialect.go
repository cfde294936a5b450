// Package dialect resolves CSV dialect conventions (delimiter, quote, escape,
// header) into the state-machine description used by scan units, and caches
// that resolution per distinct set of options. Options left unset in the spec
// are inferred from a bounded sample of the first file.
package dialect

import (
	"fmt"
	"strings"
	"sync"
	"unicode"

	"github.com/zeebo/xxh3"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"csvscan/internal/config"
)

// Options is the resolved set of dialect conventions for one file.
type Options struct {
	Delimiter byte
	Quote     byte
	Escape    byte // 0 means "doubled quote" escaping
	HasHeader bool
}

// FromConfig builds Options from the spec's dialect block. Keys the spec does
// not set keep the conventional defaults; callers that want inference should
// use Sniff instead.
func FromConfig(o config.Options) Options {
	return Options{
		Delimiter: byte(o.Rune("delimiter", ',')),
		Quote:     byte(o.Rune("quote", '"')),
		Escape:    byte(o.Rune("escape", 0)),
		HasHeader: o.Bool("has_header", true),
	}
}

// cacheKey hashes the option fields so equal options share one StateMachine.
func (o Options) cacheKey() uint64 {
	var raw [4]byte
	raw[0] = o.Delimiter
	raw[1] = o.Quote
	raw[2] = o.Escape
	if o.HasHeader {
		raw[3] = 1
	}
	return xxh3.Hash(raw[:])
}

// StateMachine is the per-dialect description a scan unit parses with. It is
// immutable after construction and shared freely across workers.
type StateMachine struct {
	Options Options

	// delimiterIsSpace tolerates runs of the delimiter when it is a blank.
	delimiterIsSpace bool
}

// NewStateMachine resolves Options into a StateMachine. Prefer Resolve, which
// consults the process-wide cache.
func NewStateMachine(o Options) *StateMachine {
	return &StateMachine{
		Options:          o,
		delimiterIsSpace: o.Delimiter == ' ' || o.Delimiter == '\t',
	}
}

// DelimiterIsSpace reports whether runs of the delimiter collapse into one
// separator, the convention for blank-separated files.
func (m *StateMachine) DelimiterIsSpace() bool { return m.delimiterIsSpace }

// Cache deduplicates state machines by dialect options. The zero value is
// ready to use; the package exposes a process-wide instance via Resolve.
type Cache struct {
	mu sync.Mutex
	m  map[uint64]*StateMachine
}

// Get returns the cached StateMachine for o, constructing it on first use.
func (c *Cache) Get(o Options) *StateMachine {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.m == nil {
		c.m = make(map[uint64]*StateMachine)
	}
	k := o.cacheKey()
	if sm, ok := c.m[k]; ok {
		return sm
	}
	sm := NewStateMachine(o)
	c.m[k] = sm
	return sm
}

var globalCache Cache

// Resolve returns the process-wide cached StateMachine for o.
func Resolve(o Options) *StateMachine {
	return globalCache.Get(o)
}

// candidateDelimiters are tried by the sniffer, in preference order.
var candidateDelimiters = []byte{',', ';', '\t', '|'}

// Sniff infers a dialect from a bounded sample of file bytes, honoring any
// explicitly configured keys in cfg. Inference scores each candidate
// delimiter by the consistency of per-line field counts over the sample and
// picks the candidate with the most lines agreeing on a count > 1.
func Sniff(sample []byte, cfg config.Options) Options {
	opts := FromConfig(cfg)
	if cfg.Has("delimiter") || len(sample) == 0 {
		return opts
	}

	lines := splitSampleLines(sample)
	if len(lines) == 0 {
		return opts
	}

	best := opts.Delimiter
	bestScore := -1
	for _, d := range candidateDelimiters {
		counts := make(map[int]int)
		for _, ln := range lines {
			counts[countFields(ln, d, opts.Quote)]++
		}
		score := 0
		for n, c := range counts {
			if n > 1 && c > score {
				score = c
			}
		}
		if score > bestScore {
			bestScore = score
			best = d
		}
	}
	opts.Delimiter = best
	return opts
}

// splitSampleLines breaks the sample into complete lines, dropping a trailing
// partial line so a truncated sample does not skew field counts.
func splitSampleLines(sample []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range sample {
		if b == '\n' {
			ln := sample[start:i]
			if len(ln) > 0 && ln[len(ln)-1] == '\r' {
				ln = ln[:len(ln)-1]
			}
			if len(ln) > 0 {
				lines = append(lines, ln)
			}
			start = i + 1
		}
	}
	return lines
}

// countFields counts delimiter-separated fields on one line, ignoring
// delimiters inside quoted sections.
func countFields(line []byte, delim, quote byte) int {
	n := 1
	inQuote := false
	for _, b := range line {
		switch {
		case b == quote:
			inQuote = !inQuote
		case b == delim && !inQuote:
			n++
		}
	}
	return n
}

// utf8BOM is stripped from the first header cell if present.
const utf8BOM = "\uFEFF"

// NormalizeHeader converts raw header cells into canonical column keys:
// BOM stripped from the first cell, headerMap overrides applied, otherwise
// lowercased ASCII identifiers with accents removed.
func NormalizeHeader(cells []string, headerMap map[string]string) []string {
	out := make([]string, len(cells))
	for i, c := range cells {
		c = strings.TrimSpace(c)
		if i == 0 {
			c = strings.TrimPrefix(c, utf8BOM)
		}
		if headerMap != nil {
			if mapped, ok := headerMap[c]; ok && mapped != "" {
				out[i] = mapped
				continue
			}
		}
		out[i] = canonicalFieldName(c)
	}
	return out
}

// canonicalFieldName converts arbitrary header text into a lowercase ASCII
// identifier: accents stripped (NFD → remove Mn → NFC), space/dash/dot become
// underscores, anything else non-alphanumeric is dropped.
func canonicalFieldName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))

	t := transform.Chain(
		norm.NFD,
		runes.Remove(runes.In(unicode.Mn)),
		norm.NFC,
	)
	ascii, _, _ := transform.String(t, s)

	var b strings.Builder
	prevUnderscore := false
	for _, r := range ascii {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			prevUnderscore = false
		case r == '_' || r == ' ' || r == '-' || r == '.':
			if !prevUnderscore {
				b.WriteRune('_')
				prevUnderscore = true
			}
		}
	}
	name := strings.Trim(b.String(), "_")
	if name == "" {
		return "col"
	}
	return name
}

// String renders the dialect for scans-table bookkeeping and logs.
func (o Options) String() string {
	esc := "doubled"
	if o.Escape != 0 {
		esc = fmt.Sprintf("%q", o.Escape)
	}
	return fmt.Sprintf("delim=%q quote=%q escape=%s header=%t", o.Delimiter, o.Quote, esc, o.HasHeader)
}
