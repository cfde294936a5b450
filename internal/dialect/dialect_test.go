package dialect

import (
	"reflect"
	"testing"

	"csvscan/internal/config"
)

// TestSniff_InfersDelimiter scores candidate delimiters by field-count
// consistency over the sample.
func TestSniff_InfersDelimiter(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		sample string
		want   byte
	}{
		{"comma", "a,b,c\n1,2,3\n4,5,6\n", ','},
		{"semicolon", "a;b;c\n1;2;3\n4;5;6\n", ';'},
		{"tab", "a\tb\tc\n1\t2\t3\n", '\t'},
		{"pipe", "a|b|c\n1|2|3\n", '|'},
	}
	for _, tc := range cases {
		got := Sniff([]byte(tc.sample), config.Options{})
		if got.Delimiter != tc.want {
			t.Errorf("%s: delimiter = %q, want %q", tc.name, got.Delimiter, tc.want)
		}
	}
}

// TestSniff_ExplicitDelimiterWins skips inference entirely when the spec
// names a delimiter.
func TestSniff_ExplicitDelimiterWins(t *testing.T) {
	t.Parallel()

	cfg := config.Options{"delimiter": ";"}
	got := Sniff([]byte("a,b,c\n1,2,3\n"), cfg)
	if got.Delimiter != ';' {
		t.Fatalf("delimiter = %q, want %q", got.Delimiter, ';')
	}
}

// TestSniff_IgnoresQuotedDelimiters does not count delimiters inside quotes.
func TestSniff_IgnoresQuotedDelimiters(t *testing.T) {
	t.Parallel()

	sample := "a;\"x,y,z\";c\n1;\"p,q,r\";3\n4;5;6\n"
	got := Sniff([]byte(sample), config.Options{})
	if got.Delimiter != ';' {
		t.Fatalf("delimiter = %q, want %q", got.Delimiter, ';')
	}
}

// TestResolve_CacheIdentity returns the identical state machine for equal
// options and distinct ones otherwise.
func TestResolve_CacheIdentity(t *testing.T) {
	t.Parallel()

	a := Resolve(Options{Delimiter: ',', Quote: '"', HasHeader: true})
	b := Resolve(Options{Delimiter: ',', Quote: '"', HasHeader: true})
	c := Resolve(Options{Delimiter: ';', Quote: '"', HasHeader: true})
	if a != b {
		t.Fatalf("equal options produced distinct state machines")
	}
	if a == c {
		t.Fatalf("distinct options share a state machine")
	}
}

// TestNewStateMachine_DelimiterIsSpace marks blank delimiters for run
// collapsing.
func TestNewStateMachine_DelimiterIsSpace(t *testing.T) {
	t.Parallel()

	if !NewStateMachine(Options{Delimiter: '\t'}).DelimiterIsSpace() {
		t.Fatalf("tab delimiter not flagged as space")
	}
	if NewStateMachine(Options{Delimiter: ','}).DelimiterIsSpace() {
		t.Fatalf("comma delimiter flagged as space")
	}
}

// TestNormalizeHeader canonicalizes raw header cells: BOM stripped, accents
// folded, overrides applied, unusable names replaced.
func TestNormalizeHeader(t *testing.T) {
	t.Parallel()

	cells := []string{"\uFEFFDatum Narození", "Café au Lait", "weird!!name", "###", "Keep"}
	overrides := map[string]string{"Keep": "kept_as_is"}
	got := NormalizeHeader(cells, overrides)
	want := []string{"datum_narozeni", "cafe_au_lait", "weirdname", "col", "kept_as_is"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("normalized = %v, want %v", got, want)
	}
}

// TestFromConfig_Defaults fills conventional defaults for unset keys.
func TestFromConfig_Defaults(t *testing.T) {
	t.Parallel()

	o := FromConfig(config.Options{})
	if o.Delimiter != ',' || o.Quote != '"' || o.Escape != 0 || !o.HasHeader {
		t.Fatalf("defaults = %+v", o)
	}
}

// TestOptions_String renders a stable one-line description.
func TestOptions_String(t *testing.T) {
	t.Parallel()

	o := Options{Delimiter: ';', Quote: '"', HasHeader: true}
	want := `delim=';' quote='"' escape=doubled header=true`
	if got := o.String(); got != want {
		t.Fatalf("String = %q, want %q", got, want)
	}
}
