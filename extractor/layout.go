package extractor

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Kind is the shape of an extracted field.
type Kind string

const (
	// KindText is the text of the first match.
	KindText Kind = "text"
	// KindList is the text of every match.
	KindList Kind = "list"
	// KindPairs is a name/value pair per match, read from child elements.
	KindPairs Kind = "pairs"
)

// Field describes one extracted field.
type Field struct {
	Name     string `json:"name"`
	Kind     Kind   `json:"kind"`
	Selector string `json:"selector"`
	Required bool   `json:"required,omitempty"`

	// NamePath and ValuePath locate the pair parts as child indexes below
	// the matched element. Pairs only.
	NamePath  []int `json:"name_path,omitempty"`
	ValuePath []int `json:"value_path,omitempty"`
}

// Pair is one KindPairs item.
type Pair struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type compiledField struct {
	Field
	sel cascadia.Selector
}

// Layout extracts a fixed set of selector-addressed fields.
type Layout struct {
	fields []compiledField
}

// NewLayout compiles every selector up front.
func NewLayout(fields ...Field) (*Layout, error) {
	l := &Layout{}
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if f.Name == "" || seen[f.Name] {
			return nil, fmt.Errorf("extractor: empty or duplicate field name %q", f.Name)
		}
		seen[f.Name] = true
		switch f.Kind {
		case KindText, KindList:
		case KindPairs:
			if len(f.NamePath) == 0 || len(f.ValuePath) == 0 {
				return nil, fmt.Errorf("extractor: pair field %q needs name and value paths", f.Name)
			}
		default:
			return nil, fmt.Errorf("extractor: field %q has unknown kind %q", f.Name, f.Kind)
		}
		sel, err := cascadia.Compile(f.Selector)
		if err != nil {
			return nil, fmt.Errorf("extractor: field %q: %w", f.Name, err)
		}
		l.fields = append(l.fields, compiledField{Field: f, sel: sel})
	}
	return l, nil
}

// DefaultFields is the trend detail layout.
func DefaultFields() []Field {
	return []Field{
		{Name: "title", Kind: KindText, Selector: "span.TUXText--weight-bold", Required: true},
		{Name: "searchPopularity", Kind: KindText, Selector: "span.TUXText--weight-bold[style*='32px']"},
		{Name: "trendPercent", Kind: KindText, Selector: "div[class*='DetailTrendDiv'] span"},
		{Name: "relatedTopics", Kind: KindList, Selector: "div[class*='KeywordDiv'] span"},
		{
			Name: "locations", Kind: KindPairs,
			Selector: "[class*='--BarChartContainer'] [class*='--BarItemContainer']",
			NamePath: []int{0, 0}, ValuePath: []int{0, 1},
		},
		{
			Name: "demographics", Kind: KindPairs,
			Selector: "[class*='--ExposureWrapper'] [class*='--LegendItemContainer']",
			NamePath: []int{0, 1}, ValuePath: []int{1},
		},
	}
}

// DefaultLayout is the layout of DefaultFields.
func DefaultLayout() *Layout {
	l, err := NewLayout(DefaultFields()...)
	if err != nil {
		panic(err)
	}
	return l
}

// Fields returns the layout's field definitions.
func (l *Layout) Fields() []Field {
	out := make([]Field, len(l.fields))
	for i, f := range l.fields {
		out[i] = f.Field
	}
	return out
}

// Extract reads every field from rawHTML. Missing optional fields come back
// empty; a missing required field fails with ErrFieldMissing.
func (l *Layout) Extract(_ string, rawHTML string) (map[string]any, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return nil, fmt.Errorf("extractor: parse snapshot: %w", err)
	}

	out := make(map[string]any, len(l.fields))
	var missing []string
	for _, f := range l.fields {
		matches := doc.FindMatcher(f.sel)
		switch f.Kind {
		case KindText:
			v := innerText(matches.First())
			if v == "" && f.Required {
				missing = append(missing, f.Name)
			}
			out[f.Name] = v
		case KindList:
			items := []string{}
			matches.Each(func(_ int, s *goquery.Selection) {
				items = append(items, innerText(s))
			})
			if len(items) == 0 && f.Required {
				missing = append(missing, f.Name)
			}
			out[f.Name] = items
		case KindPairs:
			pairs := []Pair{}
			matches.Each(func(_ int, s *goquery.Selection) {
				pairs = append(pairs, Pair{
					Name:  innerText(child(s, f.NamePath)),
					Value: innerText(child(s, f.ValuePath)),
				})
			})
			if len(pairs) == 0 && f.Required {
				missing = append(missing, f.Name)
			}
			out[f.Name] = pairs
		}
	}

	if len(missing) > 0 {
		return out, fmt.Errorf("%w: %s", ErrFieldMissing, strings.Join(missing, ", "))
	}
	return out, nil
}

func child(s *goquery.Selection, path []int) *goquery.Selection {
	for _, i := range path {
		s = s.Children().Eq(i)
	}
	return s
}

// innerText approximates the rendered text of s: script and style content
// is dropped, block boundaries separate words and whitespace collapses.
func innerText(s *goquery.Selection) string {
	var b strings.Builder
	for _, n := range s.Nodes {
		writeText(&b, n)
		b.WriteByte(' ')
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func writeText(b *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(n.Data)
		return
	case html.ElementNode:
		switch n.DataAtom {
		case atom.Script, atom.Style, atom.Noscript, atom.Template:
			return
		case atom.Br:
			b.WriteByte(' ')
			return
		}
	}
	block := n.Type == html.ElementNode && blockElements[n.DataAtom]
	if block {
		b.WriteByte(' ')
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		writeText(b, c)
	}
	if block {
		b.WriteByte(' ')
	}
}

var blockElements = map[atom.Atom]bool{
	atom.Div: true, atom.P: true, atom.Li: true, atom.Ul: true, atom.Ol: true,
	atom.Tr: true, atom.Td: true, atom.Th: true, atom.Table: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Section: true, atom.Article: true, atom.Header: true, atom.Footer: true,
}

// ValidSelector reports whether selector compiles.
func ValidSelector(selector string) error {
	_, err := cascadia.Compile(selector)
	return err
}
