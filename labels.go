package servicemon

import (
	"strings"
)

// labelSeparator cannot appear in valid UTF-8 label values; values are
// checked before a key is built
const labelSeparator = "\xff"

// Label is one dimension of a series
type Label struct {
	Name  string
	Value string
}

// LabelTuple is an ordered set of labels identifying a series within its family
type LabelTuple []Label

// Labels builds a LabelTuple from alternating name/value pairs.
// A trailing name without a value gets an empty value.
func Labels(pairs ...string) LabelTuple {
	t := make(LabelTuple, 0, (len(pairs)+1)/2)
	for i := 0; i < len(pairs); i += 2 {
		l := Label{Name: pairs[i]}
		if i+1 < len(pairs) {
			l.Value = pairs[i+1]
		}
		t = append(t, l)
	}
	return t
}

// Values returns the label values in order
func (t LabelTuple) Values() []string {
	vals := make([]string, len(t))
	for i, l := range t {
		vals[i] = l.Value
	}
	return vals
}

// String renders the tuple as name="value" pairs, mostly for logs
func (t LabelTuple) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, l := range t {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(l.Name)
		b.WriteString(`="`)
		b.WriteString(l.Value)
		b.WriteByte('"')
	}
	b.WriteByte('}')
	return b.String()
}

func (t LabelTuple) clone() LabelTuple {
	return append(LabelTuple(nil), t...)
}

// matches reports whether the tuple carries exactly the given names, in order
func (t LabelTuple) matches(names []string) bool {
	if len(t) != len(names) {
		return false
	}
	for i := range t {
		if t[i].Name != names[i] {
			return false
		}
	}
	return true
}

// seriesKey is the hashable identity of a tuple inside one family
func seriesKey(values []string) string {
	return strings.Join(values, labelSeparator)
}

// compareTuples orders tuples of the same family by their values
func compareTuples(a, b LabelTuple) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := strings.Compare(a[i].Value, b[i].Value); c != 0 {
			return c
		}
	}
	return len(a) - len(b)
}
