package relay

import "strings"

// accumulator collects the fragments of one turn in arrival order. It is
// owned by a single turn and shared by pointer between the streaming loop
// and finalize.
type accumulator struct {
	b     strings.Builder
	count int
}

func (a *accumulator) append(fragment string) {
	a.b.WriteString(fragment)
	a.count++
}

func (a *accumulator) String() string {
	return a.b.String()
}

// blank reports whether nothing but whitespace has arrived.
func (a *accumulator) blank() bool {
	return strings.TrimSpace(a.b.String()) == ""
}
