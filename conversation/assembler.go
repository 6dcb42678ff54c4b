package conversation

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/becomeliminal/nim-memory/core"
)

// DefaultContextMaxChars caps assembled context, in runes.
const DefaultContextMaxChars = 6000

// Assembler composes the prompt context: summary, then retrieved cards,
// then recent turns oldest first. Sections are separated by a blank line.
type Assembler struct {
	// MaxChars caps the output in runes. Zero or less disables the cap.
	MaxChars int
}

// Assemble renders the context. cards must be ordered most relevant first.
// Over budget, cards are dropped from the least relevant end, then the
// oldest turns; the summary is always kept whole.
func (a Assembler) Assemble(summary string, turns []core.ChatTurn, cards []string) string {
	out := render(summary, turns, cards)
	if a.MaxChars <= 0 {
		return out
	}
	for utf8.RuneCountInString(out) > a.MaxChars && len(cards) > 0 {
		cards = cards[:len(cards)-1]
		out = render(summary, turns, cards)
	}
	for utf8.RuneCountInString(out) > a.MaxChars && len(turns) > 0 {
		turns = turns[1:]
		out = render(summary, turns, cards)
	}
	return out
}

func render(summary string, turns []core.ChatTurn, cards []string) string {
	var parts []string
	if summary != "" {
		parts = append(parts, "Previous summary: "+summary)
	}
	if len(cards) > 0 {
		var b strings.Builder
		b.WriteString("Relevant character information:")
		for i, c := range cards {
			b.WriteString("\n")
			b.WriteString(strconv.Itoa(i + 1))
			b.WriteString(". ")
			b.WriteString(c)
		}
		parts = append(parts, b.String())
	}
	if len(turns) > 0 {
		lines := make([]string, len(turns))
		for i, t := range turns {
			lines[i] = t.Line()
		}
		parts = append(parts, "Recent conversation:\n"+strings.Join(lines, "\n"))
	}
	return strings.Join(parts, "\n\n")
}
