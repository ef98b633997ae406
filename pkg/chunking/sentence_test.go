package chunking

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSentenceSplitter_Split(t *testing.T) {
	splitter := NewSentenceSplitter()

	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "simple sentences",
			text: "Replace the filter. Inspect the hose. Note any cracks.",
			want: []string{"Replace the filter.", "Inspect the hose.", "Note any cracks."},
		},
		{
			name: "mixed terminators",
			text: "Is it on? Yes! Start now.",
			want: []string{"Is it on?", "Yes!", "Start now."},
		},
		{
			name: "title abbreviation",
			text: "Dr. Smith arrived. He sat down.",
			want: []string{"Dr. Smith arrived.", "He sat down."},
		},
		{
			name: "initials",
			text: "J. R. R. Tolkien wrote books. They sold well.",
			want: []string{"J. R. R. Tolkien wrote books.", "They sold well."},
		},
		{
			name: "decimal numbers",
			text: "Pi is 3.14 exactly. Use it.",
			want: []string{"Pi is 3.14 exactly.", "Use it."},
		},
		{
			name: "ellipsis stays inside the sentence",
			text: "Wait... maybe not. Sure.",
			want: []string{"Wait... maybe not.", "Sure."},
		},
		{
			name: "latin abbreviation",
			text: "e.g. the pump housing. Replace it.",
			want: []string{"e.g. the pump housing.", "Replace it."},
		},
		{
			name: "dotted acronym",
			text: "The U.S.A. standard applies. Check twice.",
			want: []string{"The U.S.A. standard applies.", "Check twice."},
		},
		{
			name: "figure reference before a digit",
			text: "Mount the bracket (fig. 3) on the rail. Torque to spec.",
			want: []string{"Mount the bracket (fig. 3) on the rail.", "Torque to spec."},
		},
		{
			name: "no terminator",
			text: "tighten all bolts",
			want: []string{"tighten all bolts"},
		},
		{
			name: "empty input",
			text: "   ",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, splitter.Split(tt.text))
		})
	}
}
