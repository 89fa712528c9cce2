package classroom

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCollectEmails(t *testing.T) {
	tests := []struct {
		name string
		text string
		csv  io.Reader
		want []string
	}{
		{name: "empty", want: []string{}},
		{name: "commas", text: "a@test.cd, b@test.cd", want: []string{"a@test.cd", "b@test.cd"}},
		{name: "semicolons and newlines", text: "a@test.cd;b@test.cd\nc@test.cd", want: []string{"a@test.cd", "b@test.cd", "c@test.cd"}},
		{name: "lowercased and deduped", text: "A@Test.cd, a@test.cd, b@test.cd", want: []string{"a@test.cd", "b@test.cd"}},
		{name: "blank chunks dropped", text: " , a@test.cd ,, ", want: []string{"a@test.cd"}},
		{
			name: "csv only",
			csv:  strings.NewReader("email\na@test.cd\nb@test.cd\n"),
			want: []string{"a@test.cd", "b@test.cd"},
		},
		{
			name: "csv extra columns ignored",
			csv:  strings.NewReader("Email,Name\na@test.cd,Alice\nb@test.cd,Bob\n"),
			want: []string{"a@test.cd", "b@test.cd"},
		},
		{
			name: "text and csv merged in first-seen order",
			text: "a@test.cd",
			csv:  strings.NewReader("b@test.cd\nA@test.cd\n"),
			want: []string{"a@test.cd", "b@test.cd"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CollectEmails(tt.text, tt.csv)
			if len(tt.want) == 0 {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}
