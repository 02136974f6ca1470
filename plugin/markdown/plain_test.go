package markdown

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToPlainText(t *testing.T) {
	testCases := []struct {
		name   string
		source string
		expect string
	}{
		{"plain text unchanged", "hello world", "hello world"},
		{"emphasis stripped", "this is *very* **important**", "this is very important"},
		{"heading stripped", "# Title", "Title"},
		{"inline code stripped", "run `go test` now", "run go test now"},
		{"link text kept", "[click here](https://example.com)", "click here"},
		{"empty input", "", ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expect, ToPlainText(tc.source))
		})
	}
}

func TestToPlainText_CodeFence(t *testing.T) {
	out := ToPlainText("before\n\n```go\nfmt.Println(1)\n```\n\nafter")
	assert.Contains(t, out, "fmt.Println(1)")
	assert.NotContains(t, out, "```")
}

func TestToPlainText_ListItems(t *testing.T) {
	out := ToPlainText("- one\n- two")
	assert.Contains(t, out, "one")
	assert.Contains(t, out, "two")
	assert.NotContains(t, out, "-")
}
