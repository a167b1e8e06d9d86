package markup

import "testing"

func TestToGitter(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		formatted string
		want      string
	}{
		{"plain text passthrough", "hello world", "", "hello world"},
		{"bold", "hello", "<strong>hello</strong>", "**hello**"},
		{"italic", "hello", "<em>hello</em>", "*hello*"},
		{"code", "x", "<code>x</code>", "`x`"},
		{"link", "Gitter", `<a href="https://gitter.im">Gitter</a>`, "[Gitter](https://gitter.im)"},
		{"whitespace-only formatted body", "hello", "   ", "hello"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ToGitter(tt.body, tt.formatted)
			if got != tt.want {
				t.Errorf("ToGitter(%q, %q) = %q, want %q", tt.body, tt.formatted, got, tt.want)
			}
		})
	}
}
