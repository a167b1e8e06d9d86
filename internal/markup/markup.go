// Package markup translates Matrix message markup into the markdown dialect
// Gitter renders. Matrix clients attach an HTML formatted_body alongside the
// plain-text body; Gitter wants markdown, so the HTML variant is converted
// when present and the plain body is used as-is otherwise.
package markup

import (
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
)

var converter = md.NewConverter("", true, &md.Options{
	StrongDelimiter:  "**",
	EmDelimiter:      "*",
	CodeBlockStyle:   "fenced",
	HeadingStyle:     "atx",
	HorizontalRule:   "---",
	BulletListMarker: "-",
})

// ToGitter renders a Matrix message for posting to Gitter. formattedBody is
// the event's HTML variant and may be empty; conversion failures fall back
// to the plain body so a message is never dropped over markup.
func ToGitter(body, formattedBody string) string {
	if strings.TrimSpace(formattedBody) == "" {
		return body
	}

	markdown, err := converter.ConvertString(formattedBody)
	if err != nil {
		return body
	}

	return strings.TrimSpace(markdown)
}
