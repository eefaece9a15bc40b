package template

import "strings"

// Block is one heading + paragraph pair of a ticket description.
type Block struct {
	Heading string
	Text    string
}

// Document is a structured, schema-neutral ticket description.
type Document struct {
	Blocks []Block
}

// Renderer converts a Document into the value stored in the description field.
type Renderer func(Document) any

// PlainText renders headings and paragraphs as plain text separated by blank lines.
func PlainText(doc Document) any {
	var b strings.Builder
	for i, block := range doc.Blocks {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(block.Heading)
		b.WriteString("\n")
		b.WriteString(block.Text)
	}
	return b.String()
}
