package jira

// Section is one heading + paragraph pair of an issue description.
type Section struct {
	Heading string
	Text    string
}

// ADF renders sections as an Atlassian Document Format document, each section
// becoming a level-1 heading followed by a paragraph.
func ADF(sections []Section) map[string]any {
	content := make([]any, 0, len(sections)*2)
	for _, s := range sections {
		content = append(content,
			map[string]any{
				"type":    "heading",
				"attrs":   map[string]any{"level": 1},
				"content": []any{textNode(s.Heading)},
			},
			paragraph(s.Text),
		)
	}
	return map[string]any{"version": 1, "type": "doc", "content": content}
}

// TextDocument wraps plain text in a single-paragraph ADF document.
func TextDocument(text string) map[string]any {
	return map[string]any{"version": 1, "type": "doc", "content": []any{paragraph(text)}}
}

func paragraph(text string) map[string]any {
	node := map[string]any{"type": "paragraph"}
	// ADF rejects empty text nodes.
	if text != "" {
		node["content"] = []any{textNode(text)}
	} else {
		node["content"] = []any{}
	}
	return node
}

func textNode(text string) map[string]any {
	return map[string]any{"type": "text", "text": text}
}
