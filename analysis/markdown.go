package analysis

import (
	"errors"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/text"
)

// SummaryInstruction asks for a markdown digest inside a ```md fence.
const SummaryInstruction = `Summarize the following newsletter in markdown.
Use a level-1 heading with the newsletter name, then one level-2 heading per subject
with a short paragraph and the relevant links. Write in the original language.
Return only one code block starting with ` + "```md" + ` and ending with ` + "```" + `.`

const fenceOpen = "```md"

var (
	ErrNoMarkdown    = errors.New("no markdown code block found")
	ErrUnclosedBlock = errors.New("markdown code block is not closed")
	ErrEmptyMarkdown = errors.New("empty markdown content")
)

// ExtractMarkdown returns the trimmed content of the first ```md block.
func ExtractMarkdown(content string) (string, error) {
	start := strings.Index(content, fenceOpen)
	if start < 0 {
		return "", ErrNoMarkdown
	}
	rest := content[start+len(fenceOpen):]
	end := strings.Index(rest, "```")
	if end < 0 {
		return "", ErrUnclosedBlock
	}
	md := strings.TrimSpace(rest[:end])
	if md == "" {
		return "", ErrEmptyMarkdown
	}
	if !hasBlocks(md) {
		return "", fmt.Errorf("%w: no markdown blocks", ErrEmptyMarkdown)
	}
	return md, nil
}

func hasBlocks(md string) bool {
	doc := goldmark.DefaultParser().Parse(text.NewReader([]byte(md)))
	return doc.HasChildren()
}
