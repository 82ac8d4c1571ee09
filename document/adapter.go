package document

import (
	"context"

	"github.com/pminervini/open-deep-research/llm/tools"
)

// ToolConverter adapts a Dispatcher to the inspect_file_as_text tool.
type ToolConverter struct {
	Dispatcher *Dispatcher
}

var _ tools.DocumentConverter = ToolConverter{}

func (c ToolConverter) ConvertFile(ctx context.Context, path string) (tools.ConvertedText, error) {
	doc, err := c.Dispatcher.ConvertFile(ctx, path)
	if err != nil {
		return tools.ConvertedText{}, err
	}
	return tools.ConvertedText{Title: doc.Title, Text: doc.Text}, nil
}
