package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pminervini/open-deep-research/llm"
	"github.com/pminervini/open-deep-research/types"
)

const defaultVisualizerPrompt = "Write a detailed caption for this image."

type visualizerArgs struct {
	ImagePath string  `json:"image_path"`
	Question  *string `json:"question,omitempty"`
}

// NewVisualizerTool creates the visualizer tool over a vision capability.
func NewVisualizerTool(vision llm.VisionProvider, timeout time.Duration) (ToolFunc, ToolMetadata) {
	if timeout == 0 {
		timeout = 2 * time.Minute
	}

	fn := func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		var in visualizerArgs
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, fmt.Errorf("invalid visualizer arguments: %w", err)
		}
		if vision == nil {
			return nil, fmt.Errorf("vision capability not configured")
		}
		if in.ImagePath == "" {
			return nil, types.NewInvalidArgumentError("image_path", "please provide an image path")
		}

		data, err := os.ReadFile(in.ImagePath)
		if err != nil {
			return nil, fmt.Errorf("read image: %w", err)
		}
		mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(in.ImagePath)))
		if mimeType == "" {
			mimeType = "image/png"
		}

		prompt := defaultVisualizerPrompt
		addCaption := true
		if in.Question != nil && strings.TrimSpace(*in.Question) != "" {
			prompt = *in.Question
			addCaption = false
		}

		out, err := vision.DescribeImage(ctx, llm.ImageInput{Data: data, MIMEType: mimeType}, prompt)
		if err != nil {
			return nil, fmt.Errorf("describe image: %w", err)
		}
		if addCaption {
			out = "You did not provide a particular question, so here is a detailed caption for the image: " + out
		}
		return StringResult(out), nil
	}

	params := types.NewObjectSchema().
		AddProperty("image_path", types.NewStringSchema().
			WithDescription("The path to the image on which to answer the question. This should be a local path to downloaded image.")).
		AddProperty("question", types.NewStringSchema().AsNullable().
			WithDescription("The question to answer.")).
		AddRequired("image_path")

	return fn, ToolMetadata{
		Schema: types.NewToolSchema("visualizer",
			"A tool that can answer questions about attached images.", params, "string"),
		Timeout: timeout,
	}
}
