package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/pminervini/open-deep-research/llm"
	"github.com/pminervini/open-deep-research/types"
	"go.uber.org/zap"
)

// DefaultTextLimit is the character budget for inspected documents.
const DefaultTextLimit = 100000

// ConvertedText is what a DocumentConverter yields for one file.
type ConvertedText struct {
	Title string
	Text  string
}

// DocumentConverter turns a local file into text.
type DocumentConverter interface {
	ConvertFile(ctx context.Context, path string) (ConvertedText, error)
}

// TextInspectorConfig configures inspect_file_as_text.
type TextInspectorConfig struct {
	Converter DocumentConverter
	// Model answers questions about the document. Without it the tool only
	// returns the converted text.
	Model     llm.Provider
	ModelName string
	TextLimit int
	MaxTokens int
	Timeout   time.Duration
}

type textInspectorArgs struct {
	FilePath string  `json:"file_path"`
	Question *string `json:"question,omitempty"`
}

var imageExtensions = map[string]bool{".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true}

// NewTextInspectorTool creates inspect_file_as_text.
func NewTextInspectorTool(cfg TextInspectorConfig, logger *zap.Logger) (ToolFunc, ToolMetadata) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("tool", "inspect_file_as_text"))
	if cfg.TextLimit <= 0 {
		cfg.TextLimit = DefaultTextLimit
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Minute
	}

	fn := func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		var in textInspectorArgs
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, fmt.Errorf("invalid inspect_file_as_text arguments: %w", err)
		}
		if imageExtensions[strings.ToLower(filepath.Ext(in.FilePath))] {
			return nil, types.NewInvalidArgumentError("file_path",
				"cannot use inspect_file_as_text on an image, use the visualizer tool instead")
		}
		if cfg.Converter == nil {
			return nil, fmt.Errorf("document converter not configured")
		}

		doc, err := cfg.Converter.ConvertFile(ctx, in.FilePath)
		if err != nil {
			return nil, err
		}
		text, _ := TruncateText(doc.Text, cfg.TextLimit)

		question := ""
		if in.Question != nil {
			question = strings.TrimSpace(*in.Question)
		}
		if question == "" || cfg.Model == nil {
			header := ""
			if doc.Title != "" {
				header = "# " + doc.Title + "\n"
			}
			return StringResult("Document content:\n" + header + text), nil
		}

		logger.Debug("asking model about document", zap.String("file", in.FilePath), zap.Int("chars", len(text)))
		resp, err := cfg.Model.Completion(ctx, &llm.ChatRequest{
			Model:     cfg.ModelName,
			MaxTokens: cfg.MaxTokens,
			Messages: []types.Message{
				types.NewSystemMessage("Here is a file:\n### " + doc.Title + "\n\n" + text),
				types.NewUserMessage("Now please write a short caption for this file. Then answer this question: " +
					question + "\nStructure your answer in two parts: '1. Short answer' and '2. Detailed answer'."),
			},
		})
		if err != nil {
			return nil, fmt.Errorf("inspect %s: %w", in.FilePath, err)
		}
		return StringResult(resp.FirstMessage().Content), nil
	}

	params := types.NewObjectSchema().
		AddProperty("file_path", types.NewStringSchema().
			WithDescription("The path to the file you want to read as text. Must be a '.something' file, like '.pdf'. If it is an image, use the visualizer tool instead! DO NOT use this tool for an HTML webpage: use the web_search tool instead!")).
		AddProperty("question", types.NewStringSchema().AsNullable().
			WithDescription("[Optional]: Your question, as a natural language sentence. Provide as much context as possible. Do not pass this parameter if you just want to directly return the content of the file.")).
		AddRequired("file_path")

	return fn, ToolMetadata{
		Schema: types.NewToolSchema("inspect_file_as_text",
			"You cannot load files yourself: instead call this tool to read a file as markdown text and ask questions about it. This tool handles the following file extensions: [\".html\", \".htm\", \".xlsx\", \".pptx\", \".wav\", \".mp3\", \".m4a\", \".flac\", \".pdf\", \".docx\"], and all other types of text files. IT DOES NOT HANDLE IMAGES.",
			params, "string"),
		Timeout: cfg.Timeout,
	}
}
