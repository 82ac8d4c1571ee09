package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pminervini/open-deep-research/llm/tools"
	"github.com/pminervini/open-deep-research/types"
	"go.uber.org/zap"
)

const separator = "\n=======================\n"

// ToolNames lists the tools RegisterTools adds, in registration order.
var ToolNames = []string{
	"web_search",
	"visit_page",
	"page_up",
	"page_down",
	"find_on_page_ctrl_f",
	"find_next",
	"find_archived_url",
}

type toolDef struct {
	name        string
	description string
	params      *types.JSONSchema
	fn          tools.ToolFunc
}

// RegisterTools adds the browsing tools backed by b to registry. The
// web_search tool renders result pages without moving the viewport, so only
// the session tools are registered as Sequential.
func RegisterTools(registry tools.ToolRegistry, b *Browser, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	searchCfg := tools.DefaultWebSearchToolConfig()
	searchCfg.Search = b.SearchPage
	searchCfg.Timeout = b.config.Timeout
	if err := tools.RegisterWebSearchTool(registry, searchCfg, logger); err != nil {
		return fmt.Errorf("register web_search: %w", err)
	}

	for _, def := range b.toolDefs() {
		meta := tools.ToolMetadata{
			Schema:  types.NewToolSchema(def.name, def.description, def.params, "string"),
			Timeout: b.config.Timeout,
			// every browsing tool reads or moves the shared session
			Sequential: true,
		}
		if err := registry.Register(def.name, def.fn, meta); err != nil {
			return fmt.Errorf("register %s: %w", def.name, err)
		}
	}
	logger.Debug("browser tools registered", zap.String("browser_id", b.id), zap.Strings("tools", ToolNames))
	return nil
}

func (b *Browser) toolDefs() []toolDef {
	return []toolDef{
		{
			name:        "visit_page",
			description: "Visit a webpage at a given URL and return its text. Given a url to a YouTube video, this returns the transcript.",
			params: types.NewObjectSchema().
				AddProperty("url", types.NewStringSchema().
					WithDescription("The relative or absolute url of the webpage to visit.")).
				AddRequired("url"),
			fn: b.visitTool,
		},
		{
			name:        "page_up",
			description: "Scroll the viewport UP one page-length in the current webpage and return the new viewport content.",
			params:      types.NewObjectSchema(),
			fn: func(context.Context, json.RawMessage) (json.RawMessage, error) {
				view, err := b.PageUp()
				if errors.Is(err, ErrAtTop) {
					return tools.StringResult("You are already at the top of the page.\n" + view), nil
				}
				return tools.StringResult(view), err
			},
		},
		{
			name:        "page_down",
			description: "Scroll the viewport DOWN one page-length in the current webpage and return the new viewport content.",
			params:      types.NewObjectSchema(),
			fn: func(context.Context, json.RawMessage) (json.RawMessage, error) {
				view, err := b.PageDown()
				if errors.Is(err, ErrAtBottom) {
					return tools.StringResult("You are already at the bottom of the page.\n" + view), nil
				}
				return tools.StringResult(view), err
			},
		},
		{
			name:        "find_on_page_ctrl_f",
			description: "Scroll the viewport to the first occurrence of the search string. This is equivalent to Ctrl+F.",
			params: types.NewObjectSchema().
				AddProperty("search_string", types.NewStringSchema().
					WithDescription("The string to search for on the page. Matching ignores case.")).
				AddRequired("search_string"),
			fn: b.findTool,
		},
		{
			name:        "find_next",
			description: "Scroll the viewport to next occurrence of the search string. This is equivalent to finding the next match in a Ctrl+F search.",
			params:      types.NewObjectSchema(),
			fn: func(context.Context, json.RawMessage) (json.RawMessage, error) {
				view, err := b.FindNext()
				var nf *NotFoundError
				if errors.As(err, &nf) {
					return tools.StringResult(b.State() + separator + "The search string was not found on this page."), nil
				}
				if err != nil {
					return nil, err
				}
				return tools.StringResult(view), nil
			},
		},
		{
			name:        "find_archived_url",
			description: "Given a url, searches the Wayback Machine and returns the archived version of the url that's closest in time to the desired date.",
			params: types.NewObjectSchema().
				AddProperty("url", types.NewStringSchema().
					WithDescription("The url you need the archive for.")).
				AddProperty("date", types.NewStringSchema().
					WithDescription("The date that you want to find the archive for. Give this date in the format 'YYYYMMDD', for instance '27 June 2008' is written as '20080627'.")).
				AddRequired("url", "date"),
			fn: b.archiveTool,
		},
	}
}

func (b *Browser) visitTool(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("invalid visit_page arguments: %w", err)
	}
	if strings.TrimSpace(in.URL) == "" {
		return nil, types.NewInvalidArgumentError("url", "url must not be empty")
	}
	view, err := b.Visit(ctx, in.URL, 0)
	if err != nil {
		return nil, err
	}
	return tools.StringResult(view), nil
}

func (b *Browser) findTool(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in struct {
		SearchString string `json:"search_string"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("invalid find_on_page_ctrl_f arguments: %w", err)
	}
	view, err := b.Find(in.SearchString)
	switch {
	case errors.Is(err, ErrEmptyQuery):
		return nil, types.NewInvalidArgumentError("search_string", err.Error())
	case err != nil:
		var nf *NotFoundError
		if errors.As(err, &nf) {
			return tools.StringResult(b.State() + separator +
				fmt.Sprintf("The search string '%s' was not found on this page.", in.SearchString)), nil
		}
		return nil, err
	}
	return tools.StringResult(view), nil
}

func (b *Browser) archiveTool(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in struct {
		URL  string `json:"url"`
		Date string `json:"date"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("invalid find_archived_url arguments: %w", err)
	}
	view, err := b.ArchiveSearch(ctx, in.URL, strings.TrimSpace(in.Date))
	if err != nil {
		return nil, err
	}
	return tools.StringResult(view), nil
}
