package openaicompat

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/pminervini/open-deep-research/llm"
	"github.com/pminervini/open-deep-research/types"
)

var _ llm.VisionProvider = (*Provider)(nil)

// DescribeImage sends the image as a data URI together with prompt and
// returns the model's answer.
func (p *Provider) DescribeImage(ctx context.Context, image llm.ImageInput, prompt string) (string, error) {
	if len(image.Data) == 0 {
		return "", fmt.Errorf("describe image: empty image data")
	}
	mimeType := image.MIMEType
	if mimeType == "" {
		mimeType = http.DetectContentType(image.Data)
	}
	model := p.cfg.VisionModel
	if model == "" {
		model = p.cfg.DefaultModel
	}

	msg := types.NewUserMessage(prompt).WithImages([]types.ImageContent{{
		Type:     "base64",
		Data:     base64.StdEncoding.EncodeToString(image.Data),
		MIMEType: mimeType,
	}})

	resp, err := p.Completion(ctx, &llm.ChatRequest{
		Model:     model,
		Messages:  []types.Message{msg},
		MaxTokens: 1000,
	})
	if err != nil {
		return "", fmt.Errorf("describe image: %w", err)
	}
	return strings.TrimSpace(resp.FirstMessage().Content), nil
}
