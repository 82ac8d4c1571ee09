package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"time"

	"github.com/pminervini/open-deep-research/llm"
	"github.com/pminervini/open-deep-research/llm/providers"
)

var _ llm.Transcriber = (*Provider)(nil)

type transcriptionResponse struct {
	Language string `json:"language"`
	Text     string `json:"text"`
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
}

// Transcribe uploads audio to the transcription endpoint and returns a
// time-coded transcript. Endpoints that return no segments yield a single
// segment spanning the whole text.
func (p *Provider) Transcribe(ctx context.Context, filename string, audio io.Reader) (*llm.Transcript, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filepath.Base(filename))
	if err != nil {
		return nil, fmt.Errorf("transcribe: %w", err)
	}
	if _, err := io.Copy(part, audio); err != nil {
		return nil, fmt.Errorf("transcribe: read audio: %w", err)
	}
	_ = w.WriteField("model", p.cfg.TranscriptionModel)
	_ = w.WriteField("response_format", "verbose_json")
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("transcribe: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(p.cfg.TranscriptionPath), &buf)
	if err != nil {
		return nil, fmt.Errorf("transcribe: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	p.setHeaders(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &llm.Error{
			Code: llm.ErrUpstreamError, Message: err.Error(),
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name(),
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, providers.MapHTTPError(resp.StatusCode, providers.ReadErrorMessage(resp.Body), p.Name())
	}

	var tr transcriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("transcribe: decode response: %w", err)
	}

	out := &llm.Transcript{Language: tr.Language}
	for _, s := range tr.Segments {
		out.Segments = append(out.Segments, llm.TranscriptSegment{
			Start: seconds(s.Start),
			End:   seconds(s.End),
			Text:  s.Text,
		})
	}
	if len(out.Segments) == 0 && tr.Text != "" {
		out.Segments = []llm.TranscriptSegment{{Text: tr.Text}}
	}
	return out, nil
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
