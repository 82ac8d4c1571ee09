package document

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/pminervini/open-deep-research/llm"
)

// IsYouTubeURL reports whether raw is a YouTube watch or short link.
func IsYouTubeURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	host = strings.TrimPrefix(host, "m.")
	switch host {
	case "youtube.com":
		return u.Path == "/watch" && u.Query().Get("v") != ""
	case "youtu.be":
		return len(strings.Trim(u.Path, "/")) > 0
	}
	return false
}

// YouTubeExtractor renders the video title, description and caption track.
type YouTubeExtractor struct {
	client *http.Client
}

func NewYouTubeExtractor(client *http.Client) *YouTubeExtractor {
	if client == nil {
		client = http.DefaultClient
	}
	return &YouTubeExtractor{client: client}
}

func (*YouTubeExtractor) Format() Format       { return FormatYouTube }
func (*YouTubeExtractor) Extensions() []string { return nil }
func (*YouTubeExtractor) MIMETypes() []string  { return nil }

type captionTrack struct {
	BaseURL      string `json:"baseUrl"`
	LanguageCode string `json:"languageCode"`
	Kind         string `json:"kind"`
}

type timedText struct {
	Texts []struct {
		Start string `xml:"start,attr"`
		Dur   string `xml:"dur,attr"`
		Body  string `xml:",chardata"`
	} `xml:"text"`
}

func (e *YouTubeExtractor) Convert(ctx context.Context, src *Source) (*Document, error) {
	page := src.Data
	if len(page) == 0 {
		var err error
		if page, err = e.get(ctx, src.URL); err != nil {
			return nil, err
		}
	}

	gq, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("youtube: %w", err)
	}
	title, _ := gq.Find("meta[property='og:title']").Attr("content")
	if title == "" {
		title = strings.TrimSpace(gq.Find("title").First().Text())
	}
	description, _ := gq.Find("meta[name='description']").Attr("content")

	var b strings.Builder
	b.WriteString("# YouTube\n\n## " + title + "\n")
	if description != "" {
		b.WriteString("\n### Description\n" + description + "\n")
	}

	doc := &Document{Title: title, Source: src.URL}
	if track, ok := pickCaptionTrack(page); ok {
		segments, err := e.fetchCaptions(ctx, track.BaseURL)
		if err == nil && len(segments) > 0 {
			b.WriteString("\n### Transcript\n")
			offset := len([]rune(b.String()))
			text, markers := renderTranscript(segments)
			for i := range markers {
				markers[i].Offset += offset
			}
			doc.Markers = markers
			b.WriteString(text)
		}
	}
	doc.Text = strings.TrimSpace(b.String())
	return doc, nil
}

func (e *YouTubeExtractor) get(ctx context.Context, address string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, address, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("youtube: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("youtube: GET %s: status %d", address, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 16<<20))
}

// pickCaptionTrack finds the captionTracks array embedded in the watch page
// and prefers a manual English track over auto-generated ones.
func pickCaptionTrack(page []byte) (captionTrack, bool) {
	idx := bytes.Index(page, []byte(`"captionTracks":`))
	if idx < 0 {
		return captionTrack{}, false
	}
	var tracks []captionTrack
	dec := json.NewDecoder(bytes.NewReader(page[idx+len(`"captionTracks":`):]))
	if err := dec.Decode(&tracks); err != nil || len(tracks) == 0 {
		return captionTrack{}, false
	}
	best := tracks[0]
	for _, t := range tracks {
		if strings.HasPrefix(t.LanguageCode, "en") {
			if t.Kind != "asr" {
				return t, true
			}
			best = t
		}
	}
	return best, best.BaseURL != ""
}

func (e *YouTubeExtractor) fetchCaptions(ctx context.Context, baseURL string) ([]llm.TranscriptSegment, error) {
	data, err := e.get(ctx, baseURL)
	if err != nil {
		return nil, err
	}
	var tt timedText
	if err := xml.Unmarshal(data, &tt); err != nil {
		return nil, fmt.Errorf("youtube captions: %w", err)
	}
	segments := make([]llm.TranscriptSegment, 0, len(tt.Texts))
	for _, t := range tt.Texts {
		start, _ := strconv.ParseFloat(t.Start, 64)
		dur, _ := strconv.ParseFloat(t.Dur, 64)
		segments = append(segments, llm.TranscriptSegment{
			Start: time.Duration(start * float64(time.Second)),
			End:   time.Duration((start + dur) * float64(time.Second)),
			Text:  html.UnescapeString(strings.ReplaceAll(t.Body, "\n", " ")),
		})
	}
	return segments, nil
}
