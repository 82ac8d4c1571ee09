package document

import (
	"bufio"
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pminervini/open-deep-research/llm"
)

var (
	cueTimingRe = regexp.MustCompile(`^\s*((?:\d+:)?\d{1,2}:\d{2}[.,]\d{1,3})\s*-->\s*((?:\d+:)?\d{1,2}:\d{2}[.,]\d{1,3})`)
	cueTagRe    = regexp.MustCompile(`<[^>]+>`)
)

// SubtitlesExtractor turns WebVTT and SRT cues into a time-coded transcript.
type SubtitlesExtractor struct{}

func NewSubtitlesExtractor() *SubtitlesExtractor { return &SubtitlesExtractor{} }

func (*SubtitlesExtractor) Format() Format       { return FormatSubtitles }
func (*SubtitlesExtractor) Extensions() []string { return []string{".vtt", ".srt"} }
func (*SubtitlesExtractor) MIMETypes() []string  { return []string{"text/vtt", "application/x-subrip"} }

func (*SubtitlesExtractor) Convert(_ context.Context, src *Source) (*Document, error) {
	segments, err := ParseCues(decodeText(src.Data, src.MIMEType))
	if err != nil {
		return nil, err
	}
	doc := &Document{Title: titleFromPath(src)}
	doc.Text, doc.Markers = renderTranscript(segments)
	return doc, nil
}

// ParseCues parses WebVTT or SRT content. Repeated consecutive cue text, as
// produced by rolling auto-captions, is collapsed.
func ParseCues(content string) ([]llm.TranscriptSegment, error) {
	var (
		segments []llm.TranscriptSegment
		current  *llm.TranscriptSegment
		lines    []string
	)
	flush := func() {
		if current == nil {
			return
		}
		text := strings.TrimSpace(cueTagRe.ReplaceAllString(strings.Join(lines, " "), ""))
		if text != "" && (len(segments) == 0 || segments[len(segments)-1].Text != text) {
			current.Text = text
			segments = append(segments, *current)
		}
		current, lines = nil, nil
	}

	sc := bufio.NewScanner(strings.NewReader(content))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if m := cueTimingRe.FindStringSubmatch(line); m != nil {
			flush()
			start, err := parseCueTime(m[1])
			if err != nil {
				return nil, err
			}
			end, err := parseCueTime(m[2])
			if err != nil {
				return nil, err
			}
			current = &llm.TranscriptSegment{Start: start, End: end}
			continue
		}
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		if current != nil {
			lines = append(lines, strings.TrimSpace(line))
		}
	}
	flush()
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("subtitles: %w", err)
	}
	return segments, nil
}

// parseCueTime accepts hh:mm:ss.mmm, mm:ss.mmm and the SRT comma form.
func parseCueTime(s string) (time.Duration, error) {
	s = strings.ReplaceAll(s, ",", ".")
	parts := strings.Split(s, ":")
	var h, m int
	var sec float64
	var err error
	switch len(parts) {
	case 3:
		if h, err = strconv.Atoi(parts[0]); err != nil {
			return 0, fmt.Errorf("subtitles: bad timestamp %q", s)
		}
		parts = parts[1:]
		fallthrough
	case 2:
		if m, err = strconv.Atoi(parts[0]); err != nil {
			return 0, fmt.Errorf("subtitles: bad timestamp %q", s)
		}
		if sec, err = strconv.ParseFloat(parts[1], 64); err != nil {
			return 0, fmt.Errorf("subtitles: bad timestamp %q", s)
		}
	default:
		return 0, fmt.Errorf("subtitles: bad timestamp %q", s)
	}
	total := time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec*float64(time.Second))
	return total.Round(time.Millisecond), nil
}

// formatTimecode renders d as mm:ss, or h:mm:ss past the hour.
func formatTimecode(d time.Duration) string {
	total := int(d / time.Second)
	h, m, s := total/3600, (total%3600)/60, total%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
