package browser

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"
)

// DefaultViewportSize is the number of characters one page shows.
const DefaultViewportSize = 5 * 1024

var (
	// ErrAtTop is returned by PageUp on the first page.
	ErrAtTop = errors.New("already at the top of the page")
	// ErrAtBottom is returned by PageDown on the last page.
	ErrAtBottom = errors.New("already at the bottom of the page")
	// ErrNoFind is returned by FindNext before any Find.
	ErrNoFind = errors.New("no previous search: use find_on_page_ctrl_f first")
	// ErrEmptyQuery is returned by Find for a blank query.
	ErrEmptyQuery = errors.New("search string must not be empty")
)

// NotFoundError reports a find query with no occurrence on the page.
type NotFoundError struct {
	Query string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("the search string '%s' was not found on this page", e.Query)
}

// HistoryEntry is one page load.
type HistoryEntry struct {
	Address   string    `json:"address"`
	VisitedAt time.Time `json:"visited_at"`
}

// Session is the viewport state of one browser: the loaded page as runes, the
// offset of the visible page and the find cursor. Offsets are always
// multiples of the viewport size and stay below the content length, or at 0
// for an empty page.
type Session struct {
	mu       sync.Mutex
	viewport int
	address  string
	title    string
	content  []rune
	lowered  []rune
	offset   int

	findQuery []rune
	findHit   int
	hasFind   bool

	history []HistoryEntry
	now     func() time.Time
}

// NewSession creates an empty session showing about:blank.
func NewSession(viewportSize int) *Session {
	if viewportSize <= 0 {
		viewportSize = DefaultViewportSize
	}
	return &Session{viewport: viewportSize, address: "about:blank", now: time.Now}
}

// SetPage replaces the loaded page, resets the viewport and the find cursor,
// and records the visit.
func (s *Session) SetPage(address, title, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.address = address
	s.title = title
	s.content = []rune(content)
	s.lowered = foldRunes(s.content)
	s.offset = 0
	s.findQuery, s.findHit, s.hasFind = nil, 0, false
	s.history = append(s.history, HistoryEntry{Address: address, VisitedAt: s.now()})
}

// Address returns the current address.
func (s *Session) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.address
}

// Offset returns the viewport start in runes.
func (s *Session) Offset() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset
}

// Len returns the page length in runes.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.content)
}

// ViewportSize returns the fixed page size in runes.
func (s *Session) ViewportSize() int { return s.viewport }

// History returns a copy of the visited addresses, oldest first.
func (s *Session) History() []HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]HistoryEntry(nil), s.history...)
}

// Pages returns the current page number (1-based) and the page count.
func (s *Session) Pages() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pagesLocked()
}

func (s *Session) pagesLocked() (int, int) {
	total := (len(s.content) + s.viewport - 1) / s.viewport
	if total == 0 {
		total = 1
	}
	return s.offset/s.viewport + 1, total
}

// Viewport returns the visible text.
func (s *Session) Viewport() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewportLocked()
}

func (s *Session) viewportLocked() string {
	end := min(s.offset+s.viewport, len(s.content))
	return string(s.content[s.offset:end])
}

// PageDown moves one viewport forward. On the last page it leaves the offset
// unchanged and returns ErrAtBottom.
func (s *Session) PageDown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offset+s.viewport >= len(s.content) {
		return ErrAtBottom
	}
	s.offset += s.viewport
	return nil
}

// PageUp moves one viewport back. On the first page it returns ErrAtTop.
func (s *Session) PageUp() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offset == 0 {
		return ErrAtTop
	}
	s.offset = max(0, s.offset-s.viewport)
	return nil
}

// Find searches case-insensitively from the start of the current viewport,
// wrapping once to the top of the page. On a match the viewport moves to the
// page containing it. A miss forgets the previous search, so FindNext then
// returns ErrNoFind.
func (s *Session) Find(query string) error {
	if strings.TrimSpace(query) == "" {
		return ErrEmptyQuery
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	q := foldRunes([]rune(query))
	hit := s.searchLocked(q, s.offset)
	if hit < 0 {
		s.findQuery, s.hasFind = nil, false
		return &NotFoundError{Query: query}
	}
	s.findQuery, s.hasFind = q, true
	s.moveToLocked(hit)
	return nil
}

// FindNext repeats the last Find from just after the previous match,
// wrapping once to the top.
func (s *Session) FindNext() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasFind {
		return ErrNoFind
	}
	hit := s.searchLocked(s.findQuery, s.findHit+1)
	if hit < 0 {
		return &NotFoundError{Query: string(s.findQuery)}
	}
	s.moveToLocked(hit)
	return nil
}

func (s *Session) moveToLocked(hit int) {
	s.findHit = hit
	s.offset = (hit / s.viewport) * s.viewport
}

// searchLocked returns the first match at or after from, then wraps to the
// start once. It returns -1 when the query does not occur.
func (s *Session) searchLocked(q []rune, from int) int {
	if from >= len(s.lowered) {
		from = 0
	}
	if i := indexRunes(s.lowered, q, from); i >= 0 {
		return i
	}
	return indexRunes(s.lowered, q, 0)
}

// State renders the page header shown above every viewport.
func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Session) stateLocked() string {
	var b strings.Builder
	b.WriteString("Address: " + s.address + "\n")
	if s.title != "" {
		b.WriteString("Title: " + s.title + "\n")
	}
	for i := len(s.history) - 2; i >= 0; i-- {
		if s.history[i].Address == s.address {
			ago := s.now().Sub(s.history[i].VisitedAt).Round(time.Second)
			fmt.Fprintf(&b, "You previously visited this page %d seconds ago.\n", int(ago.Seconds()))
			break
		}
	}
	page, total := s.pagesLocked()
	fmt.Fprintf(&b, "Viewport position: Showing page %d of %d.", page, total)
	return b.String()
}

// Render returns the header and the visible text in the layout used by every
// browser tool.
func (s *Session) Render() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked() + separator + s.viewportLocked()
}

// foldRunes lowercases rune by rune so that offsets in the folded copy match
// offsets in the original.
func foldRunes(in []rune) []rune {
	out := make([]rune, len(in))
	for i, r := range in {
		out[i] = unicode.ToLower(r)
	}
	return out
}

func indexRunes(hay, needle []rune, from int) int {
	if len(needle) == 0 {
		return -1
	}
	last := len(hay) - len(needle)
outer:
	for i := max(from, 0); i <= last; i++ {
		for j, r := range needle {
			if hay[i+j] != r {
				continue outer
			}
		}
		return i
	}
	return -1
}
