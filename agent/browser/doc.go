// Package browser is a text-mode web browser for research agents.
//
// A Browser keeps one Session: the text of the loaded page split into
// fixed-size viewports, the current offset and a case-insensitive find
// cursor. HTML pages are rendered as markdown, other downloads go through
// the document dispatcher, and search: addresses show search result pages.
// Archived captures are looked up on the Wayback Machine.
//
// RegisterTools exposes the browser to an agent as visit_page, page_up,
// page_down, find_on_page_ctrl_f, find_next, find_archived_url and
// web_search.
package browser
