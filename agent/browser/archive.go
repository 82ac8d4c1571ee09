package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pminervini/open-deep-research/types"
	"go.uber.org/zap"
)

const archiveDateLayout = "20060102"

type waybackAvailability struct {
	ArchivedSnapshots struct {
		Closest *struct {
			Available bool   `json:"available"`
			URL       string `json:"url"`
			Timestamp string `json:"timestamp"`
			Status    string `json:"status"`
		} `json:"closest"`
	} `json:"archived_snapshots"`
}

// Snapshot is one archived capture.
type Snapshot struct {
	URL string
	// Date is the capture day as YYYYMMDD.
	Date string
}

// ArchiveSearch loads the Wayback Machine snapshot of address closest to, and
// not after, date (YYYYMMDD). It fails with an ARCHIVE_NOT_FOUND error when
// no such capture exists.
func (b *Browser) ArchiveSearch(ctx context.Context, address, date string) (string, error) {
	if _, err := time.Parse(archiveDateLayout, date); err != nil {
		return "", types.NewInvalidArgumentError("date", "date must be formatted as YYYYMMDD, e.g. '27 June 2008' is written as '20080627'")
	}
	address = strings.TrimSpace(address)
	if address == "" {
		return "", types.NewInvalidArgumentError("url", "url must not be empty")
	}

	snap, err := b.FindSnapshot(ctx, address, date)
	if err != nil {
		return "", err
	}
	b.logger.Info("archived snapshot found",
		zap.String("url", address), zap.String("date", date), zap.String("snapshot", snap.URL))

	view, err := b.Visit(ctx, snap.URL, 0)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Web archive for url %s, snapshot taken at date %s:\n", address, snap.Date) + view, nil
}

// FindSnapshot asks the availability API for the capture closest to date and
// falls back to the CDX index when that capture is newer than date.
func (b *Browser) FindSnapshot(ctx context.Context, address, date string) (*Snapshot, error) {
	base := strings.TrimRight(b.config.ArchiveBaseURL, "/")

	q := url.Values{"url": {address}, "timestamp": {date}}
	var avail waybackAvailability
	if err := b.getJSON(ctx, base+"/wayback/available?"+q.Encode(), &avail); err != nil {
		return nil, err
	}
	if c := avail.ArchivedSnapshots.Closest; c != nil && c.URL != "" && len(c.Timestamp) >= 8 && c.Timestamp[:8] <= date {
		return &Snapshot{URL: c.URL, Date: c.Timestamp[:8]}, nil
	}

	q = url.Values{
		"url":    {address},
		"to":     {date},
		"output": {"json"},
		"fl":     {"timestamp,original"},
		"filter": {"statuscode:200"},
		"limit":  {"-1"},
	}
	var rows [][]string
	if err := b.getJSON(ctx, base+"/cdx/search/cdx?"+q.Encode(), &rows); err != nil {
		return nil, err
	}
	// the first row is the field header
	if len(rows) < 2 {
		return nil, types.NewArchiveNotFoundError(address, date)
	}
	last := rows[len(rows)-1]
	if len(last) < 2 || len(last[0]) < 8 || last[0][:8] > date {
		return nil, types.NewArchiveNotFoundError(address, date)
	}
	return &Snapshot{
		URL:  fmt.Sprintf("%s/web/%s/%s", base, last[0], last[1]),
		Date: last[0][:8],
	}, nil
}

func (b *Browser) getJSON(ctx context.Context, endpoint string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return types.NewFetchError(endpoint, err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := b.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return types.NewFetchError(endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return types.NewFetchError(endpoint, fmt.Errorf("http status %d", resp.StatusCode))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return types.NewFetchError(endpoint, err)
	}
	// CDX answers an empty body when nothing matches
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return types.NewFetchError(endpoint, fmt.Errorf("decode archive response: %w", err))
	}
	return nil
}
