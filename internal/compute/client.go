package compute

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gt-insights/enrollment-api/pkg/config"
	apperrors "github.com/gt-insights/enrollment-api/pkg/errors"
)

// TermData is one term's course feed, with the period cache already
// resolved to (start, end) clock strings.
type TermData struct {
	Term      string
	UpdatedAt string
	Courses   map[string]Course
	Periods   []Period
}

// Period is a resolved meeting window. Both fields are empty for TBA slots.
type Period struct {
	Start string
	End   string
}

// Course is decoded from the upstream positional array [title, sections].
type Course struct {
	Title    string
	Sections map[string]Section
}

// UnmarshalJSON decodes the positional course tuple.
func (c *Course) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode course tuple: %w", err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw[0], &c.Title); err != nil {
			return fmt.Errorf("decode course title: %w", err)
		}
	}
	if len(raw) > 1 {
		if err := json.Unmarshal(raw[1], &c.Sections); err != nil {
			return fmt.Errorf("decode course sections: %w", err)
		}
	}
	return nil
}

// Section is decoded from the positional array [crn, meetings, ...].
type Section struct {
	CRN      string
	Meetings []Meeting
}

// UnmarshalJSON decodes the positional section tuple.
func (s *Section) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode section tuple: %w", err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw[0], &s.CRN); err != nil {
			return fmt.Errorf("decode section crn: %w", err)
		}
	}
	if len(raw) > 1 {
		if err := json.Unmarshal(raw[1], &s.Meetings); err != nil {
			return fmt.Errorf("decode section meetings: %w", err)
		}
	}
	return nil
}

// Meeting is decoded from the positional array
// [periodIndex, days, location, _, instructors, ...]. A non-numeric period
// index (TBA) decodes as -1.
type Meeting struct {
	PeriodIndex int
	Days        string
	Location    string
	Instructors []string
}

// UnmarshalJSON decodes the positional meeting tuple, tolerating short or
// irregular entries.
func (m *Meeting) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode meeting tuple: %w", err)
	}
	m.PeriodIndex = -1
	if len(raw) > 0 {
		var idx int
		if err := json.Unmarshal(raw[0], &idx); err == nil {
			m.PeriodIndex = idx
		}
	}
	if len(raw) > 1 {
		_ = json.Unmarshal(raw[1], &m.Days)
	}
	if len(raw) > 2 {
		_ = json.Unmarshal(raw[2], &m.Location)
	}
	if len(raw) > 4 {
		_ = json.Unmarshal(raw[4], &m.Instructors)
	}
	return nil
}

// SeatCounts carries per-section enrollment numbers scraped from the seat
// feed. Nil fields mean the feed had no value.
type SeatCounts struct {
	EnrollmentActual         *int
	EnrollmentMaximum        *int
	EnrollmentSeatsAvailable *int
	WaitlistCapacity         *int
	WaitlistActual           *int
	WaitlistSeatsAvailable   *int
}

var seatFieldPattern = regexp.MustCompile(`(Enrollment Actual|Enrollment Maximum|Enrollment Seats Available|Waitlist Capacity|Waitlist Actual|Waitlist Seats Available):</span> <span\s+dir="ltr">(\d+)</span>`)

func upstreamError(err error) *apperrors.Error {
	return apperrors.Wrap(err, apperrors.ErrUnavailable.Code, apperrors.ErrUnavailable.Status, apperrors.ErrUnavailable.Message)
}

// SchedulerClient fetches term and seat data from the public scheduler
// feeds. Transient failures retry with exponential backoff.
type SchedulerClient struct {
	baseURL    string
	seatURL    string
	maxRetries int
	retryDelay time.Duration
	httpClient *http.Client
	logger     *zap.Logger
}

// NewSchedulerClient constructs a client from the upstream config.
func NewSchedulerClient(cfg config.UpstreamConfig, logger *zap.Logger) *SchedulerClient {
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	return &SchedulerClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		seatURL:    strings.TrimRight(cfg.SeatURL, "?"),
		maxRetries: cfg.MaxRetries,
		retryDelay: retryDelay,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

type termIndex struct {
	Terms []struct {
		Term string `json:"term"`
	} `json:"terms"`
}

type rawTermData struct {
	Courses   map[string]Course `json:"courses"`
	UpdatedAt string            `json:"updatedAt"`
	Caches    struct {
		Periods []string `json:"periods"`
	} `json:"caches"`
}

// FetchTerms returns the n most recent term codes, newest first. Summer
// terms (codes ending in "05") are excluded when skipSummer is set; they do
// not count against n either way.
func (c *SchedulerClient) FetchTerms(ctx context.Context, n int, skipSummer bool) ([]string, error) {
	body, err := c.getWithRetry(ctx, c.baseURL+"/index.json")
	if err != nil {
		return nil, upstreamError(err)
	}

	var index termIndex
	if err := json.Unmarshal(body, &index); err != nil {
		return nil, upstreamError(fmt.Errorf("decode term index: %w", err))
	}

	codes := make([]string, 0, len(index.Terms))
	for _, t := range index.Terms {
		codes = append(codes, t.Term)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(codes)))

	selected := make([]string, 0, n)
	for _, code := range codes {
		if len(selected) >= n {
			break
		}
		if skipSummer && IsSummerTerm(code) {
			continue
		}
		selected = append(selected, code)
	}
	if len(selected) == 0 {
		return nil, upstreamError(fmt.Errorf("no terms available"))
	}
	if len(selected) < n {
		c.logger.Warn("fewer terms available than requested",
			zap.Int("requested", n), zap.Int("selected", len(selected)))
	}
	return selected, nil
}

// FetchTermData downloads and decodes one term's course feed.
func (c *SchedulerClient) FetchTermData(ctx context.Context, term string) (*TermData, error) {
	body, err := c.getWithRetry(ctx, c.baseURL+"/"+term+".json")
	if err != nil {
		return nil, upstreamError(err)
	}

	var raw rawTermData
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, upstreamError(fmt.Errorf("decode term %s: %w", term, err))
	}

	periods := make([]Period, len(raw.Caches.Periods))
	for i, p := range raw.Caches.Periods {
		periods[i] = parsePeriod(p)
	}

	return &TermData{
		Term:      term,
		UpdatedAt: raw.UpdatedAt,
		Courses:   raw.Courses,
		Periods:   periods,
	}, nil
}

// FetchSeatCounts scrapes per-section enrollment counts for the given CRNs.
// Sections whose seat page cannot be fetched get zero-value counts rather
// than failing the run.
func (c *SchedulerClient) FetchSeatCounts(ctx context.Context, term string, crns []string) map[string]SeatCounts {
	out := make(map[string]SeatCounts, len(crns))
	if c.seatURL == "" {
		return out
	}
	for _, crn := range crns {
		url := fmt.Sprintf("%s?term=%s&crn=%s", c.seatURL, term, crn)
		body, err := c.getWithRetry(ctx, url)
		if err != nil {
			c.logger.Warn("seat fetch failed", zap.String("crn", crn), zap.Error(err))
			out[crn] = SeatCounts{}
			continue
		}
		out[crn] = parseSeatCounts(string(body))
	}
	return out
}

func (c *SchedulerClient) getWithRetry(ctx context.Context, url string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			// exponential backoff: delay, 2*delay, 4*delay, ...
			wait := c.retryDelay << (attempt - 1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		body, err := c.get(ctx, url)
		if err == nil {
			return body, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		c.logger.Warn("upstream fetch failed",
			zap.String("url", url), zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return nil, lastErr
}

func (c *SchedulerClient) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func parseSeatCounts(body string) SeatCounts {
	var counts SeatCounts
	for _, match := range seatFieldPattern.FindAllStringSubmatch(body, -1) {
		n, err := strconv.Atoi(match[2])
		if err != nil {
			continue
		}
		v := n
		switch match[1] {
		case "Enrollment Actual":
			counts.EnrollmentActual = &v
		case "Enrollment Maximum":
			counts.EnrollmentMaximum = &v
		case "Enrollment Seats Available":
			counts.EnrollmentSeatsAvailable = &v
		case "Waitlist Capacity":
			counts.WaitlistCapacity = &v
		case "Waitlist Actual":
			counts.WaitlistActual = &v
		case "Waitlist Seats Available":
			counts.WaitlistSeatsAvailable = &v
		}
	}
	return counts
}

// parsePeriod converts "0800 - 0915" into Period{"08:00", "09:15"}. TBA and
// malformed entries yield an empty period.
func parsePeriod(raw string) Period {
	if raw == "TBA" {
		return Period{}
	}
	parts := strings.Split(raw, " - ")
	if len(parts) != 2 || len(parts[0]) < 4 || len(parts[1]) < 4 {
		return Period{}
	}
	return Period{
		Start: parts[0][:2] + ":" + parts[0][2:],
		End:   parts[1][:2] + ":" + parts[1][2:],
	}
}

// IsSummerTerm reports whether a YYYYMM term code falls in the summer
// session (May through July).
func IsSummerTerm(code string) bool {
	if len(code) != 6 {
		return false
	}
	month, err := strconv.Atoi(code[4:])
	if err != nil {
		return false
	}
	return month >= 5 && month < 8
}

// TermLabel renders a YYYYMM term code as a readable label, e.g. "202502"
// becomes "Spring 2025". Unparseable codes pass through unchanged.
func TermLabel(code string) string {
	if len(code) != 6 {
		return code
	}
	month, err := strconv.Atoi(code[4:])
	if err != nil {
		return code
	}
	year := code[:4]
	switch {
	case month < 5:
		return "Spring " + year
	case month < 8:
		return "Summer " + year
	default:
		return "Fall " + year
	}
}
