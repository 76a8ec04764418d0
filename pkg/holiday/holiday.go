// Package holiday fetches the national public holiday calendar used to
// classify peak periods. Holidays are always off-peak.
package holiday

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/salihinsaealal/tnbcalc/pkg/log"
	"github.com/salihinsaealal/tnbcalc/pkg/types"
)

// DefaultAPIURL is the Calendarific holidays endpoint.
const DefaultAPIURL = "https://calendarific.com/api/v2/holidays"

// fetchInterval limits how often the upstream API is called regardless of
// the refresh tick cadence.
const fetchInterval = 24 * time.Hour

// retryInterval is how long a failed fetch suppresses further attempts, so
// a dead API is not hit on every refresh tick.
const retryInterval = time.Hour

// Client fetches national holidays from the Calendarific API.
type Client struct {
	apiURL    string
	apiKey    string
	country   string
	client    *http.Client
	nextRetry time.Time
}

// NewClient returns a Calendarific client. An empty apiKey disables fetching
// entirely, classification then treats every day as a non-holiday.
func NewClient(apiURL, apiKey, country string, client *http.Client) *Client {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{apiURL: apiURL, apiKey: apiKey, country: country, client: client}
}

// Enabled reports whether the client has an API key to fetch with.
func (c *Client) Enabled() bool {
	return c.apiKey != ""
}

type apiResponse struct {
	Response struct {
		Holidays []struct {
			Name string `json:"name"`
			Date struct {
				ISO string `json:"iso"`
			} `json:"date"`
		} `json:"holidays"`
	} `json:"response"`
}

// FetchYear returns the sorted ISO dates of the utility's observed holidays
// for one year. The published calendar differs from the national list in two
// ways: only the first day of Hari Raya Haji is observed, and New Year's Day
// is observed even though the API does not list it as national.
func (c *Client) FetchYear(ctx context.Context, year int) ([]string, error) {
	u, err := url.Parse(c.apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid holiday api url: %w", err)
	}
	params := url.Values{}
	params.Set("api_key", c.apiKey)
	params.Set("country", c.country)
	params.Set("year", fmt.Sprintf("%d", year))
	params.Set("type", "national")
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	log.Ctx(ctx).DebugContext(ctx, "fetching holidays", slog.Int("year", year), slog.String("country", c.country))

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch holidays: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("holiday api returned status: %d", resp.StatusCode)
	}

	var data apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode holiday response: %w", err)
	}

	seen := make(map[string]bool)
	var dates []string
	for _, h := range data.Response.Holidays {
		iso := h.Date.ISO
		if len(iso) > 10 {
			iso = iso[:10]
		}
		if iso == "" || seen[iso] {
			continue
		}
		name := strings.ToLower(h.Name)
		// only the first day of Hari Raya Haji is observed
		if strings.Contains(name, "haji") && strings.Contains(name, "day 2") {
			log.Ctx(ctx).DebugContext(ctx, "skipping second day of hari raya haji", slog.String("date", iso))
			continue
		}
		seen[iso] = true
		dates = append(dates, iso)
	}

	newYear := fmt.Sprintf("%d-01-01", year)
	if !seen[newYear] {
		dates = append(dates, newYear)
	}
	sort.Strings(dates)

	log.Ctx(ctx).InfoContext(ctx, "fetched holidays",
		slog.Int("year", year),
		slog.Int("count", len(dates)),
	)
	return dates, nil
}

// RefreshIfNeeded updates the cache for the year containing now. It fetches
// at most once per day and never clears existing entries on failure, so a
// dead API only means the cache goes stale, not empty. It returns whether
// the cache changed and should be persisted.
func (c *Client) RefreshIfNeeded(ctx context.Context, cache *types.HolidayCache, now time.Time) bool {
	if !c.Enabled() {
		return false
	}
	if !cache.LastFetch.IsZero() && now.Sub(cache.LastFetch) < fetchInterval {
		return false
	}
	if now.Before(c.nextRetry) {
		return false
	}

	dates, err := c.FetchYear(ctx, now.Year())
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "holiday fetch failed, keeping cached data",
			slog.Int("year", now.Year()),
			slog.Any("error", err),
		)
		c.nextRetry = now.Add(retryInterval)
		return false
	}
	c.nextRetry = time.Time{}
	cache.SetYear(now.Year(), dates)
	cache.LastFetch = now
	return true
}
