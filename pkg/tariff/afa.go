package tariff

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/salihinsaealal/tnbcalc/pkg/log"
	"github.com/salihinsaealal/tnbcalc/pkg/types"
)

// AFAClient talks to the tariff scraper service that extracts the current
// adjustment rate and base tariff table from the published schedule.
type AFAClient struct {
	baseURL string
	client  *http.Client
}

// NewAFAClient returns a client for the scraper at baseURL.
func NewAFAClient(baseURL string, client *http.Client) *AFAClient {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &AFAClient{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// SimpleRate is the scraper's /afa/simple response. RateRaw keeps the sign
// as published, negative meaning a rebate.
type SimpleRate struct {
	Rate          float64 `json:"afa_rate"`
	RateRaw       float64 `json:"afa_rate_raw"`
	EffectiveDate string  `json:"effective_date"`
	LastScraped   string  `json:"last_scraped"`
}

// CompleteRates is the scraper's /complete response with the full extracted
// tariff table alongside the adjustment rate.
type CompleteRates struct {
	LastScraped string      `json:"last_scraped"`
	CurrentRate *SimpleRate `json:"current_rate"`
	Tariffs     struct {
		NonToU struct {
			Tier1        tierRates `json:"tier1"`
			Tier2        tierRates `json:"tier2"`
			ThresholdKWH float64   `json:"threshold_kwh"`
		} `json:"non_tou"`
		ToU struct {
			Tier1        tierRates `json:"tier1"`
			Tier2        tierRates `json:"tier2"`
			ThresholdKWH float64   `json:"threshold_kwh"`
		} `json:"tou"`
		Shared struct {
			Capacity  float64 `json:"capacity"`
			Network   float64 `json:"network"`
			Retailing float64 `json:"retailing"`
		} `json:"shared"`
	} `json:"tariffs"`
}

type tierRates struct {
	Generation        float64 `json:"generation"`
	GenerationPeak    float64 `json:"generation_peak"`
	GenerationOffpeak float64 `json:"generation_offpeak"`
}

// Apply stores the adjustment rate as an override. RateRaw carries the
// published sign so a rebate-period AFA lowers the bill.
func (r SimpleRate) Apply(o *types.TariffOverrides, now time.Time) {
	o.Set(ComponentAFA, r.RateRaw, types.TariffSourceAPI, now)
	if r.EffectiveDate != "" {
		o.EffectiveDate = r.EffectiveDate
	}
	o.LastFetch = now
	o.LastError = ""
}

// Apply stores every extracted rate as an override. Zero values are skipped
// so a partially parsed schedule never zeroes out a real rate.
func (c CompleteRates) Apply(o *types.TariffOverrides, now time.Time) {
	set := func(name string, v float64) {
		if v != 0 {
			o.Set(name, v, types.TariffSourceAPI, now)
		}
	}
	set(ComponentToUPeak, c.Tariffs.ToU.Tier1.GenerationPeak)
	set(ComponentToUOffpeak, c.Tariffs.ToU.Tier1.GenerationOffpeak)
	set(ComponentToUPeakHigh, c.Tariffs.ToU.Tier2.GenerationPeak)
	set(ComponentToUOffpeakHigh, c.Tariffs.ToU.Tier2.GenerationOffpeak)
	set(ComponentNonToUTier1, c.Tariffs.NonToU.Tier1.Generation)
	set(ComponentNonToUTier2, c.Tariffs.NonToU.Tier2.Generation)
	set(ComponentCapacity, c.Tariffs.Shared.Capacity)
	set(ComponentNetwork, c.Tariffs.Shared.Network)
	set(ComponentRetailing, c.Tariffs.Shared.Retailing)
	if c.CurrentRate != nil {
		c.CurrentRate.Apply(o, now)
		return
	}
	o.LastFetch = now
	o.LastError = ""
}

// FetchSimple retrieves the current adjustment rate.
func (c *AFAClient) FetchSimple(ctx context.Context) (SimpleRate, error) {
	var out SimpleRate
	if err := c.get(ctx, "/afa/simple", &out); err != nil {
		return SimpleRate{}, err
	}
	return out, nil
}

// FetchComplete retrieves the full extracted tariff table.
func (c *AFAClient) FetchComplete(ctx context.Context) (CompleteRates, error) {
	var out CompleteRates
	if err := c.get(ctx, "/complete", &out); err != nil {
		return CompleteRates{}, err
	}
	return out, nil
}

func (c *AFAClient) get(ctx context.Context, path string, out any) error {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("invalid scraper url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	log.Ctx(ctx).DebugContext(ctx, "fetching tariff rates", slog.String("url", u.String()))

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch tariff rates: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tariff scraper returned status: %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode scraper response: %w", err)
	}
	return nil
}
