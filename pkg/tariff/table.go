package tariff

import (
	"fmt"
	"os"
	"time"

	"github.com/salihinsaealal/tnbcalc/pkg/types"
	"gopkg.in/yaml.v3"
)

// Component names accepted as overrides. The AFA scraper and the manual
// override endpoint both address rates by these names.
const (
	ComponentAFA            = "afa"
	ComponentCapacity       = "capacity"
	ComponentNetwork        = "network"
	ComponentRetailing      = "retailing"
	ComponentToUPeak        = "tou_peak"
	ComponentToUOffpeak     = "tou_offpeak"
	ComponentToUPeakHigh    = "tou_peak_high"
	ComponentToUOffpeakHigh = "tou_offpeak_high"
	ComponentNonToUTier1    = "non_tou_tier1"
	ComponentNonToUTier2    = "non_tou_tier2"
	ComponentNonToUTier3    = "non_tou_tier3"
)

// ICTTier is one step of the incentive (ICT) rate ladder. Rate applies to the
// whole import volume once it reaches Limit.
type ICTTier struct {
	Limit float64 `yaml:"limit"`
	Rate  float64 `yaml:"rate"`
}

// Table is the full domestic tariff schedule. All rates are RM/kWh except
// Retailing which is a flat RM charge. Generation rates are cumulative
// tiers: tier 1 covers energy up to Tier1KWH, tier 2 up to Tier2KWH, tier 3
// the remainder.
type Table struct {
	ToUPeak    [3]float64 `yaml:"touPeak"`
	ToUOffpeak [3]float64 `yaml:"touOffpeak"`
	NonToU     [3]float64 `yaml:"nonTou"`

	Tier1KWH float64 `yaml:"tier1KWH"`
	Tier2KWH float64 `yaml:"tier2KWH"`

	Capacity  float64 `yaml:"capacity"`
	Network   float64 `yaml:"network"`
	Retailing float64 `yaml:"retailing"`

	// AFA applies to the whole import volume once it reaches AFAMinKWH.
	AFA       float64 `yaml:"afa"`
	AFAMinKWH float64 `yaml:"afaMinKWH"`

	// RetailMinKWH is the volume above which the flat retailing charge and
	// service tax kick in.
	RetailMinKWH   float64 `yaml:"retailMinKWH"`
	ServiceTaxRate float64 `yaml:"serviceTaxRate"`
	KWTBBRate      float64 `yaml:"kwtbbRate"`
	KWTBBMinKWH    float64 `yaml:"kwtbbMinKWH"`

	// NEM export rebates always use the tier 1 generation rates regardless
	// of import volume.
	ICTToU    []ICTTier `yaml:"ictTou"`
	ICTNonToU []ICTTier `yaml:"ictNonTou"`
}

// Default returns the published domestic tariff schedule.
func Default() Table {
	return Table{
		ToUPeak:    [3]float64{0.2852, 0.2852, 0.3852},
		ToUOffpeak: [3]float64{0.2443, 0.2443, 0.3443},
		NonToU:     [3]float64{0.2703, 0.2703, 0.3703},

		Tier1KWH: 600,
		Tier2KWH: 1500,

		Capacity:  0.0455,
		Network:   0.1285,
		Retailing: 10,

		AFA:       0.0145,
		AFAMinKWH: 600,

		RetailMinKWH:   600,
		ServiceTaxRate: 0.08,
		KWTBBRate:      0.016,
		KWTBBMinKWH:    300,

		ICTToU: []ICTTier{
			{1, -0.25}, {201, -0.245}, {251, -0.225}, {301, -0.21},
			{351, -0.17}, {401, -0.145}, {451, -0.12}, {501, -0.105},
			{551, -0.09}, {601, -0.075}, {651, -0.055}, {701, -0.045},
			{751, -0.04}, {801, -0.025}, {851, -0.01}, {901, -0.005},
		},
		ICTNonToU: []ICTTier{
			{200, -0.25}, {250, -0.245}, {300, -0.225}, {350, -0.21},
			{400, -0.17}, {450, -0.145}, {500, -0.12}, {550, -0.105},
			{600, -0.09}, {650, -0.075}, {700, -0.055}, {750, -0.045},
			{800, -0.04}, {850, -0.025}, {900, -0.01}, {1000, -0.005},
		},
	}
}

// LoadFile reads a tariff schedule from a YAML file, starting from the
// defaults so a partial file only overrides what it names.
func LoadFile(path string) (Table, error) {
	t := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return t, fmt.Errorf("reading tariff file: %w", err)
	}
	if err := yaml.Unmarshal(b, &t); err != nil {
		return t, fmt.Errorf("parsing tariff file (%s): %w", path, err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("invalid tariff file (%s): %w", path, err)
	}
	return t, nil
}

// Validate checks the schedule for values that would produce nonsense bills.
func (t Table) Validate() error {
	if t.Tier1KWH <= 0 || t.Tier2KWH <= t.Tier1KWH {
		return fmt.Errorf("tier boundaries must satisfy 0 < tier1 (%v) < tier2 (%v)", t.Tier1KWH, t.Tier2KWH)
	}
	for i, r := range t.NonToU {
		if r <= 0 {
			return fmt.Errorf("nonTou tier %d rate must be positive, got %v", i+1, r)
		}
	}
	for i := range t.ToUPeak {
		if t.ToUPeak[i] <= 0 || t.ToUOffpeak[i] <= 0 {
			return fmt.Errorf("tou tier %d rates must be positive", i+1)
		}
		if t.ToUPeak[i] < t.ToUOffpeak[i] {
			return fmt.Errorf("tou tier %d peak rate (%v) below offpeak rate (%v)", i+1, t.ToUPeak[i], t.ToUOffpeak[i])
		}
	}
	if t.Capacity < 0 || t.Network < 0 || t.Retailing < 0 {
		return fmt.Errorf("fixed component rates cannot be negative")
	}
	if t.ServiceTaxRate < 0 || t.ServiceTaxRate > 1 || t.KWTBBRate < 0 || t.KWTBBRate > 1 {
		return fmt.Errorf("tax rates must be between 0 and 1")
	}
	return nil
}

// ICTRateToU returns the incentive rate for the given import volume under
// the ToU ladder. Each step applies once the volume reaches its limit.
func (t Table) ICTRateToU(importKWH float64) float64 {
	if len(t.ICTToU) == 0 {
		return 0
	}
	rate := t.ICTToU[0].Rate
	for _, tier := range t.ICTToU {
		if importKWH >= tier.Limit {
			rate = tier.Rate
		}
	}
	return rate
}

// ICTRateNonToU returns the incentive rate under the non-ToU ladder. Each
// step applies while the volume is at or below its limit; volumes past the
// last step get no incentive.
func (t Table) ICTRateNonToU(importKWH float64) float64 {
	for _, tier := range t.ICTNonToU {
		if importKWH <= tier.Limit {
			return tier.Rate
		}
	}
	return 0
}

// WithOverrides returns a copy of the table with stored overrides applied.
// Unknown component names are ignored so an old override set cannot break a
// newer table.
func (t Table) WithOverrides(o types.TariffOverrides) Table {
	set := func(name string, dst *float64) {
		if v, ok := o.Get(name); ok {
			*dst = v
		}
	}
	set(ComponentAFA, &t.AFA)
	set(ComponentCapacity, &t.Capacity)
	set(ComponentNetwork, &t.Network)
	set(ComponentRetailing, &t.Retailing)
	set(ComponentToUPeak, &t.ToUPeak[0])
	set(ComponentToUPeak, &t.ToUPeak[1])
	set(ComponentToUOffpeak, &t.ToUOffpeak[0])
	set(ComponentToUOffpeak, &t.ToUOffpeak[1])
	set(ComponentToUPeakHigh, &t.ToUPeak[2])
	set(ComponentToUOffpeakHigh, &t.ToUOffpeak[2])
	set(ComponentNonToUTier1, &t.NonToU[0])
	set(ComponentNonToUTier2, &t.NonToU[1])
	set(ComponentNonToUTier3, &t.NonToU[2])
	return t
}

// KnownComponent reports whether name is a component the table understands.
func KnownComponent(name string) bool {
	switch name {
	case ComponentAFA, ComponentCapacity, ComponentNetwork, ComponentRetailing,
		ComponentToUPeak, ComponentToUOffpeak, ComponentToUPeakHigh,
		ComponentToUOffpeakHigh, ComponentNonToUTier1, ComponentNonToUTier2,
		ComponentNonToUTier3:
		return true
	}
	return false
}

// ShouldFetch reports whether an auto fetch is due given the last successful
// fetch time. The scraper only updates monthly so we fetch at most weekly.
func ShouldFetch(lastFetch, now time.Time) bool {
	return lastFetch.IsZero() || now.Sub(lastFetch) >= 7*24*time.Hour
}
