package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Plan maps a sellable tier to its Stripe price references.
type Plan struct {
	Tier           string `mapstructure:"tier"`
	Name           string `mapstructure:"name"`
	MonthlyPriceID string `mapstructure:"monthly_price_id"`
	AnnualPriceID  string `mapstructure:"annual_price_id"`
}

type PlanCatalog struct {
	Plans []Plan `mapstructure:"plans"`
}

var (
	ErrUnknownPlan      = errors.New("unknown_plan")
	ErrUnknownFrequency = errors.New("unknown_billing_frequency")
)

func DefaultPlanCatalog() PlanCatalog {
	return PlanCatalog{
		Plans: []Plan{
			{Tier: "starter", Name: "Starter"},
			{Tier: "pro", Name: "Pro"},
			{Tier: "business", Name: "Business"},
		},
	}
}

// Find returns the plan for tier.
func (c PlanCatalog) Find(tier string) (Plan, bool) {
	tier = strings.ToLower(strings.TrimSpace(tier))
	for _, plan := range c.Plans {
		if strings.EqualFold(plan.Tier, tier) {
			return plan, true
		}
	}
	return Plan{}, false
}

// PriceID resolves the Stripe price for a tier and billing frequency.
func (c PlanCatalog) PriceID(tier, frequency string) (string, error) {
	plan, ok := c.Find(tier)
	if !ok {
		return "", ErrUnknownPlan
	}
	switch strings.ToLower(strings.TrimSpace(frequency)) {
	case "monthly":
		return strings.TrimSpace(plan.MonthlyPriceID), nil
	case "annual":
		return strings.TrimSpace(plan.AnnualPriceID), nil
	default:
		return "", ErrUnknownFrequency
	}
}

type PlanCatalogHolder struct {
	current atomic.Value // holds PlanCatalog
}

// NewStaticPlanCatalog builds a holder that never reloads.
func NewStaticPlanCatalog(catalog PlanCatalog) *PlanCatalogHolder {
	holder := &PlanCatalogHolder{}
	holder.current.Store(catalog)
	return holder
}

func NewPlanCatalogHolder(cfg Config) (*PlanCatalogHolder, error) {
	v := viper.New()

	if path := strings.TrimSpace(cfg.PlansConfigPath); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("plans")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/minipass")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("MINIPASS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	fromFile := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fromFile = false
	}

	catalog := DefaultPlanCatalog()
	if fromFile {
		var loaded PlanCatalog
		if err := v.Unmarshal(&loaded); err != nil {
			return nil, err
		}
		catalog = loaded
	}
	if err := validatePlanCatalog(catalog); err != nil {
		return nil, err
	}

	holder := NewStaticPlanCatalog(catalog)
	if !fromFile {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated PlanCatalog
		if err := v.Unmarshal(&updated); err != nil {
			log.Printf("[plans-config] reload failed: %v", err)
			return
		}
		if err := validatePlanCatalog(updated); err != nil {
			log.Printf("[plans-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[plans-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *PlanCatalogHolder) Get() PlanCatalog {
	return h.current.Load().(PlanCatalog)
}

func validatePlanCatalog(catalog PlanCatalog) error {
	if len(catalog.Plans) == 0 {
		return errors.New("plans cannot be empty")
	}
	seen := make(map[string]struct{}, len(catalog.Plans))
	for _, plan := range catalog.Plans {
		tier := strings.ToLower(strings.TrimSpace(plan.Tier))
		if tier == "" {
			return errors.New("plan tier cannot be empty")
		}
		if _, dup := seen[tier]; dup {
			return fmt.Errorf("duplicate plan tier %q", tier)
		}
		seen[tier] = struct{}{}
	}
	return nil
}
