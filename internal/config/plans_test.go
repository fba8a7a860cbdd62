package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanCatalogPriceID(t *testing.T) {
	catalog := PlanCatalog{Plans: []Plan{
		{Tier: "pro", MonthlyPriceID: "price_pro_m", AnnualPriceID: "price_pro_y"},
	}}

	price, err := catalog.PriceID("PRO", "monthly")
	require.NoError(t, err)
	assert.Equal(t, "price_pro_m", price)

	price, err = catalog.PriceID("pro", "annual")
	require.NoError(t, err)
	assert.Equal(t, "price_pro_y", price)

	_, err = catalog.PriceID("enterprise", "monthly")
	assert.ErrorIs(t, err, ErrUnknownPlan)

	_, err = catalog.PriceID("pro", "weekly")
	assert.ErrorIs(t, err, ErrUnknownFrequency)
}

func TestNewPlanCatalogHolderReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plans.yml")
	content := `plans:
  - tier: starter
    name: Starter
    monthly_price_id: price_s_m
    annual_price_id: price_s_y
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	holder, err := NewPlanCatalogHolder(Config{PlansConfigPath: path})
	require.NoError(t, err)

	plan, ok := holder.Get().Find("starter")
	require.True(t, ok)
	assert.Equal(t, "price_s_y", plan.AnnualPriceID)
}

func TestValidatePlanCatalogRejectsDuplicates(t *testing.T) {
	err := validatePlanCatalog(PlanCatalog{Plans: []Plan{{Tier: "pro"}, {Tier: "PRO"}}})
	assert.Error(t, err)
	assert.Error(t, validatePlanCatalog(PlanCatalog{}))
}
