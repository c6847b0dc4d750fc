package processors

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/username/aims/backend/src/logger"
	"github.com/username/aims/backend/src/models"
)

// rateLookback is how many earlier days are searched when a date has no
// observation (weekends, holidays).
const rateLookback = 7

// RateTable holds historical rates quoted as units of currency per 1 EUR.
type RateTable struct {
	rates map[string]map[string]decimal.Decimal
}

// LoadHistoricalRates loads rates from the specified file path.
// This should be called once from main.go after config is loaded.
func LoadHistoricalRates(filePath string) (*RateTable, error) {
	logger.L.Info("Loading historical exchange rates", "path", filePath)
	file, err := os.ReadFile(filePath)
	if err != nil {
		logger.L.Error("Error reading historical exchange rate file", "path", filePath, "error", err)
		return nil, fmt.Errorf("error reading historical exchange rate file '%s': %w", filePath, err)
	}

	var historicalRates models.ExchangeRate
	if err := json.Unmarshal(file, &historicalRates); err != nil {
		logger.L.Error("Error unmarshalling historical exchange rates", "path", filePath, "error", err)
		return nil, fmt.Errorf("error unmarshalling historical exchange rates from '%s': %w", filePath, err)
	}

	table := NewRateTable()
	skipped := 0
	for _, obs := range historicalRates.Root.Obs {
		value, err := decimal.NewFromString(strings.TrimSpace(obs.ObsValue))
		if err != nil || !value.IsPositive() {
			skipped++
			continue
		}
		table.Add(obs.Ccy, obs.TimePeriod, value)
	}
	logger.L.Info("Historical exchange rates loaded successfully.", "path", filePath,
		"observationCount", len(historicalRates.Root.Obs), "skipped", skipped)
	return table, nil
}

func NewRateTable() *RateTable {
	return &RateTable{rates: make(map[string]map[string]decimal.Decimal)}
}

// Add records one observation. date is YYYY-MM-DD.
func (t *RateTable) Add(currency, date string, perEUR decimal.Decimal) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	byDate, ok := t.rates[currency]
	if !ok {
		byDate = make(map[string]decimal.Decimal)
		t.rates[currency] = byDate
	}
	byDate[date] = perEUR
}

// GetExchangeRate retrieves the rate per EUR for a currency on a date, using
// the closest earlier observation within the lookback window.
func (t *RateTable) GetExchangeRate(currency string, date time.Time) (decimal.Decimal, error) {
	currency = strings.ToUpper(currency)
	if currency == "EUR" {
		return decimal.NewFromInt(1), nil
	}
	byDate, ok := t.rates[currency]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("no exchange rates for %s", currency)
	}
	for i := 0; i <= rateLookback; i++ {
		if rate, ok := byDate[date.AddDate(0, 0, -i).Format("2006-01-02")]; ok {
			return rate, nil
		}
	}
	return decimal.Decimal{}, fmt.Errorf("exchange rate not found for %s on %s", currency, date.Format("2006-01-02"))
}

// ConvertToUSD converts an amount via the EUR cross rate.
func (t *RateTable) ConvertToUSD(amount decimal.Decimal, currency string, date time.Time) (decimal.Decimal, error) {
	if strings.EqualFold(currency, "USD") {
		return amount, nil
	}
	from, err := t.GetExchangeRate(currency, date)
	if err != nil {
		return decimal.Decimal{}, err
	}
	usd, err := t.GetExchangeRate("USD", date)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return amount.Div(from).Mul(usd).Round(2), nil
}
