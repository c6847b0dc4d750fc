package utils

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/username/aims/backend/src/logger"
)

type CountryInfo struct {
	Country string `json:"country"`
	Alpha2  string `json:"alpha2"`
	Alpha3  string `json:"alpha3"`
	Numeric string `json:"numeric"`
}

// registrationPrefix matches organisation identifiers like "GB-CHC-202918"
// whose registration agency prefix is a country code.
var registrationPrefix = regexp.MustCompile(`^([A-Z]{2})-`)

var (
	countryMap map[string]CountryInfo
	countryMu  sync.RWMutex
	loadOnce   sync.Once
	loadError  error
)

// InitCountryData loads country data from the given file path.
// This should be called once from main.go after config is loaded.
func InitCountryData(filePath string) error {
	logger.L.Info("Initializing country data", "path", filePath)
	loadOnce.Do(func() {
		fileData, err := os.ReadFile(filePath)
		if err != nil {
			loadError = fmt.Errorf("failed to read country data file '%s': %w", filePath, err)
			logger.L.Error("Failed to read country data file", "path", filePath, "error", err)
			return
		}

		var countries []CountryInfo
		if err := json.Unmarshal(fileData, &countries); err != nil {
			loadError = fmt.Errorf("failed to unmarshal country data from '%s': %w", filePath, err)
			logger.L.Error("Failed to unmarshal country data", "path", filePath, "error", err)
			return
		}
		SetCountryData(countries)
		logger.L.Info("Country data loaded successfully.", "path", filePath, "countryCount", len(countries))
	})
	return loadError
}

// SetCountryData replaces the loaded country list.
func SetCountryData(countries []CountryInfo) {
	m := make(map[string]CountryInfo, len(countries))
	for _, country := range countries {
		m[strings.ToUpper(strings.TrimSpace(country.Alpha2))] = country
	}
	countryMu.Lock()
	countryMap = m
	countryMu.Unlock()
}

// CountryDataLoaded reports whether a country list is available.
func CountryDataLoaded() bool {
	countryMu.RLock()
	defer countryMu.RUnlock()
	return len(countryMap) > 0
}

// IsKnownCountry reports whether code is an ISO 3166-1 alpha-2 code in the
// loaded list. Without a list every code is accepted.
func IsKnownCountry(code string) bool {
	countryMu.RLock()
	defer countryMu.RUnlock()
	if len(countryMap) == 0 {
		return true
	}
	_, found := countryMap[strings.ToUpper(strings.TrimSpace(code))]
	return found
}

// CountryFromOrgIdentifier derives the country from an organisation
// identifier's registration agency prefix. XM and XI are IATI pseudo-prefixes.
func CountryFromOrgIdentifier(identifier string) string {
	m := registrationPrefix.FindStringSubmatch(strings.TrimSpace(identifier))
	if m == nil || m[1] == "XM" || m[1] == "XI" {
		return ""
	}
	return m[1]
}
