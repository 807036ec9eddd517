package plenticore

import (
	"fmt"
	"strings"
	"time"
)

// MeData describes the authorization state of the current session as
// reported by auth/me. No login is required to request it.
type MeData struct {
	IsLocked        bool     `json:"locked"`
	IsActive        bool     `json:"active"`
	IsAuthenticated bool     `json:"authenticated"`
	IsAnonymous     bool     `json:"anonymous"`
	Permissions     []string `json:"permissions"`
	Role            string   `json:"role"`
}

// VersionData describes the device API as reported by info/version.
type VersionData struct {
	APIVersion string `json:"api_version"`
	Hostname   string `json:"hostname"`
	Name       string `json:"name"`
	SWVersion  string `json:"sw_version"`
}

// Module is one device-defined namespace providing process data or
// settings. The set of modules is discovered at runtime, never
// compiled in.
type Module struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// ProcessData is a single telemetry value read from the device.
type ProcessData struct {
	ID    string  `json:"id"`
	Unit  string  `json:"unit"`
	Value float64 `json:"value"`
}

// ProcessDataCollection is the ordered set of process data values
// returned for one module.
type ProcessDataCollection []ProcessData

// ByID returns the value with the given id.
func (c ProcessDataCollection) ByID(id string) (ProcessData, bool) {
	for _, pd := range c {
		if pd.ID == id {
			return pd, true
		}
	}
	return ProcessData{}, false
}

// IDs returns the ids in response order.
func (c ProcessDataCollection) IDs() []string {
	ids := make([]string, len(c))
	for i, pd := range c {
		ids[i] = pd.ID
	}
	return ids
}

// SettingData describes one configurable parameter of a module,
// including the constraints the client checks before writing.
type SettingData struct {
	ID      string  `json:"id"`
	Type    string  `json:"type"`
	Unit    *string `json:"unit"`
	Default *string `json:"default"`
	Min     *string `json:"min"`
	Max     *string `json:"max"`
	Access  string  `json:"access"`
}

// Writable reports whether the device allows writing this setting.
func (s SettingData) Writable() bool {
	return !strings.EqualFold(s.Access, "readonly")
}

// EventData is one localized entry of the device event list. The
// device renders timestamps without a zone designator.
type EventData struct {
	StartTime       EventTime `json:"start_time"`
	EndTime         EventTime `json:"end_time"`
	Code            int       `json:"code"`
	LongDescription string    `json:"long_description"`
	Category        string    `json:"category"`
	Description     string    `json:"description"`
	Group           string    `json:"group"`
	IsActive        bool      `json:"is_active"`
}

// EventTime parses the device's zone-less timestamp format.
type EventTime time.Time

const eventTimeLayout = "2006-01-02T15:04:05"

func (t *EventTime) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := time.Parse(eventTimeLayout, s)
	if err != nil {
		return fmt.Errorf("parsing event time %q: %w", s, err)
	}
	*t = EventTime(parsed)
	return nil
}

func (t EventTime) Time() time.Time {
	return time.Time(t)
}

// Wire shapes of the REST endpoints.

type processDataModule struct {
	ModuleID       string   `json:"moduleid"`
	ProcessDataIDs []string `json:"processdataids"`
}

type processDataValues struct {
	ModuleID    string                `json:"moduleid"`
	ProcessData ProcessDataCollection `json:"processdata"`
}

type settingsModule struct {
	ModuleID string        `json:"moduleid"`
	Settings []SettingData `json:"settings"`
}

type settingValue struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

type settingValuesModule struct {
	ModuleID string         `json:"moduleid"`
	Settings []settingValue `json:"settings"`
}

type settingIDsModule struct {
	ModuleID   string   `json:"moduleid"`
	SettingIDs []string `json:"settingids"`
}
