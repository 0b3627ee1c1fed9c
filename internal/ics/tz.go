package ics

import (
	"strings"
	"time"
	_ "time/tzdata" // TZIDs must resolve on hosts without a zoneinfo tree

	appLog "calfeed/internal/log"
)

// windowsZones maps common Windows time zone names (as emitted by Exchange
// and Outlook) to IANA names.
var windowsZones = map[string]string{
	"AUS Eastern Standard Time":       "Australia/Sydney",
	"Alaskan Standard Time":           "America/Anchorage",
	"Arabian Standard Time":           "Asia/Dubai",
	"Atlantic Standard Time":          "America/Halifax",
	"Central America Standard Time":   "America/Guatemala",
	"Central Europe Standard Time":    "Europe/Budapest",
	"Central European Standard Time":  "Europe/Warsaw",
	"Central Standard Time":           "America/Chicago",
	"China Standard Time":             "Asia/Shanghai",
	"E. Europe Standard Time":         "Europe/Chisinau",
	"E. South America Standard Time":  "America/Sao_Paulo",
	"Eastern Standard Time":           "America/New_York",
	"FLE Standard Time":               "Europe/Kiev",
	"GMT Standard Time":               "Europe/London",
	"GTB Standard Time":               "Europe/Bucharest",
	"Greenwich Standard Time":         "Atlantic/Reykjavik",
	"Hawaiian Standard Time":          "Pacific/Honolulu",
	"India Standard Time":             "Asia/Kolkata",
	"Israel Standard Time":            "Asia/Jerusalem",
	"Korea Standard Time":             "Asia/Seoul",
	"Mountain Standard Time":          "America/Denver",
	"New Zealand Standard Time":       "Pacific/Auckland",
	"Pacific Standard Time":           "America/Los_Angeles",
	"Romance Standard Time":           "Europe/Paris",
	"Russian Standard Time":           "Europe/Moscow",
	"SE Asia Standard Time":           "Asia/Bangkok",
	"Singapore Standard Time":         "Asia/Singapore",
	"South Africa Standard Time":      "Africa/Johannesburg",
	"Tokyo Standard Time":             "Asia/Tokyo",
	"US Eastern Standard Time":        "America/Indianapolis",
	"US Mountain Standard Time":       "America/Phoenix",
	"UTC":                             "UTC",
	"W. Australia Standard Time":      "Australia/Perth",
	"W. Central Africa Standard Time": "Africa/Lagos",
	"W. Europe Standard Time":         "Europe/Berlin",
}

// resolveLocation turns a TZID parameter into a location. Unknown zones
// fall back to the default location.
func resolveLocation(tzid string, s Settings) *time.Location {
	tzid = strings.Trim(strings.TrimSpace(tzid), `"`)
	if tzid == "" {
		return s.location()
	}
	if s.ReplaceWindowsTimezoneIDs {
		if iana, ok := windowsZones[tzid]; ok {
			tzid = iana
		}
	}
	// Some producers prefix TZIDs with a path, e.g.
	// "/freeassociation.sourceforge.net/Europe/Berlin"; try each suffix.
	candidates := []string{tzid}
	for i := 0; i+1 < len(tzid); i++ {
		if tzid[i] == '/' {
			candidates = append(candidates, tzid[i+1:])
		}
	}
	for _, c := range candidates {
		if loc, err := time.LoadLocation(c); err == nil {
			return loc
		}
	}
	appLog.Debug("unknown TZID; using default timezone", "tzid", tzid, "default", s.location().String())
	return s.location()
}
