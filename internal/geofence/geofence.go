// Package geofence restricts access by caller geolocation using a MaxMind
// GeoLite2 database.
package geofence

import (
	"fmt"
	"net"
	"strings"

	"github.com/oschwald/geoip2-golang"
)

// countryLookup resolves an IP address to a city/country record.
// *geoip2.Reader satisfies it; tests substitute a fake.
type countryLookup interface {
	City(net.IP) (*geoip2.City, error)
}

// Fence is a boolean predicate over caller addresses: loopback always
// passes, everything else must resolve to the allowed country.
type Fence struct {
	lookup       countryLookup
	reader       *geoip2.Reader
	allowCountry string
}

// New opens the GeoLite2 database at dbPath and builds a fence allowing
// the given ISO country code (case-insensitive).
func New(dbPath, allowCountry string) (*Fence, error) {
	reader, err := geoip2.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening geolocation database %s: %w", dbPath, err)
	}
	return &Fence{
		lookup:       reader,
		reader:       reader,
		allowCountry: strings.ToLower(allowCountry),
	}, nil
}

// newWithLookup builds a fence over an arbitrary lookup. Used by tests.
func newWithLookup(lookup countryLookup, allowCountry string) *Fence {
	return &Fence{lookup: lookup, allowCountry: strings.ToLower(allowCountry)}
}

// Allows reports whether the caller address passes the fence. A lookup
// failure is returned as an error, never as a silent pass or deny.
func (f *Fence) Allows(addr string) (bool, error) {
	if IsLoopback(addr) {
		return true, nil
	}

	ip := net.ParseIP(addr)
	if ip == nil {
		return false, fmt.Errorf("unparseable caller address %q", addr)
	}

	record, err := f.lookup.City(ip)
	if err != nil {
		return false, fmt.Errorf("resolving %s: %w", addr, err)
	}

	return strings.ToLower(record.Country.IsoCode) == f.allowCountry, nil
}

// Close releases the underlying database.
func (f *Fence) Close() error {
	if f.reader != nil {
		return f.reader.Close()
	}
	return nil
}

// IsLoopback reports whether addr names the local host. Loopback callers
// always pass the fence, so the guard can skip the lookup entirely.
func IsLoopback(addr string) bool {
	return addr == "127.0.0.1" || addr == "::1" || addr == "localhost"
}
