// Package ipgeo resolves client IPs to countries using a MaxMind MMDB file.
package ipgeo

import (
	"net/netip"
	"slices"
	"strings"

	"github.com/oschwald/maxminddb-golang/v2"
)

// Country codes returned for addresses that have no geographic location.
const (
	Local     = "local"
	Tailscale = "tailscale"
)

// Checker resolves IP addresses to ISO 3166-1 alpha-2 country codes.
type Checker struct {
	reader *maxminddb.Reader
}

// Open opens an MMDB file for country lookups.
func Open(dbPath string) (*Checker, error) {
	r, err := maxminddb.Open(dbPath)
	if err != nil {
		return nil, err
	}
	return &Checker{reader: r}, nil
}

// Close releases the MMDB reader resources.
func (c *Checker) Close() error {
	return c.reader.Close()
}

type countryRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// tailscalePrefix is the CGNAT range 100.64.0.0/10 used by Tailscale.
var tailscalePrefix = netip.MustParsePrefix("100.64.0.0/10")

// CountryCode returns the country code for ipStr, Local for loopback and
// private addresses, Tailscale for CGNAT addresses and "" when unknown.
func (c *Checker) CountryCode(ipStr string) string {
	addr, err := netip.ParseAddr(ipStr)
	if err != nil {
		return ""
	}
	addr = addr.Unmap()
	if addr.IsLoopback() || addr.IsPrivate() || addr.IsUnspecified() || addr.IsLinkLocalUnicast() {
		return Local
	}
	if tailscalePrefix.Contains(addr) {
		return Tailscale
	}
	if c == nil || c.reader == nil {
		return ""
	}
	var rec countryRecord
	if err := c.reader.Lookup(addr).Decode(&rec); err != nil {
		return ""
	}
	return rec.Country.ISOCode
}

// IsBlocked reports whether country is in the blocked list. Comparison is
// case-insensitive; an unknown country is never blocked.
func IsBlocked(country string, blocked []string) bool {
	if country == "" || country == Local || country == Tailscale {
		return false
	}
	return slices.ContainsFunc(blocked, func(b string) bool {
		return strings.EqualFold(strings.TrimSpace(b), country)
	})
}
