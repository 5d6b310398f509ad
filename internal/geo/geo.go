// Package geo resolves client addresses to location/ASN/ISP attributes
// from local MaxMind databases. Resolution is best-effort: a missing
// database, an unparseable address, or a timeout yields empty
// attributes, never an error on the session's critical path.
package geo

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/oschwald/maxminddb-golang"

	"github.com/nodeprobe/nodeprobe/internal/record"
)

// DefaultLookupTimeout bounds a single resolution.
const DefaultLookupTimeout = 2 * time.Second

// Resolver maps a client address to its attributes.
type Resolver interface {
	Resolve(ctx context.Context, addr string) record.ClientAttributes
}

type cityRecord struct {
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

type asnRecord struct {
	AutonomousSystemNumber       uint   `maxminddb:"autonomous_system_number"`
	AutonomousSystemOrganization string `maxminddb:"autonomous_system_organization"`
}

// MaxMind resolves against GeoLite2 City and ASN databases. Either
// database may be absent; whatever is present contributes.
type MaxMind struct {
	city    *maxminddb.Reader
	asn     *maxminddb.Reader
	timeout time.Duration
}

// OpenMaxMind opens the given database paths. Empty paths are skipped;
// a path that is set but unreadable is an error so misconfiguration is
// caught at startup rather than silently resolving nothing.
func OpenMaxMind(cityPath, asnPath string, timeout time.Duration) (*MaxMind, error) {
	if timeout <= 0 {
		timeout = DefaultLookupTimeout
	}
	m := &MaxMind{timeout: timeout}
	if cityPath != "" {
		reader, err := maxminddb.Open(cityPath)
		if err != nil {
			return nil, fmt.Errorf("open city database: %w", err)
		}
		m.city = reader
	}
	if asnPath != "" {
		reader, err := maxminddb.Open(asnPath)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("open asn database: %w", err)
		}
		m.asn = reader
	}
	return m, nil
}

func (m *MaxMind) Close() {
	if m.city != nil {
		_ = m.city.Close()
	}
	if m.asn != nil {
		_ = m.asn.Close()
	}
}

// Resolve looks the address up in whichever databases are loaded. The
// lookup runs under its own deadline so a wedged mmap read cannot stall
// the caller.
func (m *MaxMind) Resolve(ctx context.Context, addr string) record.ClientAttributes {
	ip := net.ParseIP(addr)
	if ip == nil {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return record.ClientAttributes{}
		}
		ip = net.ParseIP(host)
		if ip == nil {
			return record.ClientAttributes{}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	done := make(chan record.ClientAttributes, 1)
	go func() {
		done <- m.lookup(ip)
	}()
	select {
	case attrs := <-done:
		return attrs
	case <-ctx.Done():
		return record.ClientAttributes{}
	}
}

func (m *MaxMind) lookup(ip net.IP) record.ClientAttributes {
	var attrs record.ClientAttributes
	if m.city != nil {
		var rec cityRecord
		if err := m.city.Lookup(ip, &rec); err == nil {
			attrs.Location = formatLocation(rec)
		}
	}
	if m.asn != nil {
		var rec asnRecord
		if err := m.asn.Lookup(ip, &rec); err == nil {
			if rec.AutonomousSystemNumber != 0 {
				attrs.ASN = fmt.Sprintf("AS%d", rec.AutonomousSystemNumber)
			}
			attrs.ISP = rec.AutonomousSystemOrganization
		}
	}
	return attrs
}

func formatLocation(rec cityRecord) string {
	city := rec.City.Names["en"]
	country := rec.Country.ISOCode
	switch {
	case city != "" && country != "":
		return city + ", " + country
	case country != "":
		return country
	default:
		return city
	}
}

// Static returns the same attributes for every address. It backs tests
// and deployments without MaxMind databases.
type Static struct {
	Attributes record.ClientAttributes
}

func (s Static) Resolve(ctx context.Context, addr string) record.ClientAttributes {
	return s.Attributes
}
