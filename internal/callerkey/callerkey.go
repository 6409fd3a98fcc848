// Package callerkey derives the rate-limit key for an inbound request.
//
// A request on behalf of a tenant is keyed by tenant. Otherwise the key is
// the client address, or its autonomous system when an ASN database is
// loaded and either ASN keying is on or the ASN is a known hosting network.
package callerkey

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/oschwald/maxminddb-golang"
	"github.com/sirupsen/logrus"

	"github.com/akl7777777/imei-intel/internal/logger"
)

// asnRecord maps the fields in a GeoLite2-ASN MMDB.
type asnRecord struct {
	AutonomousSystemNumber       int    `maxminddb:"autonomous_system_number"`
	AutonomousSystemOrganization string `maxminddb:"autonomous_system_organization"`
}

// Options configures a Resolver.
type Options struct {
	ASNDBPath  string // GeoLite2-ASN file; missing file disables ASN keys
	ByASN      bool   // key every public caller by ASN
	TrustProxy bool   // honour X-Forwarded-For and X-Real-IP
	Logger     logrus.FieldLogger
}

type Resolver struct {
	reader     *maxminddb.Reader
	lookup     func(ip net.IP) (asnRecord, error)
	byASN      bool
	trustProxy bool
	log        logrus.FieldLogger
}

// NewResolver opens the ASN database if one is configured. A missing or
// unreadable file only disables ASN keys.
func NewResolver(opts Options) *Resolver {
	r := &Resolver{
		byASN:      opts.ByASN,
		trustProxy: opts.TrustProxy,
		log:        logger.Component(opts.Logger, "callerkey"),
	}
	if opts.ASNDBPath == "" {
		return r
	}

	if _, err := os.Stat(opts.ASNDBPath); os.IsNotExist(err) {
		r.log.WithField("path", opts.ASNDBPath).Info("ASN database not found, keying callers by address")
		return r
	}
	reader, err := maxminddb.Open(opts.ASNDBPath)
	if err != nil {
		r.log.WithError(err).Warn("failed to open ASN database, keying callers by address")
		return r
	}

	r.reader = reader
	r.lookup = func(ip net.IP) (asnRecord, error) {
		var rec asnRecord
		if err := reader.Lookup(ip, &rec); err != nil {
			return asnRecord{}, fmt.Errorf("MMDB lookup failed: %w", err)
		}
		return rec, nil
	}
	r.log.WithField("path", opts.ASNDBPath).Info("loaded ASN database")
	return r
}

// HasASNDatabase reports whether ASN lookups are available.
func (r *Resolver) HasASNDatabase() bool {
	return r.lookup != nil
}

// Key returns "tenant:<id>", "asn:<n>" or "ip:<addr>".
func (r *Resolver) Key(req *http.Request, tenantID string) string {
	if tenantID = strings.TrimSpace(tenantID); tenantID != "" {
		return "tenant:" + tenantID
	}

	addr := r.ClientIP(req)
	if asn, ok := r.asnKey(addr); ok {
		return "asn:" + strconv.Itoa(asn)
	}
	return "ip:" + addr
}

func (r *Resolver) asnKey(addr string) (int, bool) {
	if r.lookup == nil {
		return 0, false
	}
	ip := net.ParseIP(addr)
	if ip == nil || isPrivateIP(ip) {
		return 0, false
	}

	rec, err := r.lookup(ip)
	if err != nil {
		r.log.WithError(err).Debug("ASN lookup failed")
		return 0, false
	}
	if rec.AutonomousSystemNumber == 0 {
		return 0, false
	}
	if r.byASN {
		return rec.AutonomousSystemNumber, true
	}
	if _, hosting := IsHostingASN(rec.AutonomousSystemNumber); hosting {
		return rec.AutonomousSystemNumber, true
	}
	return 0, false
}

// ClientIP returns the caller's address. Forwarding headers are only read
// when the resolver trusts its proxy.
func (r *Resolver) ClientIP(req *http.Request) string {
	if r.trustProxy {
		if fwd := req.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); net.ParseIP(ip) != nil {
				return ip
			}
		}
		if ip := strings.TrimSpace(req.Header.Get("X-Real-IP")); net.ParseIP(ip) != nil {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

// Close closes the ASN database.
func (r *Resolver) Close() error {
	if r.reader != nil {
		return r.reader.Close()
	}
	return nil
}

var privateRanges = func() []*net.IPNet {
	var out []*net.IPNet
	for _, cidr := range []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"::1/128",
		"fc00::/7",
		"fe80::/10",
	} {
		_, n, _ := net.ParseCIDR(cidr)
		out = append(out, n)
	}
	return out
}()

func isPrivateIP(ip net.IP) bool {
	for _, n := range privateRanges {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
