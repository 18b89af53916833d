package geo

import (
	"fmt"
	"net"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/oschwald/maxminddb-golang"
)

const defaultMemoSize = 4096

// Result is the location of a click. Country and Continent are MaxMind
// codes ("DE", "EU"); City is the English name.
type Result struct {
	Country   string
	City      string
	Continent string
}

type cityRecord struct {
	Continent struct {
		Code string `maxminddb:"code"`
	} `maxminddb:"continent"`
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
}

// Reader answers click locations from a MaxMind City database. Repeat
// visitors are common on hot links, so answers are memoized per address.
type Reader struct {
	db   *maxminddb.Reader
	memo *lru.Cache[string, Result]
}

// Open opens a MaxMind .mmdb file. An empty path gives a Reader whose
// lookups always come back empty.
func Open(path string) (*Reader, error) {
	if path == "" {
		return &Reader{}, nil
	}
	db, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip database %s: %w", path, err)
	}
	memo, err := lru.New[string, Result](defaultMemoSize)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Reader{db: db, memo: memo}, nil
}

func (r *Reader) Enabled() bool {
	return r != nil && r.db != nil
}

func (r *Reader) Close() {
	if r.Enabled() {
		r.db.Close()
	}
}

// Lookup locates addr, which may carry a port. Private, loopback and
// unparseable addresses have no location.
func (r *Reader) Lookup(addr string) Result {
	ip := parseIP(addr)
	if ip == nil || !r.Enabled() || !routable(ip) {
		return Result{}
	}

	key := ip.String()
	if res, ok := r.memo.Get(key); ok {
		return res
	}

	var rec cityRecord
	if err := r.db.Lookup(ip, &rec); err != nil {
		return Result{}
	}
	res := Result{
		Country:   rec.Country.ISOCode,
		City:      rec.City.Names["en"],
		Continent: rec.Continent.Code,
	}
	r.memo.Add(key, res)
	return res
}

func parseIP(addr string) net.IP {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	return net.ParseIP(addr)
}

func routable(ip net.IP) bool {
	return !ip.IsPrivate() && !ip.IsLoopback() && !ip.IsUnspecified() &&
		!ip.IsLinkLocalUnicast() && !ip.IsMulticast()
}
