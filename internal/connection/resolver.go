// Package connection turns raw connection input into a Descriptor.
//
// Resolution is pure: nothing here touches the network. The session
// package is the only place a Descriptor is dialed.
package connection

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"kvdash/internal/apperr"
)

const (
	DefaultHost = "localhost"
	DefaultPort = 6379
	MaxDB       = 15

	SchemePlain  = "redis"
	SchemeSecure = "rediss"

	ProviderUpstash = "upstash"

	providerConnectTimeout = 10 * time.Second
)

// managedDomains maps a hosting domain suffix to the provider whose
// tuning applies. Those providers are reachable over IPv4 only and need
// a longer handshake allowance than local instances.
var managedDomains = map[string]string{
	"upstash.io": ProviderUpstash,
}

// Request is raw user input. ConnectionString wins over the discrete
// fields when it is non-empty.
type Request struct {
	ConnectionString string
	Host             string
	Port             int
	Username         string
	Password         string
	DB               *int
	Provider         string
}

// Descriptor is the canonical, immutable connection configuration.
type Descriptor struct {
	Host               string
	Port               int
	Username           string
	Password           string
	DB                 int
	TLS                bool
	InsecureSkipVerify bool
	Provider           string
	ConnectTimeout     time.Duration
	KeepAlive          bool
	LazyConnect        bool
	ForceIPv4          bool
}

func Resolve(req Request) (Descriptor, error) {
	var (
		d   Descriptor
		err error
	)
	if s := strings.TrimSpace(req.ConnectionString); s != "" {
		d, err = fromURI(s, req.DB)
	} else {
		d = fromFields(req)
	}
	if err != nil {
		return Descriptor{}, err
	}
	if d.DB < 0 || d.DB > MaxDB {
		return Descriptor{}, apperr.New(apperr.KindOutOfRange, "resolve", fmt.Sprintf("database index %d not in [0,%d]", d.DB, MaxDB))
	}
	if p := providerFor(d.Host, req.Provider); p != "" {
		d.Provider = p
		d.ConnectTimeout = providerConnectTimeout
		d.KeepAlive = true
		d.LazyConnect = true
		d.ForceIPv4 = true
	}
	return d, nil
}

func fromURI(raw string, explicitDB *int) (Descriptor, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Descriptor{}, invalid(err.Error())
	}
	var d Descriptor
	switch strings.ToLower(u.Scheme) {
	case SchemePlain:
	case SchemeSecure:
		d.TLS = true
		d.InsecureSkipVerify = true
	case "":
		return Descriptor{}, invalid("missing scheme, expected redis:// or rediss://")
	default:
		return Descriptor{}, invalid(fmt.Sprintf("unsupported scheme %q", u.Scheme))
	}
	if u.Opaque != "" {
		return Descriptor{}, invalid("connection string is not a hierarchical URI")
	}

	d.Host = u.Hostname()
	if d.Host == "" {
		d.Host = DefaultHost
	}
	d.Port = DefaultPort
	if p, err := strconv.Atoi(u.Port()); err == nil && p > 0 && p <= 65535 {
		d.Port = p
	}

	d.DB = 0
	if explicitDB != nil {
		d.DB = *explicitDB
	}
	if seg := strings.Trim(u.Path, "/"); seg != "" {
		if n, err := strconv.Atoi(seg); err == nil {
			d.DB = n
		}
	}

	if u.User != nil {
		if pw, ok := u.User.Password(); ok && pw != "" {
			d.Password = pw
		}
		if name := u.User.Username(); name != "" && name != "default" {
			d.Username = name
		}
	}
	return d, nil
}

func fromFields(req Request) Descriptor {
	d := Descriptor{
		Host:     strings.TrimSpace(req.Host),
		Port:     req.Port,
		Username: req.Username,
		Password: req.Password,
	}
	if d.Host == "" {
		d.Host = DefaultHost
	}
	if d.Port <= 0 || d.Port > 65535 {
		d.Port = DefaultPort
	}
	if req.DB != nil {
		d.DB = *req.DB
	}
	return d
}

func providerFor(host, tag string) string {
	if tag = strings.ToLower(strings.TrimSpace(tag)); tag != "" {
		for _, p := range managedDomains {
			if p == tag {
				return p
			}
		}
	}
	host = strings.ToLower(host)
	for domain, p := range managedDomains {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return p
		}
	}
	return ""
}

func invalid(reason string) error {
	return apperr.New(apperr.KindInvalidConnectionString, "resolve", reason)
}

// Addr is host:port.
func (d Descriptor) Addr() string {
	return joinHostPort(d.Host, d.Port)
}

// Redacted renders the descriptor as a connection string with the
// password masked, for logs.
func (d Descriptor) Redacted() string {
	scheme := SchemePlain
	if d.TLS {
		scheme = SchemeSecure
	}
	u := url.URL{Scheme: scheme, Host: d.Addr(), Path: "/" + strconv.Itoa(d.DB)}
	switch {
	case d.Username != "" && d.Password != "":
		u.User = url.UserPassword(d.Username, "xxx")
	case d.Password != "":
		u.User = url.UserPassword("", "xxx")
	case d.Username != "":
		u.User = url.User(d.Username)
	}
	return u.String()
}
