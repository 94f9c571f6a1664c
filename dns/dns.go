// Package dns locates the SIP-over-WebSocket signaling server of a domain.
//
// Discovery follows RFC 7118 Section 6 on top of RFC 3263: NAPTR records with the
// "SIPS+D2W" (secure) or "SIP+D2W" service point to SRV records, which are resolved
// to a ws:// or wss:// URL. When the domain has no suitable NAPTR records the
// well-known "_sips._ws" / "_sip._ws" SRV names are queried directly.
package dns

//go:generate go tool errtrace -w .

import (
	"cmp"
	"context"
	"net"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"braces.dev/errtrace"
	"github.com/miekg/dns"

	"github.com/ghettovoice/sipcall/internal/errorutil"
)

// ErrServerNotFound is returned when no signaling server is published for a domain.
const ErrServerNotFound errorutil.Error = "signaling server not found"

// Resolver performs the DNS queries used for signaling server discovery.
type Resolver struct {
	// NameServer specifies the DNS server address (e.g., "8.8.8.8:53").
	// If empty, the first server from /etc/resolv.conf is used.
	NameServer string
	// Timeout specifies the timeout for DNS queries.
	// If zero, defaults to 5 seconds.
	Timeout time.Duration
	// Path is the HTTP path appended to the discovered server URL.
	// If empty, "/ws" is used.
	Path string
}

// SRV represents a single DNS SRV record.
type SRV = net.SRV

// NAPTR represents a NAPTR DNS record as defined in RFC 3403.
type NAPTR struct {
	// Order specifies the order in which NAPTR records must be processed.
	// Lower values are processed first.
	Order uint16
	// Preference specifies the preference for records with equal Order values.
	// Lower values are preferred.
	Preference uint16
	// Flags control aspects of the rewriting and interpretation of fields.
	// Common flags: "s" (SRV lookup), "a" (A/AAAA lookup), "u" (terminal URI).
	Flags string
	// Service specifies the service and protocol available.
	// For SIP over WebSocket: "SIP+D2W" (WS), "SIPS+D2W" (WSS).
	Service string
	// Regexp is a substitution expression applied to the original string.
	// Usually empty when Replacement is used.
	Regexp string
	// Replacement is the next domain name to query.
	// Usually points to an SRV record when Flags is "s".
	Replacement string
}

// LookupNAPTR queries NAPTR records for the given host.
// Returns records sorted by Order (ascending), then by Preference (ascending).
func (r *Resolver) LookupNAPTR(ctx context.Context, host string) ([]*NAPTR, error) {
	resp, err := r.exchange(ctx, host, dns.TypeNAPTR)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	recs := make([]*NAPTR, 0, len(resp.Answer))
	for _, ans := range resp.Answer {
		if rr, ok := ans.(*dns.NAPTR); ok {
			recs = append(recs, &NAPTR{
				Order:       rr.Order,
				Preference:  rr.Preference,
				Flags:       rr.Flags,
				Service:     rr.Service,
				Regexp:      rr.Regexp,
				Replacement: rr.Replacement,
			})
		}
	}

	// Sort by Order, then by Preference (RFC 3403)
	slices.SortFunc(recs, func(a, b *NAPTR) int {
		if c := cmp.Compare(a.Order, b.Order); c != 0 {
			return c
		}
		return cmp.Compare(a.Preference, b.Preference)
	})

	return recs, nil
}

// LookupSRV queries SRV records for the given fully qualified service name
// (e.g. "_sips._ws.example.com").
// Returns records sorted by Priority (ascending), then by Weight (descending).
func (r *Resolver) LookupSRV(ctx context.Context, name string) ([]*SRV, error) {
	resp, err := r.exchange(ctx, name, dns.TypeSRV)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	recs := make([]*SRV, 0, len(resp.Answer))
	for _, ans := range resp.Answer {
		if rr, ok := ans.(*dns.SRV); ok {
			recs = append(recs, &SRV{
				Target:   rr.Target,
				Port:     rr.Port,
				Priority: rr.Priority,
				Weight:   rr.Weight,
			})
		}
	}

	slices.SortFunc(recs, func(a, b *SRV) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		return cmp.Compare(b.Weight, a.Weight)
	})

	return recs, nil
}

// LookupSignalingServer returns the WebSocket URL of the signaling server for the domain.
// When secure is true only WSS servers are considered.
func (r *Resolver) LookupSignalingServer(ctx context.Context, domain string, secure bool) (*url.URL, error) {
	domain = strings.TrimSuffix(domain, ".")
	if domain == "" {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("empty domain"))
	}

	service, srvName, scheme := "SIP+D2W", "_sip._ws."+domain, "ws"
	if secure {
		service, srvName, scheme = "SIPS+D2W", "_sips._ws."+domain, "wss"
	}

	names := make([]string, 0, 2)
	if naptrs, err := r.LookupNAPTR(ctx, domain); err == nil {
		for _, rec := range naptrs {
			if strings.EqualFold(rec.Service, service) && strings.EqualFold(rec.Flags, "s") && rec.Replacement != "" {
				names = append(names, rec.Replacement)
			}
		}
	}
	names = append(names, srvName)

	var errs []error
	for _, name := range names {
		srvs, err := r.LookupSRV(ctx, name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, srv := range srvs {
			if srv.Target == "." || srv.Target == "" {
				continue
			}
			return &url.URL{
				Scheme: scheme,
				Host:   net.JoinHostPort(strings.TrimSuffix(srv.Target, "."), strconv.Itoa(int(srv.Port))),
				Path:   r.path(),
			}, nil
		}
	}
	if len(errs) > 0 {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrServerNotFound, errorutil.JoinPrefix(domain, errs...)))
	}
	return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrServerNotFound, domain))
}

func (r *Resolver) exchange(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true

	nameserver, err := r.nameserver()
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	client := &dns.Client{Timeout: r.timeout()}
	resp, _, err := client.ExchangeContext(ctx, m, nameserver)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	if resp.Rcode != dns.RcodeSuccess {
		return nil, errtrace.Wrap(&net.DNSError{
			Err:        dns.RcodeToString[resp.Rcode],
			Name:       name,
			IsNotFound: resp.Rcode == dns.RcodeNameError,
		})
	}
	return resp, nil
}

func (r *Resolver) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return 5 * time.Second
}

func (r *Resolver) path() string {
	if r.Path != "" {
		return r.Path
	}
	return "/ws"
}

func (r *Resolver) nameserver() (string, error) {
	if r.NameServer != "" {
		if _, _, err := net.SplitHostPort(r.NameServer); err != nil {
			return net.JoinHostPort(r.NameServer, "53"), nil //nolint:nilerr
		}
		return r.NameServer, nil
	}

	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return "", errtrace.Wrap(err)
	}
	if len(conf.Servers) == 0 {
		return "", errtrace.Wrap(&net.DNSError{
			Err:  "no DNS servers configured",
			Name: "resolv.conf",
		})
	}

	return net.JoinHostPort(conf.Servers[0], conf.Port), nil
}

var defResolver = &Resolver{}

// DefaultResolver returns the resolver used by the package-level functions.
func DefaultResolver() *Resolver { return defResolver }

// LookupSignalingServer looks up the signaling server using the [DefaultResolver].
func LookupSignalingServer(ctx context.Context, domain string, secure bool) (*url.URL, error) {
	return errtrace.Wrap2(defResolver.LookupSignalingServer(ctx, domain, secure))
}
