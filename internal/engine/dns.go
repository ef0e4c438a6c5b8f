package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// MXHost is a single mail host returned by the Resolver, ordered by MX
// preference (lowest first).
type MXHost struct {
	Host     string
	Priority uint16
}

// Resolver maps a domain to its ordered MX host list, with
// network/protocol failures classified as temporary or permanent so the
// worker knows whether to defer or fail the recipient.
type Resolver interface {
	LookupMX(domain string) ([]MXHost, error)
}

// DNSResolver is the reference Resolver, backed by github.com/miekg/dns.
type DNSResolver struct {
	nameserver string
	timeout    time.Duration
}

// NewDNSResolver creates a Resolver. If nameserver is empty or "system",
// it reads /etc/resolv.conf and falls back to Google Public DNS.
func NewDNSResolver(nameserver string, timeout time.Duration) *DNSResolver {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	if nameserver == "" || nameserver == "system" {
		nameserver = getSystemResolver()
	}
	if !strings.Contains(nameserver, ":") {
		nameserver = nameserver + ":53"
	}
	return &DNSResolver{
		nameserver: nameserver,
		timeout:    timeout,
	}
}

func getSystemResolver() string {
	config, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err == nil && len(config.Servers) > 0 {
		return config.Servers[0] + ":53"
	}
	return "8.8.8.8:53"
}

func (r *DNSResolver) query(name string, qtype uint16) (*dns.Msg, error) {
	c := &dns.Client{Timeout: r.timeout}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true

	reply, _, err := c.Exchange(m, r.nameserver)
	if err != nil {
		return nil, NewDNSTemporary(fmt.Errorf("DNS query for %s (type %s): %w", name, dns.TypeToString[qtype], err))
	}

	switch reply.Rcode {
	case dns.RcodeSuccess:
		return reply, nil
	case dns.RcodeNameError:
		return reply, NewDNSPermanent(fmt.Errorf("DNS query for %s: %s", name, dns.RcodeToString[reply.Rcode]))
	default:
		return reply, NewDNSTemporary(fmt.Errorf("DNS query for %s: %s", name, dns.RcodeToString[reply.Rcode]))
	}
}

// LookupMX implements Resolver. An MX record with preference 0 and a root
// target (".") is an explicit refusal to receive mail (RFC 7505): this
// returns an empty list, and the worker treats an empty host list the same
// way it treats DnsPermanent — the recipient transitions to Failed.
// NODATA for MX falls back to the implicit-MX host (the domain's own
// A/AAAA, RFC 5321 §5.1).
func (r *DNSResolver) LookupMX(domain string) ([]MXHost, error) {
	reply, err := r.query(domain, dns.TypeMX)
	if err != nil {
		return nil, err
	}
	return mxHostsFromAnswers(domain, reply.Answer)
}

// refused is returned by mxHostsFromAnswers for an explicit MX refusal:
// an empty, non-nil slice, distinct from the NODATA case which always
// falls back to at least one implicit-MX host.
var refused = []MXHost{}

// mxHostsFromAnswers classifies a set of MX answer records into an
// ordered host list. An explicit refusal (preference 0, root target)
// returns an empty, non-nil slice; NODATA (no MX answers at all) falls
// back to the implicit-MX host. Split out from LookupMX so the
// classification logic is testable without a live DNS exchange.
func mxHostsFromAnswers(domain string, answers []dns.RR) ([]MXHost, error) {
	var hosts []MXHost
	for _, ans := range answers {
		mx, ok := ans.(*dns.MX)
		if !ok {
			continue
		}
		if mx.Preference == 0 && mx.Mx == "." {
			return refused, nil
		}
		hosts = append(hosts, MXHost{
			Host:     strings.TrimSuffix(mx.Mx, "."),
			Priority: mx.Preference,
		})
	}

	sort.Slice(hosts, func(i, j int) bool {
		return hosts[i].Priority < hosts[j].Priority
	})

	if len(hosts) == 0 {
		hosts = append(hosts, MXHost{Host: domain, Priority: 0})
	}

	return hosts, nil
}
