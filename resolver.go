package acme

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

// DNSResolver queries CAA records from a single recursive resolver.
type DNSResolver struct {
	server string
	client *dns.Client
}

// NewDNSResolver creates a resolver for server ("host:port"). An empty server
// uses the first nameserver of /etc/resolv.conf.
func NewDNSResolver(server string) (*DNSResolver, error) {
	if server == "" {
		conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil {
			return nil, fmt.Errorf("dns: failed to read resolv.conf: %w", err)
		}
		if len(conf.Servers) == 0 {
			return nil, fmt.Errorf("dns: no nameserver configured")
		}
		server = net.JoinHostPort(conf.Servers[0], conf.Port)
	}
	return &DNSResolver{
		server: server,
		client: &dns.Client{Timeout: 5 * time.Second},
	}, nil
}

// LookupCAA returns the CAA records published at exactly name. NXDOMAIN and
// NODATA answers yield no records and no error.
func (r *DNSResolver) LookupCAA(ctx context.Context, name string) ([]CAARecord, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeCAA)
	msg.RecursionDesired = true

	in, _, err := r.client.ExchangeContext(ctx, msg, r.server)
	if err != nil {
		return nil, fmt.Errorf("dns: CAA query for %s: %w", name, err)
	}
	switch in.Rcode {
	case dns.RcodeSuccess, dns.RcodeNameError:
	default:
		return nil, fmt.Errorf("dns: CAA query for %s: %s", name, dns.RcodeToString[in.Rcode])
	}

	var records []CAARecord
	for _, rr := range in.Answer {
		caa, ok := rr.(*dns.CAA)
		if !ok {
			// CNAMEs in the answer section are followed by the resolver.
			continue
		}
		records = append(records, CAARecord{Flag: caa.Flag, Tag: caa.Tag, Value: caa.Value})
	}
	return records, nil
}
