package builder

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/miekg/dns"
)

// SRVResolver returns a Resolver that looks up the SRV records for name
// (for example "_kafka._tcp.example.com") on every call. Server is the
// "host:port" of the DNS server; if empty the first server from
// /etc/resolv.conf is used. Targets are returned in priority order.
func SRVResolver(name, server string) Resolver {
	client := new(dns.Client)
	return func(ctx context.Context) ([]string, error) {
		addr := server
		if addr == "" {
			conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
			if err != nil {
				return nil, err
			}
			if len(conf.Servers) == 0 {
				return nil, fmt.Errorf("no dns servers configured")
			}
			addr = net.JoinHostPort(conf.Servers[0], conf.Port)
		}
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(name), dns.TypeSRV)
		in, _, err := client.ExchangeContext(ctx, msg, addr)
		if err != nil {
			return nil, err
		}
		if in.Rcode != dns.RcodeSuccess {
			return nil, fmt.Errorf("srv lookup for %s: %s", name, dns.RcodeToString[in.Rcode])
		}
		return srvTargets(in.Answer), nil
	}
}

func srvTargets(answer []dns.RR) []string {
	var records []*dns.SRV
	for _, rr := range answer {
		if srv, ok := rr.(*dns.SRV); ok {
			records = append(records, srv)
		}
	}
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Priority != records[j].Priority {
			return records[i].Priority < records[j].Priority
		}
		return records[i].Weight > records[j].Weight
	})
	brokers := make([]string, 0, len(records))
	for _, srv := range records {
		host := strings.TrimSuffix(srv.Target, ".")
		brokers = append(brokers, fmt.Sprintf("%s:%d", host, srv.Port))
	}
	return brokers
}
