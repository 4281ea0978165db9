package client

import (
	"net"
	"strings"

	mdns "github.com/miekg/dns"
)

// resolveHost resolves name against explicit DNS servers (A/AAAA, following
// up to 5 CNAME hops) and falls back to the system resolver. Returns the
// first resolved IP, or "" when nothing answered. An IP literal passes
// through untouched.
func resolveHost(name string, servers []string) string {
	if ip := net.ParseIP(name); ip != nil {
		return name
	}
	q := func(fqdn string, qtype uint16) []mdns.RR {
		m := new(mdns.Msg)
		m.SetQuestion(mdns.Fqdn(fqdn), qtype)
		c := new(mdns.Client)
		for _, srv := range servers {
			if !strings.Contains(srv, ":") {
				srv += ":53"
			}
			in, _, err := c.Exchange(m, srv)
			if err == nil && in != nil && in.Rcode == mdns.RcodeSuccess {
				return append(in.Answer, in.Extra...)
			}
		}
		return nil
	}
	target := name
	for hop := 0; hop < 5; hop++ {
		for _, qtype := range []uint16{mdns.TypeA, mdns.TypeAAAA} {
			for _, rr := range q(target, qtype) {
				switch r := rr.(type) {
				case *mdns.A:
					return r.A.String()
				case *mdns.AAAA:
					return r.AAAA.String()
				case *mdns.CNAME:
					target = strings.TrimSuffix(r.Target, ".")
				}
			}
		}
	}
	if ips, err := net.LookupIP(name); err == nil && len(ips) > 0 {
		return ips[0].String()
	}
	return ""
}
