// Markpad is a collaborative markdown workspace service.
// Copyright (C) 2025 Markpad Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package webhook

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// SSRFPolicy guards outbound webhook URLs. IsURLBlocked is the
// synchronous gate used at create/update; ValidateURL additionally
// re-resolves DNS and runs before every delivery, because a hostname
// that was public at registration can be rebound to a private IP later.
type SSRFPolicy struct {
	// AllowHTTP permits plain http URLs (ALLOW_HTTP_WEBHOOKS).
	AllowHTTP bool

	// AllowedHosts bypass the hostname-pattern block. Test contexts
	// only; must be empty in production.
	AllowedHosts []string

	// LookupIP overrides DNS resolution. Defaults to the system
	// resolver; tests inject a fake.
	LookupIP func(ctx context.Context, host string) ([]net.IP, error)
}

var blockedHostSuffixes = []string{".local", ".internal", ".localhost"}

// IsURLBlocked reports whether the URL fails the synchronous gate, and
// why. It does not touch the network.
func (p SSRFPolicy) IsURLBlocked(raw string) (bool, string) {
	u, err := url.Parse(raw)
	if err != nil {
		return true, "URL is not parseable"
	}
	switch u.Scheme {
	case "https":
	case "http":
		if !p.AllowHTTP {
			return true, "URL scheme must be https"
		}
	default:
		return true, fmt.Sprintf("URL scheme %q is not allowed", u.Scheme)
	}
	if u.User != nil {
		return true, "URL must not contain credentials"
	}

	host := normalizeHost(u.Hostname())
	if host == "" {
		return true, "URL has no hostname"
	}
	if p.hostAllowed(host) {
		return false, ""
	}
	if host == "localhost" {
		return true, "Hostname is not allowed: localhost"
	}
	for _, suffix := range blockedHostSuffixes {
		if strings.HasSuffix(host, suffix) {
			return true, "Hostname is not allowed: " + host
		}
	}
	if ip := net.ParseIP(host); ip != nil && isPrivateIP(ip) {
		return true, "IP address is private: " + ip.String()
	}
	return false, ""
}

// ValidateURL runs the synchronous gate plus DNS resolution. Called on
// every delivery attempt so rebinds are caught. Returns safe=false with
// a reason when delivery must not proceed.
func (p SSRFPolicy) ValidateURL(ctx context.Context, raw string) (bool, string) {
	if blocked, reason := p.IsURLBlocked(raw); blocked {
		return false, reason
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false, "URL is not parseable"
	}
	host := normalizeHost(u.Hostname())
	if p.hostAllowed(host) {
		return true, ""
	}
	// Literal IPs were already screened by the gate.
	if net.ParseIP(host) != nil {
		return true, ""
	}

	lookup := p.LookupIP
	if lookup == nil {
		lookup = func(ctx context.Context, host string) ([]net.IP, error) {
			addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
			if err != nil {
				return nil, err
			}
			ips := make([]net.IP, len(addrs))
			for i, a := range addrs {
				ips[i] = a.IP
			}
			return ips, nil
		}
	}
	ips, err := lookup(ctx, host)
	if err != nil || len(ips) == 0 {
		return false, "Hostname does not resolve"
	}
	for _, ip := range ips {
		if isPrivateIP(ip) {
			return false, "Hostname resolves to private IP: " + ip.String()
		}
	}
	return true, ""
}

func (p SSRFPolicy) hostAllowed(host string) bool {
	for _, allowed := range p.AllowedHosts {
		if host == normalizeHost(allowed) {
			return true
		}
	}
	return false
}

func normalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	if i := strings.IndexByte(host, '%'); i >= 0 {
		host = host[:i]
	}
	return host
}

var privateV4Blocks = []string{
	"0.0.0.0/8",
	"10.0.0.0/8",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"224.0.0.0/4",
	"240.0.0.0/4",
}

var privateV6Blocks = []string{
	"::1/128",
	"::/128",
	"fc00::/7",
	"fe80::/10",
}

var privateNets = func() []*net.IPNet {
	var nets []*net.IPNet
	for _, cidr := range append(append([]string{}, privateV4Blocks...), privateV6Blocks...) {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(err)
		}
		nets = append(nets, n)
	}
	return nets
}()

// isPrivateIP covers loopback, RFC1918, link-local, multicast, and
// reserved space. IPv4-mapped IPv6 addresses are unwrapped first.
func isPrivateIP(ip net.IP) bool {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	for _, n := range privateNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
