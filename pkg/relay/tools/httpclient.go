package tools

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	maxRedirectHops      = 3
	maxResponseBodyBytes = 1 << 20
)

var blockedCIDRs = mustParseCIDRs([]string{
	"127.0.0.0/8",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"100.64.0.0/10",
	"0.0.0.0/8",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
})

// NetworkPolicy controls which destinations webhook tools may reach.
type NetworkPolicy struct {
	// AllowPrivate permits loopback, link-local and RFC 1918 targets.
	AllowPrivate bool
}

// NewWebhookClient returns an HTTP client that validates every dialed IP
// against policy and caps redirects.
func NewWebhookClient(policy NetworkPolicy) *http.Client {
	base, _ := http.DefaultTransport.(*http.Transport)
	tr := base.Clone()
	tr.Proxy = nil
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	tr.DialContext = func(ctx context.Context, network, address string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(address)
		if err != nil {
			return nil, err
		}
		if _, err := strconv.Atoi(port); err != nil {
			return nil, fmt.Errorf("invalid port")
		}
		ip, err := policy.resolve(ctx, host)
		if err != nil {
			return nil, err
		}
		return dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
	}

	return &http.Client{
		Transport: tr,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > maxRedirectHops {
				return fmt.Errorf("redirect limit exceeded (max %d)", maxRedirectHops)
			}
			return policy.ValidateURL(req.URL)
		},
	}
}

// ValidateURL checks scheme, credentials and literal IP hosts. Hostnames are
// checked again at dial time once resolved.
func (p NetworkPolicy) ValidateURL(u *url.URL) error {
	if u == nil {
		return fmt.Errorf("url is required")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.User != nil {
		return fmt.Errorf("url credentials are not allowed")
	}
	host := strings.TrimSpace(u.Hostname())
	if host == "" {
		return fmt.Errorf("url host is required")
	}
	if !isASCII(host) || strings.Contains(host, "%") {
		return fmt.Errorf("invalid hostname")
	}
	if ip := net.ParseIP(host); ip != nil {
		return p.checkIP(ip)
	}
	return nil
}

func (p NetworkPolicy) resolve(ctx context.Context, host string) (net.IP, error) {
	host = strings.TrimSpace(host)
	if host == "" || strings.Contains(host, "%") || !isASCII(host) {
		return nil, fmt.Errorf("invalid host")
	}
	if ip := net.ParseIP(host); ip != nil {
		if err := p.checkIP(ip); err != nil {
			return nil, err
		}
		return ip, nil
	}
	records, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("dns resolution returned no records")
	}
	for _, rec := range records {
		if err := p.checkIP(rec.IP); err != nil {
			return nil, err
		}
	}
	return records[0].IP, nil
}

func (p NetworkPolicy) checkIP(ip net.IP) error {
	if p.AllowPrivate {
		return nil
	}
	if ip4 := ip.To4(); ip4 != nil {
		ip = ip4
	}
	for _, cidr := range blockedCIDRs {
		if cidr.Contains(ip) {
			return fmt.Errorf("destination ip %s is blocked", ip)
		}
	}
	return nil
}

func readBodyLimited(resp *http.Response, limit int64) ([]byte, error) {
	lr := &io.LimitedReader{R: resp.Body, N: limit + 1}
	b, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return nil, fmt.Errorf("response exceeds maximum size %d bytes", limit)
	}
	return bytes.TrimSpace(b), nil
}

func mustParseCIDRs(values []string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(values))
	for _, value := range values {
		_, cidr, err := net.ParseCIDR(value)
		if err != nil {
			panic(err)
		}
		out = append(out, cidr)
	}
	return out
}

func isASCII(s string) bool {
	for _, r := range s {
		if r > 127 {
			return false
		}
	}
	return true
}
