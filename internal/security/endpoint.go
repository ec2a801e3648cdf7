package security

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Resolver looks up the addresses for a host.
type Resolver func(host string) ([]string, error)

// ValidateWebhookURL checks that an outbound notification target is safe for
// server-side delivery. Private, loopback, link-local and unspecified
// addresses are refused unless allowPrivate is set, both for IP literals and
// for every address the host resolves to.
func ValidateWebhookURL(rawURL string, allowPrivate bool) error {
	return validateWebhookURL(rawURL, allowPrivate, net.LookupHost)
}

func validateWebhookURL(rawURL string, allowPrivate bool, resolve Resolver) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format")
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("URL scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	if allowPrivate {
		return nil
	}
	if u.Scheme != "https" {
		return fmt.Errorf("webhook URL must use https")
	}

	host := u.Hostname()
	for _, b := range []string{"localhost", "metadata.google.internal"} {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("URL host %q is not allowed", host)
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}

	ips, err := resolve(host)
	if err != nil {
		return fmt.Errorf("cannot resolve URL host: %s", host)
	}
	for _, s := range ips {
		if ip := net.ParseIP(s); ip != nil {
			if err := checkIP(ip); err != nil {
				return fmt.Errorf("URL host %q resolves to blocked address: %w", host, err)
			}
		}
	}
	return nil
}

func checkIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("loopback addresses are not allowed")
	case ip.IsPrivate():
		return fmt.Errorf("private addresses are not allowed")
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("link-local addresses are not allowed")
	case ip.IsUnspecified():
		return fmt.Errorf("unspecified addresses are not allowed")
	}
	return nil
}
