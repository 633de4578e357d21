package tenant

import (
	"fmt"
	"net"
	"strings"
)

// NormalizeHost canonicalizes a request host for cache keying: lowercase,
// port stripped, trailing dot stripped. The result must be a valid DNS
// name; anything else (empty, IP literal brackets, bad labels) is rejected.
// Normalization is idempotent.
func NormalizeHost(raw string) (string, error) {
	h := strings.TrimSpace(strings.ToLower(raw))
	if h == "" {
		return "", fmt.Errorf("empty host")
	}

	if host, _, err := net.SplitHostPort(h); err == nil {
		h = host
	}
	h = strings.TrimSuffix(h, ".")

	if err := validateDNSName(h); err != nil {
		return "", err
	}
	return h, nil
}

func validateDNSName(h string) error {
	if h == "" || len(h) > 253 {
		return fmt.Errorf("invalid host %q", h)
	}
	for _, label := range strings.Split(h, ".") {
		if len(label) == 0 || len(label) > 63 {
			return fmt.Errorf("invalid host %q", h)
		}
		if strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return fmt.Errorf("invalid host %q", h)
		}
		for _, r := range label {
			if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '-' {
				return fmt.Errorf("invalid host %q", h)
			}
		}
	}
	return nil
}
