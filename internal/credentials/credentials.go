// Package credentials resolves opaque credential references into live
// secrets. The ref names and values never appear in logs; the redaction
// layer additionally masks any attr that slips through.
package credentials

import (
	"fmt"
	"os"
	"strings"
)

// Resolver turns an opaque credentials_ref into a secret value. The zero
// value of ref is never valid.
type Resolver interface {
	Resolve(ref string) (string, error)
}

// EnvResolver maps refs to process environment variables. The ref itself is
// the variable name, uppercased, with dashes folded to underscores, so a
// runtime-issued ref like "tg-bot-primary" reads TG_BOT_PRIMARY.
type EnvResolver struct{}

func (EnvResolver) Resolve(ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("credentials: empty ref")
	}
	key := strings.ToUpper(strings.ReplaceAll(ref, "-", "_"))
	v := os.Getenv(key)
	if v == "" {
		return "", fmt.Errorf("credentials: ref not resolvable")
	}
	return v, nil
}

// Static resolves from a fixed map. Tests and single-tenant defaults use it.
type Static map[string]string

func (s Static) Resolve(ref string) (string, error) {
	if v, ok := s[ref]; ok && v != "" {
		return v, nil
	}
	return "", fmt.Errorf("credentials: ref not resolvable")
}
