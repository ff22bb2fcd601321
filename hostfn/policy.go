package hostfn

import (
	"fmt"
	"net"
	"path"
	"path/filepath"
	"strings"

	"github.com/plugbox/wasm-host/errors"
)

// Policy is the sandbox policy consulted before every guarded native
// operation. The zero value denies everything: no hosts, no paths.
type Policy struct {
	// AllowedHosts are URL host patterns guest HTTP requests may target:
	// an exact host, "*.suffix" for any subdomain, or "*" for all.
	AllowedHosts []string

	// AllowedPaths maps virtual guest paths to real filesystem paths.
	// A mapping covers the path itself and everything beneath it.
	AllowedPaths map[string]string
}

// CheckHost reports whether guest code may reach host, which may carry a
// port. Denial is a permission_denied error; the guarded operation must
// not have started yet.
func (p *Policy) CheckHost(host string) error {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(host)

	if p != nil {
		for _, pattern := range p.AllowedHosts {
			if matchHost(strings.ToLower(pattern), host) {
				return nil
			}
		}
	}
	return errors.PermissionDenied(fmt.Sprintf("host %q not in allowed_hosts", host))
}

func matchHost(pattern, host string) bool {
	switch {
	case pattern == "*":
		return true
	case strings.HasPrefix(pattern, "*."):
		return strings.HasSuffix(host, pattern[1:]) && host != pattern[1:]
	default:
		return pattern == host
	}
}

// MapPath translates a virtual guest path into a real filesystem path, or
// denies it. Paths are normalized first so a guest cannot escape a mapped
// directory through "..".
func (p *Policy) MapPath(virtual string) (string, error) {
	clean := path.Clean("/" + strings.ReplaceAll(virtual, "\\", "/"))

	if p != nil {
		if real, ok := p.AllowedPaths[clean]; ok {
			return real, nil
		}
		for dir := path.Dir(clean); ; dir = path.Dir(dir) {
			if real, ok := p.AllowedPaths[dir]; ok {
				rel := strings.TrimPrefix(clean, dir)
				return filepath.Join(real, filepath.FromSlash(rel)), nil
			}
			if dir == "/" || dir == "." {
				break
			}
		}
	}
	return "", errors.PermissionDenied(fmt.Sprintf("path %q not in allowed_paths", virtual))
}
