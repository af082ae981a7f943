package backend

import (
	"fmt"
	"sort"
	"strings"

	"github.com/linkguard/linkguard/internal/verify"
)

// Config holds the settings of every known backend.
type Config struct {
	VirusTotal VirusTotalConfig
	Sandbox    SandboxConfig
	DNSBL      DNSBLConfig
}

// Registry holds one instance of each configured backend, keyed by name.
type Registry struct {
	backends map[string]verify.Backend
}

// NewRegistry builds every known backend from cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{backends: map[string]verify.Backend{
		NameVirusTotal: NewVirusTotal(cfg.VirusTotal),
		NameSandbox:    NewSandbox(cfg.Sandbox),
		NameDNSBL:      NewDNSBL(cfg.DNSBL),
	}}
}

// Register adds or replaces a backend.
func (r *Registry) Register(b verify.Backend) {
	r.backends[b.Name()] = b
}

// Names returns the registered backend names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve returns the backends for names, in order. Unknown or duplicate
// names are an error.
func (r *Registry) Resolve(names []string) ([]verify.Backend, error) {
	out := make([]verify.Backend, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		b, ok := r.backends[name]
		if !ok {
			return nil, fmt.Errorf("unknown backend %q (known: %s)", raw, strings.Join(r.Names(), ", "))
		}
		if seen[name] {
			return nil, fmt.Errorf("backend %q listed twice", raw)
		}
		seen[name] = true
		out = append(out, b)
	}
	return out, nil
}

// IsKnown reports whether name is a built-in backend.
func IsKnown(name string) bool {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case NameVirusTotal, NameSandbox, NameDNSBL:
		return true
	}
	return false
}
