package otel

import (
	"fmt"

	"github.com/gobwas/glob"
)

// Filter selects which verdicts are exported. Host patterns are globs with
// '.' as separator, so "*.example.com" matches one label and
// "**.example.com" any depth.
type Filter struct {
	Kinds        []string
	IncludeHosts []string
	ExcludeHosts []string
	// MinRisk drops verdicts ranked below it: safe < suspicious < malicious
	// and low_risk < medium_risk < high_risk.
	MinRisk string
}

type compiledFilter struct {
	kinds   map[string]bool
	include []glob.Glob
	exclude []glob.Glob
	minRisk int
}

var riskRank = map[string]int{
	"safe":        1,
	"low_risk":    1,
	"suspicious":  2,
	"medium_risk": 2,
	"malicious":   3,
	"high_risk":   3,
}

func compileFilter(f Filter) (*compiledFilter, error) {
	cf := &compiledFilter{}
	if len(f.Kinds) > 0 {
		cf.kinds = make(map[string]bool, len(f.Kinds))
		for _, k := range f.Kinds {
			cf.kinds[k] = true
		}
	}
	var err error
	if cf.include, err = compileGlobs(f.IncludeHosts); err != nil {
		return nil, err
	}
	if cf.exclude, err = compileGlobs(f.ExcludeHosts); err != nil {
		return nil, err
	}
	if f.MinRisk != "" {
		rank, ok := riskRank[f.MinRisk]
		if !ok {
			return nil, fmt.Errorf("unknown min_risk %q", f.MinRisk)
		}
		cf.minRisk = rank
	}
	return cf, nil
}

func compileGlobs(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p, '.')
		if err != nil {
			return nil, fmt.Errorf("host pattern %q: %w", p, err)
		}
		out = append(out, g)
	}
	return out, nil
}

// match reports whether a verdict should be exported. Verdicts with no risk
// (non-downloadable URLs) rank lowest.
func (f *compiledFilter) match(kind, host, risk string) bool {
	if f == nil {
		return true
	}
	if f.kinds != nil && !f.kinds[kind] {
		return false
	}
	if len(f.include) > 0 && !anyMatch(f.include, host) {
		return false
	}
	if anyMatch(f.exclude, host) {
		return false
	}
	return riskRank[risk] >= f.minRisk
}

func anyMatch(globs []glob.Glob, s string) bool {
	for _, g := range globs {
		if g.Match(s) {
			return true
		}
	}
	return false
}
