package otel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilter_Match(t *testing.T) {
	tests := []struct {
		name   string
		filter Filter
		kind   string
		host   string
		risk   string
		want   bool
	}{
		{"empty filter", Filter{}, "predict", "a.cn", "", true},
		{"kind excluded", Filter{Kinds: []string{"download"}}, "predict", "a.cn", "safe", false},
		{"single label glob", Filter{IncludeHosts: []string{"*.example.com"}}, "predict", "cdn.example.com", "safe", true},
		{"single label glob is shallow", Filter{IncludeHosts: []string{"*.example.com"}}, "predict", "a.cdn.example.com", "safe", false},
		{"super glob", Filter{IncludeHosts: []string{"**.example.com"}}, "predict", "a.cdn.example.com", "safe", true},
		{"exclude wins", Filter{IncludeHosts: []string{"**.cn"}, ExcludeHosts: []string{"stock888.cn"}}, "predict", "stock888.cn", "malicious", false},
		{"below min risk", Filter{MinRisk: "medium_risk"}, "download", "a.cn", "low_risk", false},
		{"at min risk", Filter{MinRisk: "medium_risk"}, "download", "a.cn", "medium_risk", true},
		{"no risk ranks lowest", Filter{MinRisk: "safe"}, "download", "a.cn", "", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cf, err := compileFilter(tc.filter)
			require.NoError(t, err)
			assert.Equal(t, tc.want, cf.match(tc.kind, tc.host, tc.risk))
		})
	}
}

func TestFilter_NilMatchesAll(t *testing.T) {
	var cf *compiledFilter
	assert.True(t, cf.match("predict", "a.cn", ""))
}

func TestCompileFilter_UnknownRisk(t *testing.T) {
	_, err := compileFilter(Filter{MinRisk: "critical"})
	require.Error(t, err)
}
