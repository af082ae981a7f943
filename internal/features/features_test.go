package features

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"http://www.stock888.cn/", "stock888.cn"},
		{"https://example.org/doc.pdf", "example.org/doc.pdf"},
		{"example.com", "example.com"},
		{"/a/b/", "a/b"},
		// Occurrences are removed anywhere, not only as a prefix.
		{"a.com/redirect?to=https://www.b.com", "a.com/redirect?to=b.com"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestDomain(t *testing.T) {
	assert.Equal(t, "example.org", Domain("example.org/doc.pdf"))
	assert.Equal(t, "example.org", Domain("example.org"))
	assert.Equal(t, "", Domain(""))
}

func TestIsIPv4Literal(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"1.2.3.4/x", true},
		{"http://10.0.0.255/login", true},
		{"example.com", false},
		{"999.1.1.1", false},
		{"1.2.3", false},
		{"1.2.3.4.5", false},
		{"1..3.4", false},
		{"1.2.3.-4", false},
		{"a.b.c.d", false},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.want, Extract(tt.url).IsIP)
		})
	}
}

func TestEntropy(t *testing.T) {
	assert.Equal(t, 0.0, Entropy(""))
	assert.Equal(t, 0.0, Entropy("aaaaaaaa"))
	assert.InDelta(t, 1.0, Entropy("abab"), 1e-12)
	assert.InDelta(t, math.Log2(8), Entropy("abcdefgh"), 1e-12)

	// All-distinct characters maximize entropy for a given length.
	assert.Greater(t, Entropy("abcdefgh"), Entropy("aabbccdd"))
}

func TestExtract_Counts(t *testing.T) {
	v := Extract("http://a?x=1&y=2")
	assert.Equal(t, 1, v.ParamsNum)
	assert.Equal(t, 2, v.DigitsNum)

	v = Extract("a#b#c")
	assert.Equal(t, 2, v.FragmentsNum)

	// The & count covers the whole URL, not just the query.
	v = Extract("a.com/x&y/z?p=1&q=2&r=3")
	assert.Equal(t, 3, v.ParamsNum)
}

func TestExtract_Stock888(t *testing.T) {
	v := Extract("http://www.stock888.cn/")

	assert.Equal(t, 11, v.Length)
	assert.Equal(t, 3, v.DigitsNum)
	assert.Equal(t, 1, v.SubdomainNum)
	assert.Equal(t, 0, v.ParamsNum)
	assert.Equal(t, 0, v.FragmentsNum)
	assert.False(t, v.HasHTTP)
	assert.False(t, v.HasHTTPS)
	assert.False(t, v.IsIP)
	assert.Greater(t, v.Entropy, 0.0)
}

func TestExtract_HTTPSubstring(t *testing.T) {
	// The http/https flags check the normalized string, so schemes embedded
	// without "://" still count.
	v := Extract("evil.com/login?next=https%3A%2F%2Fbank.com")
	assert.True(t, v.HasHTTP)
	assert.True(t, v.HasHTTPS)

	v = Extract("evil.com/httpdocs")
	assert.True(t, v.HasHTTP)
	assert.False(t, v.HasHTTPS)
}

func TestExtract_Deterministic(t *testing.T) {
	urls := []string{
		"http://www.stock888.cn/",
		"https://example.org/doc.pdf",
		"192.168.1.1/admin.php?id=7&x=#top",
		"ünïcödé.example/路径",
	}
	for _, u := range urls {
		first := Extract(u)
		for i := 0; i < 5; i++ {
			assert.Equal(t, first, Extract(u))
		}
	}
}

func TestEntropy_StableAcrossCalls(t *testing.T) {
	for _, s := range []string{
		"192.168.1.1/admin.php?id=7&x=#top",
		"http://www.stock888.cn/",
		"ünïcödé.example/路径",
	} {
		first := Entropy(s)
		for i := 0; i < 1000; i++ {
			require.Equal(t, first, Entropy(s), s)
		}
	}
}

func TestExtract_RuneLength(t *testing.T) {
	v := Extract("ü.de")
	assert.Equal(t, 4, v.Length)
}

func TestVector_ValuesOrder(t *testing.T) {
	v := Vector{
		Entropy:      1.5,
		DigitsNum:    2,
		Length:       3,
		ParamsNum:    4,
		FragmentsNum: 5,
		SubdomainNum: 6,
		HasHTTP:      true,
		HasHTTPS:     false,
		IsIP:         true,
	}
	vals := v.Values()
	require.Len(t, vals, Len)
	require.Len(t, Names, Len)
	assert.Equal(t, []float64{1.5, 2, 3, 4, 5, 6, 1, 0, 1}, vals)

	m := v.Map()
	for i, name := range Names {
		assert.Equal(t, vals[i], m[name], name)
	}
}
