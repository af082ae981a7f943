// Package features turns a URL into the lexical feature vector the risk
// classifier was trained on.
package features

import (
	"math"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Names is the canonical feature order. It must match the feature list of the
// classifier artifact exactly.
var Names = []string{
	"url_entropy",
	"digits_num",
	"length",
	"params_num",
	"fragments_num",
	"subdomain_num",
	"has_http",
	"has_https",
	"is_ip",
}

// Len is the number of features in a Vector.
const Len = 9

// Vector holds the extracted features of a single URL.
type Vector struct {
	Entropy      float64 `json:"url_entropy"`
	DigitsNum    int     `json:"digits_num"`
	Length       int     `json:"length"`
	ParamsNum    int     `json:"params_num"`
	FragmentsNum int     `json:"fragments_num"`
	SubdomainNum int     `json:"subdomain_num"`
	HasHTTP      bool    `json:"has_http"`
	HasHTTPS     bool    `json:"has_https"`
	IsIP         bool    `json:"is_ip"`
}

// Values returns the features as float64 in Names order.
func (v Vector) Values() []float64 {
	return []float64{
		v.Entropy,
		float64(v.DigitsNum),
		float64(v.Length),
		float64(v.ParamsNum),
		float64(v.FragmentsNum),
		float64(v.SubdomainNum),
		boolValue(v.HasHTTP),
		boolValue(v.HasHTTPS),
		boolValue(v.IsIP),
	}
}

// Map returns the features keyed by name.
func (v Vector) Map() map[string]float64 {
	vals := v.Values()
	m := make(map[string]float64, len(Names))
	for i, name := range Names {
		m[name] = vals[i]
	}
	return m
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Normalize removes every "http://", "https://" and "www." occurrence and trims
// leading and trailing slashes.
func Normalize(rawURL string) string {
	u := strings.ReplaceAll(rawURL, "http://", "")
	u = strings.ReplaceAll(u, "https://", "")
	u = strings.ReplaceAll(u, "www.", "")
	return strings.Trim(u, "/")
}

// Domain returns the part of a normalized URL before the first "/".
func Domain(normalized string) string {
	host, _, _ := strings.Cut(normalized, "/")
	return host
}

// Extract computes the feature vector for rawURL. It never fails; callers are
// expected to reject empty URLs beforehand.
func Extract(rawURL string) Vector {
	u := Normalize(rawURL)
	domain := Domain(u)

	return Vector{
		Entropy:      Entropy(strings.TrimSpace(u)),
		DigitsNum:    countDigits(u),
		Length:       utf8.RuneCountInString(u),
		ParamsNum:    strings.Count(u, "&"),
		FragmentsNum: strings.Count(u, "#"),
		SubdomainNum: strings.Count(domain, "."),
		HasHTTP:      strings.Contains(u, "http"),
		HasHTTPS:     strings.Contains(u, "https"),
		IsIP:         IsIPv4Literal(domain),
	}
}

// Entropy returns the Shannon entropy (base 2) of the character distribution
// of s. The empty string has entropy 0.
func Entropy(s string) float64 {
	n := utf8.RuneCountInString(s)
	if n == 0 {
		return 0
	}
	// Terms are summed in order of first appearance so the result is
	// bit-for-bit stable.
	counts := make(map[rune]int)
	var order []rune
	for _, r := range s {
		if counts[r] == 0 {
			order = append(order, r)
		}
		counts[r]++
	}
	var h float64
	for _, r := range order {
		p := float64(counts[r]) / float64(n)
		h -= p * math.Log2(p)
	}
	// -0 looks odd in JSON output.
	if h == 0 {
		return 0
	}
	return h
}

// IsIPv4Literal reports whether domain is four dot-separated decimal octets,
// each in [0, 255].
func IsIPv4Literal(domain string) bool {
	parts := strings.Split(domain, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		if p == "" || !allDigits(p) {
			return false
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 {
			return false
		}
	}
	return true
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func countDigits(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsDigit(r) {
			n++
		}
	}
	return n
}
