package threatfeed

import (
	"bufio"
	"io"
	"net/url"
	"strings"
)

// Feed formats.
const (
	FormatHostfile   = "hostfile"
	FormatDomainList = "domain-list"
	FormatURLList    = "url-list"
)

// Parser extracts hosts from one feed format.
type Parser interface {
	Parse(r io.Reader) ([]string, error)
}

// HostfileParser reads "0.0.0.0 host" lines.
type HostfileParser struct{}

func (HostfileParser) Parse(r io.Reader) ([]string, error) {
	return scanHosts(r, func(line string) string {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return ""
		}
		switch h := strings.ToLower(fields[1]); h {
		case "localhost", "localhost.localdomain", "broadcasthost", "local":
			return ""
		default:
			return h
		}
	})
}

// DomainListParser reads one host per line.
type DomainListParser struct{}

func (DomainListParser) Parse(r io.Reader) ([]string, error) {
	return scanHosts(r, func(line string) string {
		return strings.ToLower(line)
	})
}

// URLListParser reads one URL per line, as published by URLhaus, and keeps
// the host of each.
type URLListParser struct{}

func (URLListParser) Parse(r io.Reader) ([]string, error) {
	return scanHosts(r, func(line string) string {
		if !strings.Contains(line, "://") {
			line = "http://" + line
		}
		u, err := url.Parse(line)
		if err != nil {
			return ""
		}
		return strings.ToLower(u.Hostname())
	})
}

// ParserForFormat returns the parser for format, defaulting to a domain list.
func ParserForFormat(format string) Parser {
	switch strings.ToLower(format) {
	case FormatHostfile:
		return HostfileParser{}
	case FormatURLList:
		return URLListParser{}
	default:
		return DomainListParser{}
	}
}

func scanHosts(r io.Reader, extract func(line string) string) ([]string, error) {
	seen := make(map[string]struct{})
	var hosts []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if i := strings.Index(line, "#"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		h := normalizeHost(extract(line))
		if h == "" {
			continue
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		hosts = append(hosts, h)
	}
	return hosts, sc.Err()
}

func normalizeHost(h string) string {
	return strings.ToLower(strings.TrimRight(strings.TrimSpace(h), "."))
}
