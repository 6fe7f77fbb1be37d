package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Load reads and parses the tab-separated config file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	return cfg, nil
}

// Parse reads tab-separated config records from r. Blank lines and
// lines whose first non-space character is '#' are ignored. The first
// field of every other line selects the record kind, matched
// case-insensitively against "link", "local", and "route"; any other
// value is a fatal configuration error.
func Parse(r io.Reader) (*Config, error) {
	cfg := &Config{}
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		fields := strings.Split(line, "\t")
		for i, f := range fields {
			fields[i] = strings.TrimSpace(f)
		}
		kind := strings.ToLower(fields[0])
		var err error
		switch kind {
		case "link":
			err = parseLink(cfg, fields[1:])
		case "local":
			err = parseLocal(cfg, fields[1:])
		case "route":
			err = parseRoute(cfg, fields[1:])
		default:
			err = fmt.Errorf("unknown record kind %q", fields[0])
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func field(fields []string, i int) string {
	if i < len(fields) {
		return fields[i]
	}
	return ""
}

func parseOptions(raw string) map[LinkOption]bool {
	out := make(map[LinkOption]bool)
	for _, tok := range strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' }) {
		tok = strings.ToLower(strings.TrimSpace(tok))
		if tok == "" {
			continue
		}
		out[LinkOption(tok)] = true
	}
	return out
}

func parseLink(cfg *Config, f []string) error {
	// name, src, srcport, dstip?, dstport?, factor, options?
	if len(f) < 3 {
		return fmt.Errorf("link: need at least name, src, srcport")
	}
	name := field(f, 0)
	src := field(f, 1)
	srcport, err := strconv.Atoi(field(f, 2))
	if err != nil {
		return fmt.Errorf("link %q: bad srcport: %w", name, err)
	}

	// Fixed tab position per spec.md §6: name, src, srcport, dstip?,
	// dstport?, factor, options?. An absent dstip/dstport is an empty
	// field between two tabs, not an omitted column.
	dstip := field(f, 3)
	dstportStr := field(f, 4)
	factorStr := field(f, 5)
	optStr := field(f, 6)

	factor := 1.0
	if factorStr != "" {
		factor, err = strconv.ParseFloat(factorStr, 64)
		if err != nil {
			return fmt.Errorf("link %q: bad factor: %w", name, err)
		}
	}

	lc := LinkConfig{
		Name:    name,
		Src:     src,
		SrcPort: srcport,
		DstIP:   dstip,
		Factor:  factor,
		Options: parseOptions(optStr),
	}
	if dstportStr != "" {
		p, err := strconv.Atoi(dstportStr)
		if err != nil {
			return fmt.Errorf("link %q: bad dstport: %w", name, err)
		}
		lc.DstPort = p
	}
	cfg.Links = append(cfg.Links, lc)
	return nil
}

func parseLocal(cfg *Config, f []string) error {
	// ip, mask=24, mtu=1300, dstip?, options?
	if len(f) < 1 {
		return fmt.Errorf("local: need at least ip")
	}
	lc := LocalConfig{
		IP:   field(f, 0),
		Mask: 24,
		MTU:  1300,
	}
	if m := field(f, 1); m != "" {
		v, err := strconv.Atoi(m)
		if err != nil {
			return fmt.Errorf("local: bad mask: %w", err)
		}
		lc.Mask = v
	}
	if m := field(f, 2); m != "" {
		v, err := strconv.Atoi(m)
		if err != nil {
			return fmt.Errorf("local: bad mtu: %w", err)
		}
		lc.MTU = v
	}
	lc.DstIP = field(f, 3)

	opts := parseOptions(field(f, 4))
	for o := range opts {
		switch {
		case o == "tap":
			lc.Tap = true
		case o == "nodpd" || o == "no-dpd":
			lc.DeadPeerOff = true
		case o == "strict-announce":
			lc.StrictAnnounce = true
		case strings.HasPrefix(string(o), "bridge="):
			lc.Bridge = strings.TrimPrefix(string(o), "bridge=")
		case strings.HasPrefix(string(o), "metrics="):
			lc.MetricsAddr = strings.TrimPrefix(string(o), "metrics=")
		case o == "obfuscate":
			lc.Obfuscate = true
		case strings.HasPrefix(string(o), "prefix="):
			lc.FilterPrefix = strings.TrimPrefix(string(o), "prefix=")
		}
	}
	cfg.Local = lc
	return nil
}

func parseRoute(cfg *Config, f []string) error {
	// to, mask, gw, table?, metric?
	if len(f) < 3 {
		return fmt.Errorf("route: need to, mask, gw")
	}
	mask, err := strconv.Atoi(field(f, 1))
	if err != nil {
		return fmt.Errorf("route: bad mask: %w", err)
	}
	rc := RouteConfig{
		To:   field(f, 0),
		Mask: mask,
		Gw:   field(f, 2),
	}
	rc.Table = field(f, 3)
	if m := field(f, 4); m != "" {
		v, err := strconv.Atoi(m)
		if err != nil {
			return fmt.Errorf("route: bad metric: %w", err)
		}
		rc.Metric = v
	}
	cfg.Routes = append(cfg.Routes, rc)
	return nil
}
