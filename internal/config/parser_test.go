package config

import (
	"strings"
	"testing"
)

func TestParseBasic(t *testing.T) {
	in := `# sample multivpn config
local	10.200.0.1	24	1300	10.200.0.2	metrics=127.0.0.1:9100

link	wan1	eth0	41000	203.0.113.1	41000	1
link	wan2	eth1	41001	203.0.113.1	41001	3	reuse,bind
link	replyonly	eth2	41002				1

route	10.200.0.0	16	10.200.0.1
`
	cfg, err := Parse(strings.NewReader(in))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Local.IP != "10.200.0.1" || cfg.Local.MTU != 1300 {
		t.Fatalf("local: %+v", cfg.Local)
	}
	if cfg.Local.MetricsAddr != "127.0.0.1:9100" {
		t.Fatalf("metrics addr: %q", cfg.Local.MetricsAddr)
	}
	if len(cfg.Links) != 3 {
		t.Fatalf("want 3 links, got %d", len(cfg.Links))
	}

	wan2 := cfg.Links[1]
	if wan2.Factor != 3 || !wan2.Has(OptReuse) || !wan2.Has(OptBind) {
		t.Fatalf("wan2: %+v", wan2)
	}

	replyonly := cfg.Links[2]
	if replyonly.HasDst() {
		t.Fatalf("replyonly link should have no destination: %+v", replyonly)
	}

	if len(cfg.Routes) != 1 || cfg.Routes[0].To != "10.200.0.0" {
		t.Fatalf("routes: %+v", cfg.Routes)
	}
}

func TestParseLocalFilterOptions(t *testing.T) {
	in := "local\t10.0.0.1\t24\t1300\t\tobfuscate,prefix=xq9\nlink\twan1\teth0\t41000\t\t\t1\n"
	cfg, err := Parse(strings.NewReader(in))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !cfg.Local.Obfuscate {
		t.Fatalf("expected Obfuscate to be set")
	}
	if cfg.Local.FilterPrefix != "xq9" {
		t.Fatalf("filter prefix: %q", cfg.Local.FilterPrefix)
	}
}

func TestParseUnknownKind(t *testing.T) {
	_, err := Parse(strings.NewReader("bogus\tfoo\n"))
	if err == nil {
		t.Fatalf("expected error for unknown record kind")
	}
}

func TestParseRejectsMissingLinks(t *testing.T) {
	_, err := Parse(strings.NewReader("local\t10.0.0.1\n"))
	if err == nil {
		t.Fatalf("expected validation error with no links")
	}
}

func TestParseRejectsBadFactor(t *testing.T) {
	_, err := Parse(strings.NewReader("local\t10.0.0.1\nlink\twan1\teth0\t41000\t\t\t0\n"))
	if err == nil {
		t.Fatalf("expected validation error for non-positive factor")
	}
}
