// Command multivpn runs the multi-link UDP tunnel daemon. It takes a
// single positional configuration-file path argument — no flags, no
// subcommands (spec.md §6) — defaulting to /etc/multivpn.cfg.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"multivpn/internal/config"
	"multivpn/internal/daemon"
	"multivpn/internal/filter"
	"multivpn/internal/metrics"
	"multivpn/internal/netctl"
	"multivpn/internal/tundev"
	"multivpn/internal/watcher"
)

func main() {
	cfgPath := "/etc/multivpn.cfg"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	tap := tundev.WantTAP(watcher.DottedQuad(cfg.Local.IP), cfg.Local.Tap)
	tun, err := tundev.Open("", tap)
	if err != nil {
		log.Fatalf("tundev: %v", err)
	}
	if err := netctl.SetAddress(tun.Name(), cfg.Local.IP, cfg.Local.DstIP, cfg.Local.Mask); err != nil {
		log.Printf("netctl: set address: %v", err)
	}
	if err := netctl.SetMTU(tun.Name(), cfg.Local.MTU); err != nil {
		log.Printf("netctl: set mtu: %v", err)
	}
	if err := netctl.ClampMSS(tun.Name(), cfg.Local.MTU); err != nil {
		log.Printf("netctl: clamp mss: %v", err)
	}
	if cfg.Local.Bridge != "" {
		if err := netctl.AddToBridge(tun.Name(), cfg.Local.Bridge); err != nil {
			log.Printf("netctl: add to bridge %s: %v", cfg.Local.Bridge, err)
		}
	}
	log.Printf("tun/tap %q up (tap=%v)", tun.Name(), tun.IsTAP())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Local.MetricsAddr != "" {
		metrics.Enable()
		go func() {
			if err := metrics.Serve(ctx, cfg.Local.MetricsAddr); err != nil {
				log.Printf("metrics server stopped: %v", err)
			}
		}()
		log.Printf("metrics listening on %s", cfg.Local.MetricsAddr)
	}

	chain := filter.Chain{
		Rotate: cfg.Local.Obfuscate,
		Base64: cfg.Local.Obfuscate,
		Prefix: []byte(cfg.Local.FilterPrefix),
	}

	d := daemon.New(cfg, tun, chain)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigc
		log.Printf("shutting down...")
		cancel()
	}()

	if err := d.Run(ctx); err != nil {
		log.Fatalf("daemon: %v", err)
	}
}
