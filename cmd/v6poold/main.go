/*
Copyright 2026 jr42.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command v6poold runs the address-pool service: it serves the RPC
// surface defined in pkg/wire over HTTP and drives the route-monitor,
// replenish, mirror-sync and persistence loops in the background.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"

	"github.com/nvoss/v6pool/internal/poolservice"
	"github.com/nvoss/v6pool/internal/prefix"
)

// Exit codes per spec §6's CLI surface.
const (
	exitClean      = 0
	exitBindFail   = 1
	exitConfigFail = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		port          = flag.Int("p", 16000, "HTTP listening port for the RPC surface")
		usableNum     = flag.Int("n", 20, "target number of verified-usable addresses in the inventory")
		verbose       = flag.Bool("v", false, "enable verbose (debug-level) logging")
		iface         = flag.String("iface", "eth0", "uplink interface to watch for the routed IPv6 prefix")
		dbRoot        = flag.String("db-root", "/var/lib/v6pool", "directory holding the global and mirror JSON stores")
		checkURL      = flag.String("check-url", "http://127.0.0.1:8080/echo", "address-echo probe endpoint used to verify candidate addresses")
		ndppdConf     = flag.String("ndppd-conf", "/etc/ndppd.conf", "path to the NDP-proxy daemon's configuration file")
		ndppdUnit     = flag.String("ndppd-unit", "ndppd.service", "systemd unit name of the NDP-proxy daemon")
		routeInterval = flag.Duration("route-check-interval", 1800*time.Second, "how often the route monitor reconciles kernel/NDP-proxy state")
		raIface       = flag.String("ra-watch-iface", "", "optional interface to watch for Router Advertisements, purely to recheck sooner than -route-check-interval as a lease nears expiry")
		dhcp6pdIface  = flag.String("dhcp6pd-watch-iface", "", "optional interface on which to actively solicit DHCPv6 prefix delegation, for sites where no upstream router advertises the routed prefix")
		dhcp6pdLen    = flag.Int("dhcp6pd-prefix-length", 56, "requested prefix length hint sent in the DHCPv6-PD SOLICIT on -dhcp6pd-watch-iface")
	)
	flag.Parse()

	log := newLogger(*verbose)

	if *port <= 0 || *port > 65535 {
		log.Info("invalid port", "port", *port)
		return exitConfigFail
	}
	if *usableNum <= 0 {
		log.Info("invalid usable-num", "n", *usableNum)
		return exitConfigFail
	}

	cfg := poolservice.ServiceConfig{
		DBRoot:             *dbRoot,
		Interface:          *iface,
		UsableNum:          *usableNum,
		CheckURL:           *checkURL,
		NdppdConfPath:      *ndppdConf,
		NdppdUnit:          *ndppdUnit,
		RouteCheckInterval: *routeInterval,
	}
	if *raIface != "" || *dhcp6pdIface != "" {
		receiverCfg := prefix.ReceiverConfig{}
		if *raIface != "" {
			receiverCfg.RouterAdvertisement = &prefix.RouterAdvertisementConfig{Interface: *raIface, Enabled: true}
		}
		if *dhcp6pdIface != "" {
			receiverCfg.DHCPv6PD = &prefix.DHCPv6PDConfig{Interface: *dhcp6pdIface, RequestedPrefixLength: *dhcp6pdLen}
		}

		receiver, err := prefix.NewReceiverFactory(log).CreateReceiver(receiverCfg)
		if err != nil {
			log.Error(err, "failed to configure lease-hint receiver")
			return exitConfigFail
		}
		cfg.LeaseReceiver = receiver
	}

	svc := poolservice.New(cfg, log)
	if err := svc.Load(); err != nil {
		log.Error(err, "failed to load persisted state")
		return exitConfigFail
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := svc.Start(ctx); err != nil {
		log.Error(err, "failed to start pool service")
		return exitConfigFail
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", *port),
		Handler: svc.Handler(),
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig.String())
		signal.Stop(sigCh)
	case err := <-serveErr:
		if err != nil {
			log.Error(err, "failed to bind RPC listener")
			cancel()
			_ = svc.Stop()
			return exitBindFail
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "error during HTTP server shutdown")
	}

	cancel()
	if err := svc.Stop(); err != nil {
		log.Error(err, "error during pool service shutdown")
	}

	log.Info("shutdown complete")
	return exitClean
}

// newLogger builds the logr.Logger every long-lived component takes at
// construction, fronting zap the same way a controller-runtime manager
// would via zapr, minus the manager itself.
func newLogger(verbose bool) logr.Logger {
	var zcfg zap.Config
	if verbose {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}

	zl, err := zcfg.Build()
	if err != nil {
		// Logging itself failed to construct; fall back to a no-op
		// logger rather than crash before any diagnostics can reach
		// the operator.
		return logr.Discard()
	}
	return zapr.NewLogger(zl)
}
