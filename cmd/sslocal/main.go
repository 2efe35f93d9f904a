// Copyright 2023 Jigsaw Operations LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command sslocal runs the SOCKS5-to-Shadowsocks local proxy: it loads a
// JSON config file, starts the TCP relay (and the UDP relay when
// enable_udp is set), and serves until it receives an interrupt signal.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jigsaw-sslocal/sslocal/internal/config"
	"github.com/jigsaw-sslocal/sslocal/relay"
)

func main() {
	configFlag := flag.String("c", "config.json", "Path to the JSON config file")
	verboseFlag := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verboseFlag {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configFlag)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	servers, err := cfg.ServerEndpoints()
	if err != nil {
		log.Fatalf("resolving server config: %v", err)
	}
	balancer, err := relay.NewRoundRobin(servers)
	if err != nil {
		log.Fatalf("building load balancer: %v", err)
	}
	resolver := relay.NewResolverCache(nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tcpRelay := &relay.TCPRelay{
		Listen:    cfg.LocalAddr(),
		Servers:   balancer,
		Resolver:  resolver,
		Timeout:   cfg.Timeout(),
		EnableUDP: cfg.EnableUDP,
		Logger:    logger,
	}
	if err := tcpRelay.Bind(ctx); err != nil {
		log.Fatalf("starting tcp relay: %v", err)
	}
	go func() {
		if err := tcpRelay.Serve(ctx); err != nil {
			logger.Error("tcp relay stopped", "error", err)
		}
	}()
	logger.Info("sslocal started", "addr", tcpRelay.Addr().String(), "enable_udp", cfg.EnableUDP)

	var udpRelay *relay.UDPRelay
	if cfg.EnableUDP {
		udpRelay = &relay.UDPRelay{
			Listen:   cfg.LocalAddr(),
			Servers:  balancer,
			Resolver: resolver,
			Clients:  relay.NewClientMap(relay.DefaultClientMapCapacity),
			Logger:   logger,
		}
		if err := udpRelay.Bind(ctx); err != nil {
			log.Fatalf("starting udp relay: %v", err)
		}
		go func() {
			if err := udpRelay.Serve(ctx); err != nil {
				logger.Error("udp relay stopped", "error", err)
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")
	cancel()

	stopped := make(chan struct{})
	go func() {
		tcpRelay.Close()
		if udpRelay != nil {
			udpRelay.Close()
		}
		close(stopped)
	}()

	select {
	case <-time.After(5 * time.Second):
		logger.Warn("shutdown timed out")
	case <-stopped:
	}
}
