// Command nimbus-worker runs one cluster node's execution pool, data
// exchanger and command connection back to the controller. Job bodies are
// registered by name before the worker starts serving commands; a real
// deployment would load them from a plugin or a build-time registration
// package, which is out of scope for the core scheduling runtime.
package main

import (
	"context"
	"fmt"
	"net"

	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	nimbus "github.com/nimbus-project/nimbus"
)

var (
	workerID   = flag.Uint32("worker-id", 0, "this worker's cluster-wide id")
	listenIP   = flag.String("listen-ip", "127.0.0.1", "address workers and the controller reach this process on")
	controller = flag.String("controller", "127.0.0.1:7070", "controller command address")
)

func main() {
	flag.Parse()
	viper.BindPFlags(flag.CommandLine)

	config := nimbus.NewClusterConfig()
	if config.Verbose {
		log.SetLevel(log.DebugLevel)
	}

	registry := nimbus.NewRegistry()
	// registry.Register("my-kernel", myJobBody) goes here for a concrete
	// simulation binary; the scheduling runtime itself ships none.

	conn, err := net.Dial("tcp", *controller)
	if err != nil {
		log.Fatalf("nimbus-worker: dial controller: %v", err)
	}

	w, err := nimbus.NewWorker(*workerID, config, registry, conn)
	if err != nil {
		log.Fatalf("nimbus-worker: %v", err)
	}

	exchangePort := config.ExchangeBasePort + int(*workerID)
	// The handshake's address is the exchange endpoint, not the command
	// connection above: it is what RemoteCopySend's ToIP/ToPort address a
	// peer worker's data-exchange listener with.
	if err := w.Handshake(*listenIP, uint16(exchangePort)); err != nil {
		log.Fatalf("nimbus-worker: handshake: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		addr := fmt.Sprintf("%s:%d", *listenIP, exchangePort)
		if err := w.ListenExchange(ctx, addr); err != nil {
			log.Errorf("nimbus-worker %d: exchange listener: %v", *workerID, err)
		}
	}()

	if err := w.Run(ctx); err != nil {
		log.Fatalf("nimbus-worker %d: %v", *workerID, err)
	}
}
