// Command nimbus-controller runs the scheduling process for one Nimbus
// session: it accepts worker handshakes, spawns and resolves jobs, and
// assigns them out for as long as the session runs.
package main

import (
	"context"
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	nimbus "github.com/nimbus-project/nimbus"
	"github.com/nimbus-project/nimbus/internal/pkg/corregion"
)

var (
	domainX = flag.Int64("domain-x", 1000, "simulation domain extent along x")
	domainY = flag.Int64("domain-y", 1000, "simulation domain extent along y")
	domainZ = flag.Int64("domain-z", 1000, "simulation domain extent along z")
)

func main() {
	flag.Parse()
	viper.BindPFlags(flag.CommandLine)

	config := nimbus.NewClusterConfig()
	if config.Verbose {
		log.SetLevel(log.DebugLevel)
	}

	domain := corregion.Box{Xmax: *domainX, Ymax: *domainY, Zmax: *domainZ}
	controller, err := nimbus.NewController(config, domain)
	if err != nil {
		log.Fatalf("nimbus-controller: %v", err)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", config.ControllerHost, config.ControllerPort))
	if err != nil {
		log.Fatalf("nimbus-controller: listen: %v", err)
	}
	log.Infof("nimbus-controller: awaiting %d worker handshakes on %s", config.WorkerCount, ln.Addr())

	for i := 0; i < config.WorkerCount; i++ {
		conn, err := ln.Accept()
		if err != nil {
			log.Fatalf("nimbus-controller: accept: %v", err)
		}
		go func() {
			if err := controller.ServeWorker(conn); err != nil {
				log.Warnf("nimbus-controller: worker connection ended: %v", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		if _, err := controller.AssignReady(ctx); err != nil {
			log.Errorf("nimbus-controller: assign pass failed: %v", err)
		}
	}
}
