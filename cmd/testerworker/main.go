// Package main is the out-of-process tester worker: a gRPC service that
// runs the causal test battery for one hypothesis per call. Callers reach
// it through the grpc package's Client; the engine itself does not dispatch
// to it and runs the tester stage in-process.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/retentionlabs/causalreason/internal/audit"
	grpcworker "github.com/retentionlabs/causalreason/internal/integration/grpc"
)

func main() {
	listenAddr := flag.String("listen", ":9090", "gRPC listen address")
	metricsAddr := flag.String("metrics", ":9091", "Prometheus metrics listen address (empty to disable)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	auditLog, err := audit.NewLogger(nil)
	if err != nil {
		log.Fatalf("audit logger: %v", err)
	}
	defer auditLog.Close()

	lis, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		log.Fatalf("listen %s: %v", *listenAddr, err)
	}

	srv := grpcworker.NewServer(auditLog)

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Printf("metrics server: %v", err)
			}
		}()
	}

	go func() {
		<-ctx.Done()
		srv.Stop()
	}()

	log.Printf("tester worker listening on %s", *listenAddr)
	if err := srv.Serve(lis); err != nil {
		log.Fatalf("serve: %v", err)
	}
}
