// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package service provides a cmd.Handler that brings up a system service.
package service

import (
	"context"
	"flag"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"time"

	"git.arvados.org/jobexec.git/lib/cmd"
	"git.arvados.org/jobexec.git/lib/config"
	"git.arvados.org/jobexec.git/sdk/go/ctxlog"
	"git.arvados.org/jobexec.git/sdk/go/jobexec"
	"github.com/coreos/go-systemd/daemon"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

type Handler interface {
	http.Handler
	CheckHealth() error
	// Done returns a channel that closes when the handler shuts
	// itself down, or nil if this never happens.
	Done() <-chan struct{}
}

// Time allowed for in-flight requests (e.g., status callbacks) to
// finish after shutdown starts.
var shutdownTimeout = 10 * time.Second

type NewHandlerFunc func(_ context.Context, _ *jobexec.Config, registry *prometheus.Registry) Handler

type command struct {
	newHandler NewHandlerFunc
	ctx        context.Context // enables tests to shutdown service; no public API yet
	listening  func(net.Addr)  // for tests
}

// Command returns a cmd.Handler that loads the configuration, calls
// newHandler, and brings up an http server on ManagementListen with
// the returned handler.
//
// The server itself answers /_health/ping and /metrics, using
// ManagementToken for authorization. Other requests are logged and
// passed to the handler.
func Command(newHandler NewHandlerFunc) cmd.Handler {
	return &command{
		newHandler: newHandler,
		ctx:        context.Background(),
	}
}

func (c *command) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	log := ctxlog.New(stderr, "json", "info")

	var err error
	defer func() {
		if err != nil {
			log.WithError(err).Error("exiting")
		}
	}()

	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)

	loader := config.NewLoader(stdin, log)
	loader.SetupFlags(flags)
	versionFlag := flags.Bool("version", false, "Write version information to stdout and exit 0")
	pprofAddr := flags.String("pprof", "", "Serve Go profile data at `[addr]:port`")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	} else if *versionFlag {
		return cmd.Version.RunCommand(prog, args, stdin, stdout, stderr)
	}

	if *pprofAddr != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprofAddr, nil))
		}()
	}

	cfg, err := loader.Load()
	if err != nil {
		return 1
	}

	// Now that we've read the config, replace the bootstrap
	// logger with a new one according to the logging config.
	log = ctxlog.New(stderr, cfg.SystemLogs.Format, cfg.SystemLogs.LogLevel)
	logger := log.WithFields(logrus.Fields{
		"PID": os.Getpid(),
	})
	ctx := ctxlog.Context(c.ctx, logger)

	reg := prometheus.NewRegistry()

	// jobexec_version_running{version="1.2.3~4"} 1.0
	mVersion := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "jobexec",
		Name:      "version_running",
		Help:      "Indicated version is running.",
	}, []string{"version"})
	mVersion.WithLabelValues(cmd.Version.String()).Set(1)
	reg.MustRegister(mVersion)

	handler := c.newHandler(ctx, cfg, reg)
	if err = handler.CheckHealth(); err != nil {
		return 1
	}

	mux := httprouter.New()
	mux.Handler("GET", "/_health/ping", healthHandler(cfg.ManagementToken, handler.CheckHealth))
	mux.Handler("GET", "/metrics", requireToken(cfg.ManagementToken, promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorLog: logger,
	})))
	mux.NotFound = handler
	srv := &http.Server{
		Handler:     logRequests(logger, mux),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	ln, err := net.Listen("tcp", cfg.ManagementListen)
	if err != nil {
		return 1
	}
	logger.WithFields(logrus.Fields{
		"Listen":  ln.Addr().String(),
		"Version": cmd.Version.String(),
	}).Info("listening")
	if c.listening != nil {
		c.listening(ln.Addr())
	}
	if _, err := daemon.SdNotify(false, "READY=1"); err != nil {
		logger.WithError(err).Errorf("error notifying init daemon")
	}
	go func() {
		reason := "context cancelled"
		select {
		case <-ctx.Done():
		case <-handler.Done():
			reason = "handler stopped"
		}
		logger.WithField("Reason", reason).Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			logger.WithError(err).Warn("unclean shutdown")
			srv.Close()
		}
	}()
	err = srv.Serve(ln)
	if err == http.ErrServerClosed {
		err = nil
	}
	if err != nil {
		return 1
	}
	return 0
}
