// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"git.arvados.org/jobexec.git/lib/provider/grid"
	"git.arvados.org/jobexec.git/lib/service"
	"git.arvados.org/jobexec.git/sdk/go/ctxlog"
	"git.arvados.org/jobexec.git/sdk/go/jobexec"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// server accepts job submissions and gatekeeper status callbacks.
//
//	POST /jobs		JSON job description; launched asynchronously
//	POST /callbacks	form values "job" (job contact) and "state"
type server struct {
	ctx    context.Context
	stack  *Stack
	token  string
	router *httprouter.Router
	logger logrus.FieldLogger

	mtx     sync.Mutex
	closing bool
	running sync.WaitGroup
	done    chan struct{}
}

func newServer(ctx context.Context, cfg *jobexec.Config, reg *prometheus.Registry) service.Handler {
	logger := ctxlog.FromContext(ctx)
	st, err := Setup(ctx, cfg, reg, logger)
	if err != nil {
		return service.ErrorHandler(ctx, err)
	}
	if cfg.Grid.CallbackURL != "" {
		st.EnableCallbacks()
	}
	srv := &server{
		ctx:    ctx,
		stack:  st,
		token:  cfg.ManagementToken,
		logger: logger,
		done:   make(chan struct{}),
	}
	srv.router = httprouter.New()
	srv.router.HandlerFunc("POST", "/jobs", srv.submit)
	srv.router.HandlerFunc("POST", "/callbacks", srv.callback)
	go func() {
		<-ctx.Done()
		srv.mtx.Lock()
		srv.closing = true
		srv.mtx.Unlock()
		srv.running.Wait()
		st.Close()
		close(srv.done)
	}()
	return srv
}

func (srv *server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	srv.router.ServeHTTP(w, r)
}

func (srv *server) CheckHealth() error {
	if srv.ctx.Err() != nil {
		return errors.New("shutting down")
	}
	return nil
}

func (srv *server) Done() <-chan struct{} {
	return srv.done
}

func (srv *server) submit(w http.ResponseWriter, r *http.Request) {
	if srv.token == "" || r.Header.Get("Authorization") != "Bearer "+srv.token {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	var desc jobexec.JobDescription
	err := json.NewDecoder(r.Body).Decode(&desc)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if desc.ProcessID == "" {
		http.Error(w, "ProcessID is empty", http.StatusBadRequest)
		return
	}
	srv.mtx.Lock()
	if srv.closing {
		srv.mtx.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	srv.running.Add(1)
	srv.mtx.Unlock()
	jc := srv.stack.NewJob(desc)
	go func() {
		defer srv.running.Done()
		srv.stack.Engine.Launch(srv.ctx, jc)
	}()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{
		"ExperimentID": desc.ExperimentID,
		"ProcessID":    desc.ProcessID,
	})
}

func (srv *server) callback(w http.ResponseWriter, r *http.Request) {
	if srv.stack.Callbacks == nil {
		http.Error(w, "status callbacks are not enabled (Grid.CallbackURL is empty)", http.StatusNotFound)
		return
	}
	jobID := r.FormValue("job")
	state, err := grid.ParseState(r.FormValue("state"))
	if jobID == "" || err != nil {
		http.Error(w, "job and valid state required", http.StatusBadRequest)
		return
	}
	logger := srv.logger.WithFields(logrus.Fields{
		"JobID": jobID,
		"State": state,
	})
	if !srv.stack.Callbacks.Deliver(jobID, state) {
		logger.Info("ignoring status callback for finished job or full queue")
		http.Error(w, "job is not accepting callbacks", http.StatusNotFound)
		return
	}
	logger.Debug("delivered status callback")
	w.WriteHeader(http.StatusOK)
}
