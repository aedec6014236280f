// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"encoding/json"
	"net/http"

	"git.arvados.org/jobexec.git/sdk/go/ctxlog"
	"github.com/sirupsen/logrus"
)

// ErrorHandler returns a Handler for a service that could not be
// set up, e.g., because the cloud driver or credential store in the
// config is unusable. Its health check fails with err, so
// RunCommand exits before listening; if it is served anyway, every
// request gets 503 with err in a JSON body.
func ErrorHandler(ctx context.Context, err error) Handler {
	logger := ctxlog.FromContext(ctx)
	logger.WithError(err).Error("service setup failed")
	done := make(chan struct{})
	close(done)
	return &errorHandler{err: err, logger: logger, done: done}
}

type errorHandler struct {
	err    error
	logger logrus.FieldLogger
	done   chan struct{}
}

func (eh *errorHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	eh.logger.WithError(eh.err).WithField("RequestPath", r.URL.Path).Warn("rejecting request to failed service")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	json.NewEncoder(w).Encode(map[string]string{"error": eh.err.Error()})
}

func (eh *errorHandler) CheckHealth() error {
	return eh.err
}

// Done returns an already-closed channel: a failed service has
// nothing to wait for.
func (eh *errorHandler) Done() <-chan struct{} {
	return eh.done
}
