// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// logRequests wraps an http.Handler, logging each request and
// response via logger.
func logRequests(logger logrus.FieldLogger, h http.Handler) http.Handler {
	return http.HandlerFunc(func(wrapped http.ResponseWriter, req *http.Request) {
		w := &responseLogger{ResponseWriter: wrapped}
		lgr := logger.WithFields(logrus.Fields{
			"remoteAddr": req.RemoteAddr,
			"reqMethod":  req.Method,
			"reqPath":    req.URL.Path,
			"reqBytes":   req.ContentLength,
		})
		t0 := time.Now()
		lgr.Debug("request")
		h.ServeHTTP(w, req)
		code := w.status
		if code == 0 {
			code = http.StatusOK
		}
		lgr.WithFields(logrus.Fields{
			"timeTotal":      time.Since(t0).Seconds(),
			"respStatusCode": code,
			"respStatus":     http.StatusText(code),
			"respBytes":      w.bytes,
		}).Info("response")
	})
}

type responseLogger struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (rl *responseLogger) WriteHeader(code int) {
	if rl.status == 0 {
		rl.status = code
	}
	rl.ResponseWriter.WriteHeader(code)
}

func (rl *responseLogger) Write(p []byte) (int, error) {
	if rl.status == 0 {
		rl.status = http.StatusOK
	}
	n, err := rl.ResponseWriter.Write(p)
	rl.bytes += int64(n)
	return n, err
}

// requireToken wraps h, responding 404 to all requests if token is
// empty, and 401 or 403 to requests that do not carry it as a
// bearer token.
func requireToken(token string, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		auth := req.Header.Get("Authorization")
		switch {
		case token == "":
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case auth == "":
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		case auth != "Bearer "+token:
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		default:
			h.ServeHTTP(w, req)
		}
	})
}

var healthyBody = []byte(`{"health":"OK"}` + "\n")

// healthHandler responds to authorized requests with
// {"health":"OK"} or {"health":"ERROR","error":"error text"}.
func healthHandler(token string, check func() error) http.Handler {
	return requireToken(token, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := check(); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]string{
				"health": "ERROR",
				"error":  err.Error(),
			})
			return
		}
		w.Write(healthyBody)
	}))
}
