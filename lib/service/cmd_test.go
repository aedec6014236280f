// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// package service provides a cmd.Handler that brings up a system service.
package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"git.arvados.org/jobexec.git/sdk/go/ctxlog"
	"git.arvados.org/jobexec.git/sdk/go/jobexec"
	"github.com/prometheus/client_golang/prometheus"
	check "gopkg.in/check.v1"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&Suite{})

type Suite struct{}
type key int

const (
	contextKey key = iota
)

const testConfig = `
ManagementToken: abcde
ManagementListen: "127.0.0.1:0"
`

func (*Suite) start(c *check.C, newHandler NewHandlerFunc) (addr string, stderr *bytes.Buffer, cancel func(), exited <-chan int) {
	ctx, cancel := context.WithCancel(context.Background())
	cmd := Command(newHandler).(*command)
	cmd.ctx = context.WithValue(ctx, contextKey, "bar")
	listening := make(chan string, 1)
	cmd.listening = func(a net.Addr) { listening <- a.String() }

	done := make(chan int, 1)
	stderr = &bytes.Buffer{}
	go func() {
		var stdout bytes.Buffer
		done <- cmd.RunCommand("jobexec serve", []string{"-config", "-", "-skip-env"}, strings.NewReader(testConfig), &stdout, stderr)
	}()
	select {
	case addr = <-listening:
	case code := <-done:
		c.Fatalf("command exited %d before listening: %s", code, stderr.String())
	case <-time.After(10 * time.Second):
		c.Fatal("timed out")
	}
	return addr, stderr, cancel, done
}

func (s *Suite) get(c *check.C, url, token string) (int, string) {
	req, err := http.NewRequest("GET", url, nil)
	c.Assert(err, check.IsNil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	c.Assert(err, check.IsNil)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	c.Check(err, check.IsNil)
	return resp.StatusCode, string(body)
}

func (s *Suite) TestCommand(c *check.C) {
	healthCheck := make(chan bool, 1)
	addr, stderr, cancel, exited := s.start(c, func(ctx context.Context, cfg *jobexec.Config, reg *prometheus.Registry) Handler {
		c.Check(ctx.Value(contextKey), check.Equals, "bar")
		c.Check(cfg.ManagementToken, check.Equals, "abcde")
		return &testHandler{ctx: ctx, healthCheck: healthCheck, handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("handled " + r.URL.Path))
		})}
	})
	defer cancel()
	select {
	case <-healthCheck:
	default:
		c.Error("command did not check health")
	}

	code, body := s.get(c, "http://"+addr+"/_health/ping", "abcde")
	c.Check(code, check.Equals, http.StatusOK)
	c.Check(body, check.Equals, `{"health":"OK"}`+"\n")

	code, _ = s.get(c, "http://"+addr+"/_health/ping", "")
	c.Check(code, check.Equals, http.StatusUnauthorized)

	code, _ = s.get(c, "http://"+addr+"/metrics", "wrong")
	c.Check(code, check.Equals, http.StatusForbidden)

	code, body = s.get(c, "http://"+addr+"/metrics", "abcde")
	c.Check(code, check.Equals, http.StatusOK)
	c.Check(body, check.Matches, `(?ms).*jobexec_version_running\{version=".*"\} 1.*`)

	code, body = s.get(c, "http://"+addr+"/foo", "")
	c.Check(code, check.Equals, http.StatusOK)
	c.Check(body, check.Equals, "handled /foo")

	cancel()
	select {
	case code := <-exited:
		c.Check(code, check.Equals, 0)
	case <-time.After(10 * time.Second):
		c.Fatal("command did not exit after cancel")
	}
	c.Check(stderr.String(), check.Matches, `(?ms).*"msg":"CheckHealth called".*`)
	c.Check(stderr.String(), check.Matches, `(?ms).*"msg":"listening".*`)
}

func (s *Suite) TestUnhealthy(c *check.C) {
	var stdout, stderr bytes.Buffer
	cmd := Command(func(ctx context.Context, cfg *jobexec.Config, reg *prometheus.Registry) Handler {
		return ErrorHandler(ctx, errors.New("database is on fire"))
	})
	code := cmd.RunCommand("jobexec serve", []string{"-config", "-", "-skip-env"}, strings.NewReader(testConfig), &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*database is on fire.*`)
}

func (s *Suite) TestErrorHandlerServe(c *check.C) {
	h := ErrorHandler(ctxlog.Context(context.Background(), ctxlog.TestLogger(c)), errors.New("no credential store"))
	select {
	case <-h.Done():
	default:
		c.Error("Done channel is not closed")
	}
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, httptest.NewRequest("POST", "/jobs", nil))
	c.Check(resp.Code, check.Equals, http.StatusServiceUnavailable)
	c.Check(resp.Body.String(), check.Equals, `{"error":"no credential store"}`+"\n")
}

func (s *Suite) TestHandlerDone(c *check.C) {
	done := make(chan struct{})
	_, _, cancel, exited := s.start(c, func(ctx context.Context, cfg *jobexec.Config, reg *prometheus.Registry) Handler {
		return &testHandler{ctx: ctx, done: done}
	})
	defer cancel()
	close(done)
	select {
	case code := <-exited:
		c.Check(code, check.Equals, 0)
	case <-time.After(10 * time.Second):
		c.Fatal("command did not exit after handler shut down")
	}
}

type testHandler struct {
	ctx         context.Context
	handler     http.Handler
	healthCheck chan bool
	done        chan struct{}
}

func (th *testHandler) Done() <-chan struct{}                            { return th.done }
func (th *testHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) { th.handler.ServeHTTP(w, r) }
func (th *testHandler) CheckHealth() error {
	ctxlog.FromContext(th.ctx).Info("CheckHealth called")
	select {
	case th.healthCheck <- true:
	default:
	}
	return nil
}
