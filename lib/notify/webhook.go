// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"git.arvados.org/jobexec.git/sdk/go/jobexec"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// Events waiting for delivery beyond this are dropped.
const webhookQueueSize = 1000

// Webhook POSTs each event, as JSON, to a URL. Delivery happens in a
// background goroutine and failed requests are retried with backoff,
// so Publish never waits for the network.
type Webhook struct {
	URL    string
	client *retryablehttp.Client
	logger logrus.FieldLogger
	queue  chan jobexec.Event
	done   chan struct{}
	close  sync.Once
}

// NewWebhook returns a Webhook and starts its delivery goroutine.
func NewWebhook(url string, logger logrus.FieldLogger) *Webhook {
	client := retryablehttp.NewClient()
	client.RetryMax = 4
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.HTTPClient.Timeout = time.Minute
	client.Logger = leveledLogger{logger}
	wh := &Webhook{
		URL:    url,
		client: client,
		logger: logger.WithField("WebhookURL", url),
		queue:  make(chan jobexec.Event, webhookQueueSize),
		done:   make(chan struct{}),
	}
	go wh.run()
	return wh
}

// Publish implements jobexec.Notifier.
func (wh *Webhook) Publish(ev jobexec.Event) {
	select {
	case wh.queue <- ev:
	default:
		wh.logger.WithField("Event", ev.Type).Warn("webhook queue full, dropping event")
	}
}

// Close stops accepting events and returns when the queued ones have
// been delivered (or have failed).
func (wh *Webhook) Close() {
	wh.close.Do(func() { close(wh.queue) })
	<-wh.done
}

func (wh *Webhook) run() {
	defer close(wh.done)
	for ev := range wh.queue {
		err := wh.deliver(ev)
		if err != nil {
			wh.logger.WithError(err).WithField("Event", ev.Type).Warn("webhook delivery failed")
		}
	}
}

func (wh *Webhook) deliver(ev jobexec.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	req, err := retryablehttp.NewRequest(http.MethodPost, wh.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := wh.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("server responded %s", resp.Status)
	}
	return nil
}

// leveledLogger adapts a logrus logger to retryablehttp.
type leveledLogger struct {
	logger logrus.FieldLogger
}

func (l leveledLogger) fields(kv []interface{}) logrus.FieldLogger {
	logger := l.logger
	for i := 0; i+1 < len(kv); i += 2 {
		logger = logger.WithField(fmt.Sprint(kv[i]), kv[i+1])
	}
	return logger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.fields(kv).Error(msg) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.fields(kv).Warn(msg) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.fields(kv).Debug(msg) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.fields(kv).Debug(msg) }
