// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package test

import (
	"bytes"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	check "gopkg.in/check.v1"
)

// GatherMetricsAsString returns the registry's metrics in text
// exposition format.
func GatherMetricsAsString(reg *prometheus.Registry) string {
	buf := bytes.NewBuffer(nil)
	enc := expfmt.NewEncoder(buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	got, _ := reg.Gather()
	for _, mf := range got {
		enc.Encode(mf)
	}
	return buf.String()
}

// GetMetricValue returns the current value of the indicated metric.
// Label names and values are given in pairs:
//
//	GetMetricValue(c, reg, "jobexec_metric_name", "label1", "value1")
func GetMetricValue(c *check.C, reg *prometheus.Registry, name string, labels ...string) float64 {
	gather, _ := reg.Gather()
	for _, mf := range gather {
		if mf.GetName() != name {
			continue
		}
	metric:
		for _, m := range mf.Metric {
			if 2*len(m.Label) != len(labels) {
				continue
			}
			for i, lp := range m.Label {
				if lp.GetName() != labels[i*2] || lp.GetValue() != labels[i*2+1] {
					continue metric
				}
			}
			if v, ok := metricValue(m); ok {
				return v
			}
			c.Fatalf("GetMetricValue: unsupported metric type: %s", m)
		}
	}
	c.Fatalf("metric not found: %s %v", name, labels)
	return -1
}

// metricValue returns the value of a counter or gauge, or the sample
// count of a histogram or summary.
func metricValue(m *dto.Metric) (float64, bool) {
	switch {
	case m.GetCounter() != nil:
		return m.GetCounter().GetValue(), true
	case m.GetGauge() != nil:
		return m.GetGauge().GetValue(), true
	case m.GetHistogram() != nil:
		return float64(m.GetHistogram().GetSampleCount()), true
	case m.GetSummary() != nil:
		return float64(m.GetSummary().GetSampleCount()), true
	}
	return 0, false
}
