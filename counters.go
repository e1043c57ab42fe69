// Copyright 2021-2024 Nokia
// Licensed under the BSD 3-Clause License.
// SPDX-License-Identifier: BSD-3-Clause

package restful

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	clientSpanLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "restful_client_span_latency_ms",
			Help:    "Latency of traced outgoing HTTP requests in milliseconds.",
			Buckets: []float64{1, 2, 5, 10, 100, 250, 500, 1000, 2000},
		},
		[]string{"method", "host"},
	)
	clientSpanCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "restful_client_span_total_count",
			Help: "Total number of traced outgoing HTTP requests.",
		},
		[]string{"method", "host", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(clientSpanLatency)
	prometheus.MustRegister(clientSpanCount)
}

// spanOutcome is "error" if no response was received. Else the status class, e.g. "2xx".
func spanOutcome(resp *http.Response, err error) string {
	if err != nil || resp == nil {
		return "error"
	}
	return strconv.Itoa(resp.StatusCode/100) + "xx"
}

func spanHost(rw *RequestWrapper) string {
	if u := rw.ResolvedURL(); u != nil {
		return u.Host
	}
	if u := rw.Request().URL; u != nil && u.Host != "" {
		return u.Host
	}
	return "unknown"
}

func recordSpanMetrics(rw *RequestWrapper, resp *http.Response, err error, start time.Time) {
	host := spanHost(rw)
	clientSpanLatency.WithLabelValues(rw.Method(), host).Observe(float64(time.Since(start).Milliseconds()))
	clientSpanCount.WithLabelValues(rw.Method(), host, spanOutcome(resp, err)).Inc()
}
