// Licensed to Elasticsearch B.V. under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Elasticsearch B.V. licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package docrestore

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	flushDuration metric.Float64Histogram
	docsRead      metric.Int64Counter
	bulkRequests  metric.Int64Counter
	bytesTotal    metric.Int64Counter
	inflight      metric.Int64UpDownCounter
}

type histogramMetric struct {
	name        string
	description string
	unit        string
	p           *metric.Float64Histogram
}

type counterMetric struct {
	name        string
	description string
	unit        string
	p           *metric.Int64Counter
}

func newMetrics(cfg Config, state *ingestionState) (*metrics, metric.Registration, error) {
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}
	meter := cfg.MeterProvider.Meter("github.com/elastic/go-docrestore")
	ms := metrics{}
	histograms := []histogramMetric{
		{
			name:        "docrestore.flushed.latency",
			description: "The amount of time a _bulk request took, in seconds.",
			unit:        "s",
			p:           &ms.flushDuration,
		},
	}
	for _, m := range histograms {
		if err := newFloat64Histogram(meter, m); err != nil {
			return nil, nil, err
		}
	}

	counters := []counterMetric{
		{
			name:        "docrestore.documents.read",
			description: "The number of documents read from the snapshot.",
			p:           &ms.docsRead,
		},
		{
			name:        "docrestore.bulk_requests.count",
			description: "The number of bulk requests completed. Dimensions report success or failure.",
			p:           &ms.bulkRequests,
		},
		{
			name:        "docrestore.flushed.bytes",
			description: "The total number of bytes written to the request body",
			unit:        "by",
			p:           &ms.bytesTotal,
		},
	}
	for _, m := range counters {
		if err := newInt64Counter(meter, m); err != nil {
			return nil, nil, err
		}
	}

	inflight, err := meter.Int64UpDownCounter(
		"docrestore.bulk_requests.inflight",
		metric.WithUnit("1"),
		metric.WithDescription("The number of bulk requests in flight."),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed creating docrestore.bulk_requests.inflight metric: %w", err)
	}
	ms.inflight = inflight

	docsProcessed, err := meter.Int64ObservableCounter(
		"docrestore.documents.processed",
		metric.WithUnit("1"),
		metric.WithDescription("Number of documents Elasticsearch reported as indexed or failed."),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed creating docrestore.documents.processed metric: %w", err)
	}
	reg, err := meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		attrs := metric.WithAttributeSet(cfg.MetricAttributes)
		obs.ObserveInt64(docsProcessed, state.docsIndexed.Load(), attrs,
			metric.WithAttributes(attribute.String("status", "Success")),
		)
		obs.ObserveInt64(docsProcessed, state.docsFailed.Load(), attrs,
			metric.WithAttributes(attribute.String("status", "Failed")),
		)
		return nil
	}, docsProcessed)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to register metric callback: %w", err)
	}
	return &ms, reg, nil
}

func newInt64Counter(meter metric.Meter, c counterMetric) error {
	unit := c.unit
	if unit == "" {
		unit = "1"
	}
	m, err := meter.Int64Counter(
		c.name,
		metric.WithUnit(unit),
		metric.WithDescription(c.description),
	)
	if err != nil {
		return fmt.Errorf(
			"failed creating %s metric: %w", c.name, err,
		)
	}
	*c.p = m
	return nil
}

func newFloat64Histogram(meter metric.Meter, h histogramMetric) error {
	m, err := meter.Float64Histogram(
		h.name,
		metric.WithUnit(h.unit),
		metric.WithDescription(h.description),
	)
	if err != nil {
		return fmt.Errorf(
			"failed creating %s metric: %w", h.name, err,
		)
	}
	*h.p = m
	return nil
}
