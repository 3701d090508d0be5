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

	"go.elastic.co/apm/v2"
	"go.opentelemetry.io/otel/trace"
)

// traceLink identifies a span recorded by another tracer.
type traceLink struct {
	traceID [16]byte
	spanID  [8]byte
}

func (l traceLink) apmLink() apm.SpanLink {
	return apm.SpanLink{Trace: l.traceID, Span: l.spanID}
}

func (l traceLink) otelLink() trace.Link {
	return trace.Link{SpanContext: trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: l.traceID,
		SpanID:  l.spanID,
	})}
}

// apmTraceLink returns a link to the APM transaction in ctx.
func apmTraceLink(ctx context.Context) (traceLink, bool) {
	tx := apm.TransactionFromContext(ctx)
	if tx == nil {
		return traceLink{}, false
	}
	tc := tx.TraceContext()
	if err := tc.Trace.Validate(); err != nil {
		return traceLink{}, false
	}
	return traceLink{traceID: tc.Trace, spanID: tc.Span}, true
}

// otelTraceLink returns a link to the OpenTelemetry span in ctx.
func otelTraceLink(ctx context.Context) (traceLink, bool) {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() || !sc.HasSpanID() {
		return traceLink{}, false
	}
	return traceLink{traceID: sc.TraceID(), spanID: sc.SpanID()}, true
}
