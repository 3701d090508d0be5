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
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"go.elastic.co/apm/module/apmzap/v2"
	"go.elastic.co/apm/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ErrAlreadyRun is returned by Run when called more than once.
var ErrAlreadyRun = errors.New("loader has already run")

// Loader restores a snapshot into Elasticsearch.
//
// Documents are read sequentially and grouped into batches of
// `config.ChunkSize`. Each batch is sent as a bulk request in its own
// goroutine on the next connection of the pool, so reading carries on while
// earlier batches are in flight. Up to `config.MaxRequests` bulk requests may
// be in flight; reading pauses while that limit is reached.
//
// A failed bulk request does not stop the restore: it is logged and counted
// in the Summary. Reading stops at the first malformed document, after which
// the requests already in flight are awaited.
type Loader struct {
	config       Config
	pool         *ConnectionPool
	writer       *BulkWriter
	metadata     *MetadataRestorer
	metrics      *metrics
	registration metric.Registration
	state        ingestionState
	ran          atomic.Bool

	// tracer is an OTel tracer, and should not be confused with `l.config.Tracer`
	// which is an Elastic APM Tracer.
	tracer trace.Tracer
}

// ingestionState holds the counters of a run. Bulk requests complete
// concurrently, hence the atomics.
type ingestionState struct {
	recordsRead      atomic.Int64
	batchesSubmitted atomic.Int64
	batchesCompleted atomic.Int64
	batchesFailed    atomic.Int64
	docsIndexed      atomic.Int64
	docsFailed       atomic.Int64
}

// Summary reports the outcome of a run.
type Summary struct {
	// RecordsRead holds the number of documents read from the snapshot.
	RecordsRead int64

	// BatchesSubmitted holds the number of bulk requests started.
	BatchesSubmitted int64
	// BatchesCompleted holds the number of bulk requests accepted by
	// Elasticsearch.
	BatchesCompleted int64
	// BatchesFailed holds the number of bulk requests that failed with a
	// transport error.
	BatchesFailed int64

	// DocumentsIndexed and DocumentsFailed hold the per-document outcome
	// reported in the responses of completed bulk requests.
	DocumentsIndexed int64
	DocumentsFailed  int64

	// Index holds the result of the index creation. It is nil when the
	// metadata was not restored.
	Index *CreateResult

	// Took holds the duration of the run.
	Took time.Duration
}

// New returns a Loader for cfg. The connection pool is established before
// New returns, and a *ConnectivityError is returned if the cluster cannot be
// reached.
func New(ctx context.Context, cfg Config) (*Loader, error) {
	cfg = DefaultConfig(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	writer, err := NewBulkWriter(BulkWriterConfig{
		Index:            cfg.Index,
		CompressionLevel: cfg.CompressionLevel,
		Pipeline:         cfg.Pipeline,
	})
	if err != nil {
		return nil, fmt.Errorf("error creating bulk writer: %w", err)
	}
	l := &Loader{
		config:   cfg,
		writer:   writer,
		metadata: NewMetadataRestorer(cfg.Index, !cfg.RelaxedMetadata, cfg.Logger),
	}
	l.metrics, l.registration, err = newMetrics(cfg, &l.state)
	if err != nil {
		return nil, err
	}
	l.pool, err = NewConnectionPool(ctx, PoolConfig{
		Address:        cfg.Address,
		Size:           cfg.ConnectionPoolSize,
		Username:       cfg.Username,
		Password:       cfg.Password,
		APIKey:         cfg.APIKey,
		ConnectTimeout: cfg.ConnectTimeout,
	})
	if err != nil {
		l.registration.Unregister()
		return nil, err
	}
	if cfg.TracerProvider != nil {
		l.tracer = cfg.TracerProvider.Tracer("github.com/elastic/go-docrestore.loader")
	}
	return l, nil
}

// Close releases the connections and the metric registration of l.
func (l *Loader) Close() error {
	l.pool.Close()
	return l.registration.Unregister()
}

// Run restores the snapshot. In ModeDefault the index is created first;
// the documents are uploaded in every mode.
//
// Run returns a nil error when every batch was submitted, even if some of
// the bulk requests failed; those are reported in the Summary. Errors
// returned by Run are fatal: a *MalformedMetadataError or a *TransportError
// from the index creation, or a *ParseError from the document source.
func (l *Loader) Run(ctx context.Context) (Summary, error) {
	if !l.ran.CompareAndSwap(false, true) {
		return Summary{}, ErrAlreadyRun
	}
	start := time.Now()
	if l.config.Tracer != nil {
		var opts apm.TransactionOptions
		if link, ok := otelTraceLink(ctx); ok {
			opts.Links = []apm.SpanLink{link.apmLink()}
		}
		tx := l.config.Tracer.StartTransactionOptions("docrestore.run", "restore", opts)
		defer tx.End()
		ctx = apm.ContextWithTransaction(ctx, tx)
	}

	var created *CreateResult
	summary := func() Summary {
		s := l.Stats()
		s.Index = created
		s.Took = time.Since(start)
		return s
	}
	if l.config.Mode == ModeDefault {
		res, err := l.metadata.Restore(ctx, l.config.InputDir, l.pool.Acquire())
		if err != nil {
			return summary(), err
		}
		created = &res
	}

	src := l.config.Source
	if src == nil {
		rc, err := OpenDocumentSource(l.config.InputDir)
		if err != nil {
			return summary(), fmt.Errorf("failed to open document source: %w", err)
		}
		defer rc.Close()
		src = rc
	}
	err := l.upload(ctx, src)
	return summary(), err
}

// Stats returns the counters of the current run.
func (l *Loader) Stats() Summary {
	return Summary{
		RecordsRead:      l.state.recordsRead.Load(),
		BatchesSubmitted: l.state.batchesSubmitted.Load(),
		BatchesCompleted: l.state.batchesCompleted.Load(),
		BatchesFailed:    l.state.batchesFailed.Load(),
		DocumentsIndexed: l.state.docsIndexed.Load(),
		DocumentsFailed:  l.state.docsFailed.Load(),
	}
}

func (l *Loader) upload(ctx context.Context, src io.Reader) error {
	logger := l.logger(ctx)
	reader := NewDocumentReader(src, l.config.Limit)
	batches := NewBatchAccumulator(l.config.ChunkSize)
	slots := semaphore.NewWeighted(int64(l.config.MaxRequests))
	attrs := metric.WithAttributeSet(l.config.MetricAttributes)

	// We intentionally do not use errgroup.WithContext, because one bulk
	// request failure should not cancel the others.
	var g errgroup.Group
	var scheduled int64
	schedule := func(batch Batch) error {
		if err := slots.Acquire(ctx, 1); err != nil {
			return err
		}
		scheduled += int64(len(batch))
		l.state.batchesSubmitted.Add(1)
		conn := l.pool.Acquire()
		g.Go(func() error {
			defer slots.Release(1)
			l.submit(ctx, batch, conn)
			return nil
		})
		return nil
	}

	var readErr error
	for {
		if err := ctx.Err(); err != nil {
			readErr = err
			break
		}
		rec, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			readErr = err
			break
		}
		n := l.state.recordsRead.Add(1)
		l.metrics.docsRead.Add(context.Background(), 1, attrs)
		if batch, ok := batches.Push(rec); ok {
			if err := schedule(batch); err != nil {
				readErr = err
				break
			}
		}
		if n%int64(l.config.ChunkSize) == 0 {
			logger.Info(fmt.Sprintf("%d documents loaded", n), zap.Int64("documents", n))
		}
	}
	if readErr == nil {
		if batch, ok := batches.Flush(); ok {
			readErr = schedule(batch)
		}
	}
	// Bulk requests never return an error.
	_ = g.Wait()

	if readErr != nil {
		logger.Error("data upload aborted",
			zap.Error(readErr),
			zap.Int64("documents", l.state.recordsRead.Load()),
			zap.Int64("documents_not_submitted", l.state.recordsRead.Load()-scheduled),
			zap.Int64("offset", reader.Offset()),
		)
		return readErr
	}
	s := l.Stats()
	logger.Info("data upload finished",
		zap.Int64("documents", s.RecordsRead),
		zap.Int64("batches_submitted", s.BatchesSubmitted),
		zap.Int64("batches_completed", s.BatchesCompleted),
		zap.Int64("batches_failed", s.BatchesFailed),
		zap.Int64("docs_indexed", s.DocumentsIndexed),
		zap.Int64("docs_failed", s.DocumentsFailed),
	)
	return nil
}

// submit sends batch over conn and records the outcome. Failures are
// logged and counted, never returned.
func (l *Loader) submit(ctx context.Context, batch Batch, conn Connection) {
	logger := l.logger(ctx)
	var span trace.Span
	if l.otelTracingEnabled() {
		opts := []trace.SpanStartOption{
			trace.WithAttributes(attribute.Int("documents", len(batch))),
		}
		if link, ok := apmTraceLink(ctx); ok {
			opts = append(opts, trace.WithLinks(link.otelLink()))
		}
		ctx, span = l.tracer.Start(ctx, "docrestore.submit", opts...)
		defer span.End()

		// Add trace IDs to logger, to associate any per-item errors
		// below with the trace.
		logger = logger.With(
			zap.String("traceId", span.SpanContext().TraceID().String()),
			zap.String("spanId", span.SpanContext().SpanID().String()),
		)
	}
	if l.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.config.RequestTimeout)
		defer cancel()
	}

	attrs := metric.WithAttributeSet(l.config.MetricAttributes)
	l.metrics.inflight.Add(context.Background(), 1, attrs)
	defer l.metrics.inflight.Add(context.Background(), -1, attrs)

	var res BulkResult
	var err error
	took := timeFunc(func() {
		res, err = l.writer.Submit(ctx, batch, conn)
	})
	l.metrics.flushDuration.Record(context.Background(), took.Seconds(), attrs)
	if res.BytesFlushed > 0 {
		l.metrics.bytesTotal.Add(context.Background(), int64(res.BytesFlushed), attrs)
	}

	if err != nil {
		l.state.batchesFailed.Add(1)
		statusAttrs := []attribute.KeyValue{attribute.String("status", "Failed")}
		var terr *TransportError
		if errors.As(err, &terr) && terr.StatusCode != 0 {
			statusAttrs = append(statusAttrs, semconv.HTTPResponseStatusCode(terr.StatusCode))
		}
		l.metrics.bulkRequests.Add(context.Background(), 1, attrs, metric.WithAttributes(statusAttrs...))
		logger.Error("bulk request failed", zap.Int("documents", len(batch)), zap.Error(err))
		if l.otelTracingEnabled() && span.IsRecording() {
			span.RecordError(err)
			span.SetStatus(codes.Error, "bulk request failed")
		}
		if l.config.Tracer != nil {
			if e := apm.CaptureError(ctx, err); e != nil {
				e.Send()
			}
		}
		return
	}

	l.state.batchesCompleted.Add(1)
	l.state.docsIndexed.Add(res.Indexed)
	l.state.docsFailed.Add(int64(len(res.FailedDocs)))
	l.metrics.bulkRequests.Add(context.Background(), 1, attrs,
		metric.WithAttributes(attribute.String("status", "Success")),
	)

	type failure struct{ index, errType, reason string }
	var failedCount map[failure]int
	for _, item := range res.FailedDocs {
		if failedCount == nil {
			failedCount = make(map[failure]int)
		}
		failedCount[failure{item.Index, item.Error.Type, item.Error.Reason}]++
	}
	for key, count := range failedCount {
		logger.Error(fmt.Sprintf("failed to index documents in '%s' (%s): %s",
			key.index, key.errType, key.reason,
		), zap.Int("documents", count))
	}
	logger.Debug("bulk request completed",
		zap.Int("documents", res.Documents),
		zap.Int64("docs_indexed", res.Indexed),
		zap.Int("docs_failed", len(res.FailedDocs)),
		zap.Int("bytes", res.BytesFlushed),
	)
	if l.otelTracingEnabled() && span.IsRecording() {
		span.SetStatus(codes.Ok, "")
	}
}

// logger returns the configured logger, correlated with the APM
// transaction of ctx if there is one.
func (l *Loader) logger(ctx context.Context) *zap.Logger {
	if l.config.Tracer == nil {
		return l.config.Logger
	}
	return l.config.Logger.With(apmzap.TraceContext(ctx)...)
}

// otelTracingEnabled checks whether we should be doing tracing
// using otel tracer.
func (l *Loader) otelTracingEnabled() bool {
	return l.tracer != nil
}

func timeFunc(f func()) time.Duration {
	t0 := time.Now()
	if f != nil {
		f()
	}
	return time.Since(t0)
}
