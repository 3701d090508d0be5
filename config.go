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
	"fmt"
	"io"
	"time"

	"go.elastic.co/apm/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	defaultChunkSize          = 500
	defaultConnectionPoolSize = 5
	defaultConnectTimeout     = 10 * time.Second
)

// Mode selects which parts of a snapshot are restored.
type Mode string

const (
	// ModeDefault recreates the index from settings.json and mappings.json,
	// then uploads the documents.
	ModeDefault Mode = "default"
	// ModeData only uploads the documents.
	ModeData Mode = "data"
)

// ParseMode returns the Mode named by s.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeDefault, ModeData:
		return m, nil
	case "":
		return ModeDefault, nil
	}
	return "", fmt.Errorf("invalid mode %q, expected one of [data default]", s)
}

// Config holds configuration for Loader.
type Config struct {
	// Logger holds an optional Logger to use for logging progress and
	// failed bulk requests.
	//
	// If Logger is nil, logging will be disabled.
	Logger *zap.Logger

	// Tracer holds an optional apm.Tracer. When set, each Run is traced as
	// a transaction and the requests sent to Elasticsearch as spans.
	Tracer *apm.Tracer

	// TracerProvider holds an optional OTel TracerProvider used to trace
	// each bulk request.
	TracerProvider trace.TracerProvider

	// MeterProvider holds the OTel MeterProvider to be used to create and
	// record restore metrics.
	//
	// If unset, the global OTel MeterProvider will be used, if that is unset,
	// no metrics will be recorded.
	MeterProvider metric.MeterProvider

	// MetricAttributes holds any extra attributes to set in the recorded
	// metrics.
	MetricAttributes attribute.Set

	// Address holds the host:port of the target cluster. A scheme may be
	// given; http is assumed otherwise.
	Address string

	// Username and Password hold optional basic authentication credentials.
	Username string
	Password string

	// APIKey holds an optional base64 encoded API key.
	APIKey string

	// Index holds the name of the index to restore into.
	Index string

	// InputDir holds the snapshot directory.
	InputDir string

	// Source optionally overrides the document source. When nil, data.json
	// (or data.json.gz) is read from InputDir.
	Source io.Reader

	// Mode selects whether the index is recreated before uploading.
	//
	// If Mode is empty, ModeDefault is used.
	Mode Mode

	// Limit holds the maximum number of documents to read. Zero means no
	// limit.
	Limit int

	// ChunkSize holds the number of documents sent in a single bulk request.
	//
	// If ChunkSize is zero, the default of 500 will be used.
	ChunkSize int

	// ConnectionPoolSize holds the number of connections established to the
	// cluster.
	//
	// If ConnectionPoolSize is zero, the default of 5 will be used.
	ConnectionPoolSize int

	// MaxRequests holds the maximum number of bulk requests in flight. Reading
	// pauses while the limit is reached. The maximum memory usage of Loader is
	// thus approximately MaxRequests*ChunkSize documents.
	//
	// If MaxRequests is zero, ConnectionPoolSize is used.
	MaxRequests int

	// CompressionLevel holds the gzip compression level, from 0 (gzip.NoCompression)
	// to 9 (gzip.BestCompression). Higher values provide greater compression, at a
	// greater cost of CPU. The special value -1 (gzip.DefaultCompression) selects the
	// default compression level.
	CompressionLevel int

	// Pipeline holds the ingest pipeline ID.
	//
	// If Pipeline is empty, no ingest pipeline will be specified in the Bulk request.
	Pipeline string

	// RequestTimeout holds the timeout of a single bulk request.
	//
	// If RequestTimeout is zero, no timeout will be used.
	RequestTimeout time.Duration

	// ConnectTimeout bounds the connectivity check performed when the
	// connection pool is established.
	//
	// If ConnectTimeout is zero, the default of 10 seconds will be used.
	ConnectTimeout time.Duration

	// RelaxedMetadata accepts settings.json files that lack some of the
	// cluster-assigned keys normally present in an export.
	RelaxedMetadata bool
}

// DefaultConfig returns a copy of cfg with defaults applied to unset fields.
func DefaultConfig(cfg Config) Config {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeDefault
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.ConnectionPoolSize == 0 {
		cfg.ConnectionPoolSize = defaultConnectionPoolSize
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = cfg.ConnectionPoolSize
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	return cfg
}

// Validate checks that cfg describes a runnable restore.
func (cfg Config) Validate() error {
	if cfg.Address == "" {
		return errMissingAddress
	}
	if cfg.Index == "" {
		return errMissingIndex
	}
	if cfg.InputDir == "" && (cfg.Mode != ModeData || cfg.Source == nil) {
		return errMissingInputDir
	}
	if _, err := ParseMode(string(cfg.Mode)); err != nil {
		return err
	}
	if cfg.Limit < 0 {
		return fmt.Errorf("expected Limit >= 0, got %d", cfg.Limit)
	}
	if cfg.ChunkSize <= 0 {
		return fmt.Errorf("expected ChunkSize > 0, got %d", cfg.ChunkSize)
	}
	if cfg.ConnectionPoolSize <= 0 {
		return fmt.Errorf("expected ConnectionPoolSize > 0, got %d", cfg.ConnectionPoolSize)
	}
	if cfg.MaxRequests <= 0 {
		return fmt.Errorf("expected MaxRequests > 0, got %d", cfg.MaxRequests)
	}
	if cfg.CompressionLevel < -1 || cfg.CompressionLevel > 9 {
		return fmt.Errorf(
			"expected CompressionLevel in range [-1,9], got %d",
			cfg.CompressionLevel,
		)
	}
	return nil
}
