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

// Package cmd holds the docrestore command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.elastic.co/apm/module/apmzap/v2"
	"go.elastic.co/apm/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/elastic/go-docrestore"
)

// EnvPrefix is the prefix of the environment variables that may be used
// in place of flags, e.g. DOCRESTORE_ELASTIC_ADDRESS.
const EnvPrefix = "DOCRESTORE"

const (
	flagElasticAddress     = "elastic_address"
	flagIndex              = "index"
	flagInputDir           = "input_dir"
	flagLimit              = "limit"
	flagChunkSize          = "chunk_size"
	flagConnectionPoolSize = "connection_pool_size"
	flagMode               = "mode"
	flagMaxRequests        = "max_requests"
	flagCompressionLevel   = "compression_level"
	flagRequestTimeout     = "request_timeout"
	flagRelaxedMetadata    = "relaxed_metadata"
	flagUsername           = "username"
	flagPassword           = "password"
	flagAPIKey             = "api_key"
	flagLogLevel           = "log_level"
)

var requiredFlags = []string{flagElasticAddress, flagIndex, flagInputDir}

// RootCmd returns the docrestore command.
func RootCmd() *cobra.Command {
	return newRootCmd(viper.New())
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "docrestore",
		Short: "Restore an exported index snapshot into Elasticsearch.",
		Long: `docrestore restores an index exported as settings.json, mappings.json
and data.json (or data.json.gz) into an Elasticsearch cluster.

In the default mode the index is created from the exported settings and
mappings before the documents are uploaded. In data mode only the
documents are uploaded.

Every flag may also be set with an environment variable, e.g.
DOCRESTORE_ELASTIC_ADDRESS=localhost:9200.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadParams(v)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cmd.OutOrStdout(), p)
		},
	}
	addFlags(cmd.Flags())
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		panic(err)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	return cmd
}

func addFlags(flags *pflag.FlagSet) {
	flags.String(flagElasticAddress, "", "Elasticsearch address, e.g. localhost:9200 (required)")
	flags.String(flagIndex, "", "name of the index to restore into (required)")
	flags.String(flagInputDir, "", "directory holding the exported snapshot (required)")
	flags.Int(flagLimit, 0, "maximum number of documents to restore, 0 for all")
	flags.Int(flagChunkSize, 500, "number of documents per bulk request")
	flags.Int(flagConnectionPoolSize, 5, "number of connections to the cluster")
	flags.String(flagMode, string(docrestore.ModeDefault), "restore mode: default or data")
	flags.Int(flagMaxRequests, 0, "maximum number of bulk requests in flight, defaults to connection_pool_size")
	flags.Int(flagCompressionLevel, 0, "gzip level for bulk request bodies, 0 disables compression")
	flags.Duration(flagRequestTimeout, 0, "timeout of a single bulk request, 0 for none")
	flags.Bool(flagRelaxedMetadata, false, "accept exported settings with unknown keys")
	flags.String(flagUsername, "", "basic auth username")
	flags.String(flagPassword, "", "basic auth password")
	flags.String(flagAPIKey, "", "base64 encoded API key")
	flags.String(flagLogLevel, "info", "log level")
}

type params struct {
	ElasticAddress     string
	Index              string
	InputDir           string
	Limit              int
	ChunkSize          int
	ConnectionPoolSize int
	Mode               docrestore.Mode
	MaxRequests        int
	CompressionLevel   int
	RequestTimeout     time.Duration
	RelaxedMetadata    bool
	Username           string
	Password           string
	APIKey             string
	LogLevel           zapcore.Level
}

func loadParams(v *viper.Viper) (params, error) {
	var missing []string
	for _, name := range requiredFlags {
		if v.GetString(name) == "" {
			missing = append(missing, fmt.Sprintf("%q", name))
		}
	}
	if len(missing) > 0 {
		return params{}, fmt.Errorf("required flag(s) %s not set", strings.Join(missing, ", "))
	}
	mode, err := docrestore.ParseMode(v.GetString(flagMode))
	if err != nil {
		return params{}, err
	}
	level, err := zapcore.ParseLevel(v.GetString(flagLogLevel))
	if err != nil {
		return params{}, fmt.Errorf("invalid %s: %w", flagLogLevel, err)
	}
	return params{
		ElasticAddress:     v.GetString(flagElasticAddress),
		Index:              v.GetString(flagIndex),
		InputDir:           v.GetString(flagInputDir),
		Limit:              v.GetInt(flagLimit),
		ChunkSize:          v.GetInt(flagChunkSize),
		ConnectionPoolSize: v.GetInt(flagConnectionPoolSize),
		Mode:               mode,
		MaxRequests:        v.GetInt(flagMaxRequests),
		CompressionLevel:   v.GetInt(flagCompressionLevel),
		RequestTimeout:     v.GetDuration(flagRequestTimeout),
		RelaxedMetadata:    v.GetBool(flagRelaxedMetadata),
		Username:           v.GetString(flagUsername),
		Password:           v.GetString(flagPassword),
		APIKey:             v.GetString(flagAPIKey),
		LogLevel:           level,
	}, nil
}

func run(ctx context.Context, out io.Writer, p params) error {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger := zap.New(zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(out),
		p.LogLevel,
	))
	defer logger.Sync()

	tracer, err := newTracer()
	if err != nil {
		return err
	}
	if tracer != nil {
		defer tracer.Close()
		defer tracer.Flush(nil)
		logger = logger.WithOptions(zap.WrapCore((&apmzap.Core{Tracer: tracer}).WrapCore))
	}
	logger = logger.With(zap.String("run.id", uuid.NewString()))

	loader, err := docrestore.New(ctx, docrestore.Config{
		Logger:             logger,
		Tracer:             tracer,
		Address:            p.ElasticAddress,
		Username:           p.Username,
		Password:           p.Password,
		APIKey:             p.APIKey,
		Index:              p.Index,
		InputDir:           p.InputDir,
		Mode:               p.Mode,
		Limit:              p.Limit,
		ChunkSize:          p.ChunkSize,
		ConnectionPoolSize: p.ConnectionPoolSize,
		MaxRequests:        p.MaxRequests,
		CompressionLevel:   p.CompressionLevel,
		RequestTimeout:     p.RequestTimeout,
		RelaxedMetadata:    p.RelaxedMetadata,
	})
	if err != nil {
		var cerr *docrestore.ConnectivityError
		if errors.As(err, &cerr) {
			logger.Error("failed to connect to Elasticsearch", zap.String("address", cerr.Address), zap.Error(cerr.Err))
		}
		return err
	}
	defer loader.Close()

	summary, err := loader.Run(ctx)
	if err != nil {
		logger.Error("restore failed", zap.Error(err))
		return err
	}
	logger.Info("restore completed",
		zap.String("index", p.Index),
		zap.Duration("took", summary.Took),
		zap.Int64("documents", summary.RecordsRead),
		zap.Int64("docs_indexed", summary.DocumentsIndexed),
		zap.Int64("docs_failed", summary.DocumentsFailed),
		zap.Int64("batches_failed", summary.BatchesFailed),
	)
	return nil
}

// newTracer returns an APM tracer configured from the ELASTIC_APM_*
// environment variables, or nil if no APM server is configured.
func newTracer() (*apm.Tracer, error) {
	if os.Getenv("ELASTIC_APM_SERVER_URL") == "" {
		return nil, nil
	}
	tracer, err := apm.NewTracer("docrestore", "")
	if err != nil {
		return nil, fmt.Errorf("failed to create APM tracer: %w", err)
	}
	return tracer, nil
}
