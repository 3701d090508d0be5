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

package docrestore_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elastic/go-docrestore"
)

func TestParseMode(t *testing.T) {
	for input, expected := range map[string]docrestore.Mode{
		"":        docrestore.ModeDefault,
		"default": docrestore.ModeDefault,
		"data":    docrestore.ModeData,
	} {
		mode, err := docrestore.ParseMode(input)
		require.NoError(t, err)
		assert.Equal(t, expected, mode)
	}

	_, err := docrestore.ParseMode("DATA")
	assert.EqualError(t, err, `invalid mode "DATA", expected one of [data default]`)
}

func TestDefaultConfig(t *testing.T) {
	cfg := docrestore.DefaultConfig(docrestore.Config{})
	assert.NotNil(t, cfg.Logger)
	assert.Equal(t, docrestore.ModeDefault, cfg.Mode)
	assert.Equal(t, 500, cfg.ChunkSize)
	assert.Equal(t, 5, cfg.ConnectionPoolSize)
	assert.Equal(t, 5, cfg.MaxRequests)
	assert.Equal(t, 10*time.Second, cfg.ConnectTimeout)

	cfg = docrestore.DefaultConfig(docrestore.Config{ConnectionPoolSize: 2})
	assert.Equal(t, 2, cfg.MaxRequests)

	cfg = docrestore.DefaultConfig(docrestore.Config{ConnectionPoolSize: 2, MaxRequests: 8})
	assert.Equal(t, 8, cfg.MaxRequests)
}

func TestConfigValidate(t *testing.T) {
	valid := docrestore.DefaultConfig(docrestore.Config{
		Address:  "localhost:9200",
		Index:    "restored",
		InputDir: "/data",
	})
	require.NoError(t, valid.Validate())

	for _, tc := range []struct {
		name     string
		modify   func(*docrestore.Config)
		expected string
	}{
		{"missing_address", func(c *docrestore.Config) { c.Address = "" }, "address"},
		{"missing_index", func(c *docrestore.Config) { c.Index = "" }, "index"},
		{"missing_input_dir", func(c *docrestore.Config) { c.InputDir = "" }, "input"},
		{"source_without_data_mode", func(c *docrestore.Config) {
			c.InputDir = ""
			c.Source = strings.NewReader("")
		}, "input"},
		{"invalid_mode", func(c *docrestore.Config) { c.Mode = "full" }, `invalid mode "full"`},
		{"negative_limit", func(c *docrestore.Config) { c.Limit = -1 }, "expected Limit >= 0, got -1"},
		{"negative_chunk_size", func(c *docrestore.Config) { c.ChunkSize = -5 }, "expected ChunkSize > 0, got -5"},
		{"negative_pool_size", func(c *docrestore.Config) { c.ConnectionPoolSize = -1 }, "expected ConnectionPoolSize > 0, got -1"},
		{"negative_max_requests", func(c *docrestore.Config) { c.MaxRequests = -1 }, "expected MaxRequests > 0, got -1"},
		{"compression_level", func(c *docrestore.Config) { c.CompressionLevel = -2 }, "expected CompressionLevel in range [-1,9], got -2"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid
			tc.modify(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, strings.ToLower(err.Error()), strings.ToLower(tc.expected))
		})
	}

	dataOnly := valid
	dataOnly.InputDir = ""
	dataOnly.Mode = docrestore.ModeData
	dataOnly.Source = strings.NewReader("")
	assert.NoError(t, dataOnly.Validate())
}
