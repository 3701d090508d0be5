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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/elastic/go-elasticsearch/v8/esapi"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// clusterLocalSettings are index settings assigned by the cluster that
// exported the index. They must not be sent when recreating the index.
var clusterLocalSettings = []string{
	"routing",
	"provided_name",
	"creation_date",
	"uuid",
	"version",
}

// IndexMetadata holds the portable settings and mappings of an index.
type IndexMetadata struct {
	Settings map[string]any
	Mappings json.RawMessage
}

// CreateResult reports the outcome of the index creation request.
type CreateResult struct {
	Index        string
	Acknowledged bool

	// StatusCode and Reason describe a rejected request. Both are empty
	// when the index was created.
	StatusCode int
	Reason     string
}

// MetadataRestorer recreates an index from the settings and mappings of a
// snapshot.
type MetadataRestorer struct {
	index  string
	strict bool
	logger *zap.Logger
}

// NewMetadataRestorer returns a MetadataRestorer creating index. In strict
// mode, settings.json must contain every cluster-assigned key of an export.
func NewMetadataRestorer(index string, strict bool, logger *zap.Logger) *MetadataRestorer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MetadataRestorer{index: index, strict: strict, logger: logger}
}

// Restore reads the metadata found in dir and creates the index over conn.
//
// A rejection by the cluster, such as an already existing index, is not
// an error: it is logged and reported in the returned CreateResult.
func (m *MetadataRestorer) Restore(ctx context.Context, dir string, conn Connection) (CreateResult, error) {
	md, err := ReadIndexMetadata(ctx, dir, m.strict)
	if err != nil {
		return CreateResult{Index: m.index}, err
	}
	return m.Create(ctx, md, conn)
}

// Create issues a single create index request with md as body.
func (m *MetadataRestorer) Create(ctx context.Context, md IndexMetadata, conn Connection) (CreateResult, error) {
	result := CreateResult{Index: m.index}
	body, err := jsonAPI.Marshal(struct {
		Settings map[string]any `json:"settings"`
		Mappings json.RawMessage `json:"mappings,omitempty"`
	}{md.Settings, md.Mappings})
	if err != nil {
		return result, fmt.Errorf("failed to encode index metadata: %w", err)
	}

	res, err := esapi.IndicesCreateRequest{
		Index: m.index,
		Body:  bytes.NewReader(body),
	}.Do(ctx, conn)
	if err != nil {
		return result, &TransportError{Err: err}
	}
	defer res.Body.Close()

	var resp struct {
		Acknowledged bool `json:"acknowledged"`
		Error        struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	}
	if err := jsoniter.NewDecoder(res.Body).Decode(&resp); err != nil && !errors.Is(err, io.EOF) {
		m.logger.Debug("failed to decode create index response", zap.Error(err))
	}
	result.Acknowledged = !res.IsError() && resp.Acknowledged
	if !result.Acknowledged {
		result.StatusCode = res.StatusCode
		result.Reason = resp.Error.Reason
		if resp.Error.Type != "" {
			result.Reason = resp.Error.Type + ": " + resp.Error.Reason
		}
		m.logger.Error("index creation failed",
			zap.String("index", m.index),
			zap.Int("status", res.StatusCode),
			zap.String("reason", result.Reason),
		)
		return result, nil
	}
	m.logger.Info("index created successfully", zap.String("index", m.index))
	return result, nil
}

// ReadIndexMetadata reads settings.json and mappings.json from dir.
//
// Both files hold a single JSON document on their first line. The settings
// are taken from the top-level "index" object and stripped of the
// cluster-assigned keys. In strict mode a missing cluster-assigned key is
// reported as a *MalformedMetadataError, since it suggests the file was not
// produced by an export.
func ReadIndexMetadata(ctx context.Context, dir string, strict bool) (IndexMetadata, error) {
	var settingsLine, mappingsLine []byte
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		settingsLine, err = readFirstLine(filepath.Join(dir, settingsFile))
		return err
	})
	g.Go(func() (err error) {
		mappingsLine, err = readFirstLine(filepath.Join(dir, mappingsFile))
		return err
	})
	if err := g.Wait(); err != nil {
		return IndexMetadata{}, err
	}

	settings, err := parseSettings(settingsLine, strict)
	if err != nil {
		return IndexMetadata{}, &MalformedMetadataError{File: settingsFile, Err: err}
	}
	mappings := json.RawMessage(bytes.TrimSpace(mappingsLine))
	if len(mappings) == 0 || mappings[0] != '{' || !jsoniter.Valid(mappings) {
		return IndexMetadata{}, &MalformedMetadataError{
			File: mappingsFile,
			Err:  errors.New("expected a JSON object"),
		}
	}
	return IndexMetadata{Settings: settings, Mappings: mappings}, nil
}

func parseSettings(line []byte, strict bool) (map[string]any, error) {
	var doc map[string]any
	if err := jsonAPI.Unmarshal(line, &doc); err != nil {
		return nil, err
	}
	index, ok := doc["index"].(map[string]any)
	if !ok {
		return nil, errors.New(`missing top-level "index" object`)
	}
	if strict {
		for _, key := range clusterLocalSettings {
			if _, ok := index[key]; !ok {
				return nil, fmt.Errorf("missing index setting %q", key)
			}
		}
	}
	return StripSettings(index), nil
}

// StripSettings returns a copy of settings without the keys assigned by the
// cluster the index was exported from. Stripping is idempotent.
func StripSettings(settings map[string]any) map[string]any {
	stripped := make(map[string]any, len(settings))
	for k, v := range settings {
		stripped[k] = v
	}
	for _, key := range clusterLocalSettings {
		delete(stripped, key)
	}
	return stripped
}

func readFirstLine(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &MalformedMetadataError{File: filepath.Base(path), Err: err}
	}
	defer f.Close()
	line, err := bufio.NewReader(f).ReadBytes('\n')
	if err != nil && err != io.EOF {
		return nil, &MalformedMetadataError{File: filepath.Base(path), Err: err}
	}
	if len(bytes.TrimSpace(line)) == 0 {
		return nil, &MalformedMetadataError{File: filepath.Base(path), Err: errors.New("file is empty")}
	}
	return line, nil
}
