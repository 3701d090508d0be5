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

// Package docrestoretest provides a mock Elasticsearch cluster and snapshot
// fixtures for testing restores.
package docrestoretest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
	"go.elastic.co/apm/module/apmelasticsearch/v2"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esutil"
)

// BulkAction is an action and its document, decoded from a bulk request.
type BulkAction struct {
	Action string
	Index  string
	ID     string
	Source json.RawMessage
}

// DecodeBulkRequest decodes a /_bulk request's body, returning the decoded actions and a response body.
func DecodeBulkRequest(r *http.Request) ([]BulkAction, esutil.BulkIndexerResponse) {
	body := r.Body
	switch r.Header.Get("Content-Encoding") {
	case "gzip":
		r, err := gzip.NewReader(body)
		if err != nil {
			panic(err)
		}
		defer r.Close()
		body = r
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	var actions []BulkAction
	var result esutil.BulkIndexerResponse
	for scanner.Scan() {
		action := make(map[string]struct {
			Index string `json:"_index"`
			ID    string `json:"_id"`
		})
		if err := json.NewDecoder(strings.NewReader(scanner.Text())).Decode(&action); err != nil {
			panic(err)
		}
		var decoded BulkAction
		for actionType, meta := range action {
			decoded.Action = actionType
			decoded.Index = meta.Index
			decoded.ID = meta.ID
		}
		if !scanner.Scan() {
			panic("expected source")
		}

		doc := append([]byte{}, scanner.Bytes()...)
		if !json.Valid(doc) {
			panic(fmt.Errorf("invalid JSON: %s", doc))
		}
		decoded.Source = doc
		actions = append(actions, decoded)

		item := esutil.BulkIndexerResponseItem{
			Index:      decoded.Index,
			DocumentID: decoded.ID,
			Status:     http.StatusCreated,
		}
		result.Items = append(result.Items, map[string]esutil.BulkIndexerResponseItem{decoded.Action: item})
	}
	return actions, result
}

// IndexAll is a bulk handler reporting every document as created.
func IndexAll(w http.ResponseWriter, r *http.Request) {
	_, result := DecodeBulkRequest(r)
	json.NewEncoder(w).Encode(result)
}

// AcknowledgeCreateIndex is a create index handler acknowledging the request.
func AcknowledgeCreateIndex(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]any{
		"acknowledged":        true,
		"shards_acknowledged": true,
		"index":               r.PathValue("index"),
	})
}

// RejectCreateIndex is a create index handler answering like a cluster
// where the index already exists.
func RejectCreateIndex(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"type":   "resource_already_exists_exception",
			"reason": fmt.Sprintf("index [%s/abc] already exists", r.PathValue("index")),
		},
		"status": http.StatusBadRequest,
	})
}

// Handlers holds the handlers of a mock cluster. A nil handler answers
// with the default behaviour: IndexAll and AcknowledgeCreateIndex.
type Handlers struct {
	Bulk        http.HandlerFunc
	CreateIndex http.HandlerFunc
}

// NewMockElasticsearch starts an httptest.Server answering ping, create
// index and bulk requests. The server will be closed via t.Cleanup.
func NewMockElasticsearch(t testing.TB, h Handlers) *httptest.Server {
	if h.Bulk == nil {
		h.Bulk = IndexAll
	}
	if h.CreateIndex == nil {
		h.CreateIndex = AcknowledgeCreateIndex
	}
	mux := http.NewServeMux()
	HandlePing(mux)
	HandleBulk(mux, h.Bulk)
	HandleCreateIndex(mux, h.CreateIndex)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// NewMockElasticsearchClient returns an elasticsearch.Client which sends /_bulk requests to bulkHandler.
func NewMockElasticsearchClient(t testing.TB, bulkHandler http.HandlerFunc) *elasticsearch.Client {
	srv := NewMockElasticsearch(t, Handlers{Bulk: bulkHandler})
	config := elasticsearch.Config{}
	config.Addresses = []string{srv.URL}
	config.DisableRetry = true
	config.Transport = apmelasticsearch.WrapRoundTripper(http.DefaultTransport)
	client, err := elasticsearch.NewClient(config)
	require.NoError(t, err)
	return client
}

// HandlePing registers a handler with mux answering requests to the root
// path, as used by ping and info requests.
func HandlePing(mux *http.ServeMux) {
	mux.HandleFunc("/{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"cluster_name": "docrestoretest",
			"version":      map[string]any{"number": "8.15.0"},
		})
	})
}

// HandleBulk registers bulkHandler with mux for handling /_bulk requests,
// wrapping bulkHandler to conform with go-elasticsearch version checking.
func HandleBulk(mux *http.ServeMux, bulkHandler http.HandlerFunc) {
	mux.HandleFunc("POST /_bulk", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		bulkHandler.ServeHTTP(w, r)
	})
}

// HandleCreateIndex registers createHandler with mux for handling create
// index requests. The index name is available as r.PathValue("index").
func HandleCreateIndex(mux *http.ServeMux, createHandler http.HandlerFunc) {
	mux.HandleFunc("PUT /{index}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		createHandler.ServeHTTP(w, r)
	})
}

// Snapshot describes the content of a snapshot directory.
type Snapshot struct {
	// Settings holds the content of settings.json. If nil, ExportedSettings
	// is used.
	Settings map[string]any
	// Mappings holds the content of mappings.json. If nil, an empty
	// mapping is written.
	Mappings map[string]any
	// Documents holds the lines of data.json.
	Documents []string
	// Compress writes data.json.gz instead of data.json.
	Compress bool
}

// ExportedSettings returns settings as exported from a cluster, including
// the keys assigned by that cluster.
func ExportedSettings() map[string]any {
	return map[string]any{
		"index": map[string]any{
			"number_of_shards":   "1",
			"number_of_replicas": "0",
			"routing": map[string]any{
				"allocation": map[string]any{
					"include": map[string]any{"_tier_preference": "data_content"},
				},
			},
			"provided_name": "source-index",
			"creation_date": "1700000000000",
			"uuid":          "Zx8m1Vd3Qp2lXkzQ6r5vKw",
			"version":       map[string]any{"created": "8150099"},
		},
	}
}

// GenerateDocuments returns n exported documents with IDs "0" to "n-1".
func GenerateDocuments(n int) []string {
	docs := make([]string, n)
	for i := range docs {
		docs[i] = fmt.Sprintf(
			`{"_index":"source-index","_id":"%d","_score":1,"_source":{"n":%d,"message":"document %d"}}`,
			i, i, i,
		)
	}
	return docs
}

// WriteSnapshot writes s into dir.
func WriteSnapshot(t testing.TB, dir string, s Snapshot) {
	t.Helper()
	if s.Settings == nil {
		s.Settings = ExportedSettings()
	}
	if s.Mappings == nil {
		s.Mappings = map[string]any{}
	}
	writeJSONLine := func(name string, v any) {
		b, err := json.Marshal(v)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), append(b, '\n'), 0o644))
	}
	writeJSONLine("settings.json", s.Settings)
	writeJSONLine("mappings.json", s.Mappings)

	data := strings.Join(s.Documents, "\n")
	if len(s.Documents) > 0 {
		data += "\n"
	}
	if !s.Compress {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "data.json"), []byte(data), 0o644))
		return
	}
	f, err := os.Create(filepath.Join(dir, "data.json.gz"))
	require.NoError(t, err)
	defer f.Close()
	gw := gzip.NewWriter(f)
	_, err = gw.Write([]byte(data))
	require.NoError(t, err)
	require.NoError(t, gw.Close())
}
