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
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/elastic/go-docrestore"
	"github.com/elastic/go-docrestore/docrestoretest"
	"github.com/elastic/go-elasticsearch/v8"
)

func newClient(t testing.TB, address string) *elasticsearch.Client {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:    []string{address},
		DisableRetry: true,
	})
	require.NoError(t, err)
	return client
}

func TestStripSettingsIdempotent(t *testing.T) {
	settings := docrestoretest.ExportedSettings()["index"].(map[string]any)
	once := docrestore.StripSettings(settings)
	twice := docrestore.StripSettings(once)

	assert.Equal(t, once, twice)
	assert.Equal(t, map[string]any{
		"number_of_shards":   "1",
		"number_of_replicas": "0",
	}, once)
	// The input is left untouched.
	assert.Contains(t, settings, "uuid")
}

func TestReadIndexMetadata(t *testing.T) {
	dir := t.TempDir()
	docrestoretest.WriteSnapshot(t, dir, docrestoretest.Snapshot{
		Mappings: map[string]any{
			"properties": map[string]any{"title": map[string]any{"type": "text"}},
		},
	})

	md, err := docrestore.ReadIndexMetadata(context.Background(), dir, true)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"number_of_shards":   "1",
		"number_of_replicas": "0",
	}, md.Settings)
	assert.JSONEq(t, `{"properties":{"title":{"type":"text"}}}`, string(md.Mappings))
}

func TestReadIndexMetadataMalformed(t *testing.T) {
	partial := docrestoretest.ExportedSettings()
	delete(partial["index"].(map[string]any), "uuid")

	for _, tc := range []struct {
		name     string
		settings map[string]any
		mappings string
		strict   bool
		file     string
	}{
		{
			name:     "missing_index",
			settings: map[string]any{"number_of_shards": "1"},
			strict:   false,
			file:     "settings.json",
		},
		{
			name:     "missing_cluster_key_strict",
			settings: partial,
			strict:   true,
			file:     "settings.json",
		},
		{
			name:     "mappings_not_an_object",
			mappings: `["title"]`,
			strict:   true,
			file:     "mappings.json",
		},
		{
			name:     "mappings_invalid",
			mappings: `{"properties":`,
			strict:   true,
			file:     "mappings.json",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			docrestoretest.WriteSnapshot(t, dir, docrestoretest.Snapshot{Settings: tc.settings})
			if tc.mappings != "" {
				require.NoError(t, os.WriteFile(filepath.Join(dir, "mappings.json"), []byte(tc.mappings+"\n"), 0o644))
			}
			_, err := docrestore.ReadIndexMetadata(context.Background(), dir, tc.strict)
			var merr *docrestore.MalformedMetadataError
			require.True(t, errors.As(err, &merr), "expected *MalformedMetadataError, got %v", err)
			assert.Equal(t, tc.file, merr.File)
		})
	}
}

func TestReadIndexMetadataRelaxed(t *testing.T) {
	partial := docrestoretest.ExportedSettings()
	delete(partial["index"].(map[string]any), "uuid")
	delete(partial["index"].(map[string]any), "routing")
	dir := t.TempDir()
	docrestoretest.WriteSnapshot(t, dir, docrestoretest.Snapshot{Settings: partial})

	md, err := docrestore.ReadIndexMetadata(context.Background(), dir, false)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"number_of_shards":   "1",
		"number_of_replicas": "0",
	}, md.Settings)
}

func TestReadIndexMetadataMissingFile(t *testing.T) {
	dir := t.TempDir()
	docrestoretest.WriteSnapshot(t, dir, docrestoretest.Snapshot{})
	require.NoError(t, os.Remove(filepath.Join(dir, "mappings.json")))

	_, err := docrestore.ReadIndexMetadata(context.Background(), dir, true)
	var merr *docrestore.MalformedMetadataError
	require.True(t, errors.As(err, &merr))
	assert.Equal(t, "mappings.json", merr.File)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestMetadataRestorer(t *testing.T) {
	var body map[string]any
	var createdIndex string
	srv := docrestoretest.NewMockElasticsearch(t, docrestoretest.Handlers{
		CreateIndex: func(w http.ResponseWriter, r *http.Request) {
			createdIndex = r.PathValue("index")
			b, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			require.NoError(t, json.Unmarshal(b, &body))
			docrestoretest.AcknowledgeCreateIndex(w, r)
		},
	})
	dir := t.TempDir()
	docrestoretest.WriteSnapshot(t, dir, docrestoretest.Snapshot{
		Mappings: map[string]any{
			"properties": map[string]any{"n": map[string]any{"type": "long"}},
		},
	})

	core, observed := observer.New(zapcore.DebugLevel)
	restorer := docrestore.NewMetadataRestorer("restored", true, zap.New(core))
	res, err := restorer.Restore(context.Background(), dir, newClient(t, srv.URL))
	require.NoError(t, err)
	assert.Equal(t, docrestore.CreateResult{Index: "restored", Acknowledged: true}, res)

	assert.Equal(t, "restored", createdIndex)
	assert.Equal(t, map[string]any{
		"settings": map[string]any{
			"number_of_shards":   "1",
			"number_of_replicas": "0",
		},
		"mappings": map[string]any{
			"properties": map[string]any{"n": map[string]any{"type": "long"}},
		},
	}, body)
	assert.Equal(t, 1, observed.FilterMessage("index created successfully").Len())
}

func TestMetadataRestorerRejected(t *testing.T) {
	srv := docrestoretest.NewMockElasticsearch(t, docrestoretest.Handlers{
		CreateIndex: docrestoretest.RejectCreateIndex,
	})
	dir := t.TempDir()
	docrestoretest.WriteSnapshot(t, dir, docrestoretest.Snapshot{})

	core, observed := observer.New(zapcore.DebugLevel)
	restorer := docrestore.NewMetadataRestorer("restored", true, zap.New(core))
	res, err := restorer.Restore(context.Background(), dir, newClient(t, srv.URL))
	require.NoError(t, err, "a rejected creation is not an error")
	assert.False(t, res.Acknowledged)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Contains(t, res.Reason, "resource_already_exists_exception")

	logs := observed.FilterMessage("index creation failed").All()
	require.Len(t, logs, 1)
	assert.Equal(t, zapcore.ErrorLevel, logs[0].Level)
}

func TestMetadataRestorerTransportError(t *testing.T) {
	srv := docrestoretest.NewMockElasticsearch(t, docrestoretest.Handlers{})
	client := newClient(t, srv.URL)
	srv.Close()

	dir := t.TempDir()
	docrestoretest.WriteSnapshot(t, dir, docrestoretest.Snapshot{})
	restorer := docrestore.NewMetadataRestorer("restored", true, nil)
	_, err := restorer.Restore(context.Background(), dir, client)
	var terr *docrestore.TransportError
	assert.True(t, errors.As(err, &terr), "expected *TransportError, got %v", err)
}
