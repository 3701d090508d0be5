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
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elastic/go-docrestore"
	"github.com/elastic/go-docrestore/docrestoretest"
)

func TestConnectionPool(t *testing.T) {
	var mu sync.Mutex
	remotes := map[string]struct{}{}
	mux := http.NewServeMux()
	docrestoretest.HandlePing(mux)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		remotes[r.RemoteAddr] = struct{}{}
		mu.Unlock()
		mux.ServeHTTP(w, r)
	}))
	defer srv.Close()

	pool, err := docrestore.NewConnectionPool(context.Background(), docrestore.PoolConfig{
		Address: strings.TrimPrefix(srv.URL, "http://"),
		Size:    3,
	})
	require.NoError(t, err)
	defer pool.Close()

	assert.Equal(t, 3, pool.Len())
	assert.Equal(t, srv.URL, pool.Address())

	// Every connection was checked over its own TCP connection.
	mu.Lock()
	assert.Len(t, remotes, 3)
	mu.Unlock()

	first := []docrestore.Connection{pool.Acquire(), pool.Acquire(), pool.Acquire()}
	assert.NotSame(t, first[0], first[1])
	assert.NotSame(t, first[1], first[2])
	assert.NotSame(t, first[0], first[2])
	for i := 0; i < 6; i++ {
		assert.Same(t, first[i%3], pool.Acquire())
	}

	res, err := esapi.PingRequest{}.Do(context.Background(), pool.Acquire())
	require.NoError(t, err)
	res.Body.Close()
	assert.False(t, res.IsError())
}

func TestConnectionPoolDefaultSize(t *testing.T) {
	srv := docrestoretest.NewMockElasticsearch(t, docrestoretest.Handlers{})
	pool, err := docrestore.NewConnectionPool(context.Background(), docrestore.PoolConfig{Address: srv.URL})
	require.NoError(t, err)
	defer pool.Close()
	assert.Equal(t, 5, pool.Len())
}

func TestConnectionPoolUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	address := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()

	_, err := docrestore.NewConnectionPool(context.Background(), docrestore.PoolConfig{
		Address: address,
		Size:    2,
	})
	var cerr *docrestore.ConnectivityError
	require.True(t, errors.As(err, &cerr), "expected *ConnectivityError, got %v", err)
	assert.Equal(t, "http://"+address, cerr.Address)
}

func TestConnectionPoolPingRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := docrestore.NewConnectionPool(context.Background(), docrestore.PoolConfig{Address: srv.URL})
	var cerr *docrestore.ConnectivityError
	assert.True(t, errors.As(err, &cerr), "expected *ConnectivityError, got %v", err)
}

func TestConnectionPoolInvalidConfig(t *testing.T) {
	_, err := docrestore.NewConnectionPool(context.Background(), docrestore.PoolConfig{})
	assert.Error(t, err)
	_, err = docrestore.NewConnectionPool(context.Background(), docrestore.PoolConfig{Address: "localhost:9200", Size: -1})
	assert.Error(t, err)
}
