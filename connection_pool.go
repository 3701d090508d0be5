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
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/elastic/elastic-transport-go/v8/elastictransport"
	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"go.elastic.co/apm/module/apmelasticsearch/v2"
	"golang.org/x/sync/errgroup"
)

// Connection is a transport to the target cluster.
//
// Connections handed out by ConnectionPool are used by several bulk requests
// at the same time and must therefore be safe for concurrent use. The
// go-elasticsearch clients created by NewConnectionPool are.
type Connection = elastictransport.Interface

// PoolConfig holds configuration for ConnectionPool.
type PoolConfig struct {
	// Address holds the host:port of the cluster, optionally with a scheme.
	Address string

	// Size holds the number of connections to establish.
	//
	// If Size is zero, the default of 5 will be used.
	Size int

	Username string
	Password string
	APIKey   string

	// ConnectTimeout bounds the connectivity check of each connection.
	//
	// If ConnectTimeout is zero, the default of 10 seconds will be used.
	ConnectTimeout time.Duration
}

// ConnectionPool is a fixed set of independent connections to one cluster
// endpoint. Each connection has its own HTTP transport, so requests issued
// on different connections never share a TCP connection.
//
// Connections are handed out round-robin and never checked back in; the
// pool only spreads concurrent requests across its connections.
type ConnectionPool struct {
	address    string
	conns      []Connection
	transports []*http.Transport
	next       atomic.Uint64
}

// NewConnectionPool establishes cfg.Size connections to cfg.Address. Every
// connection is pinged before NewConnectionPool returns; if any of them
// cannot reach the cluster a *ConnectivityError is returned.
func NewConnectionPool(ctx context.Context, cfg PoolConfig) (*ConnectionPool, error) {
	if cfg.Address == "" {
		return nil, errMissingAddress
	}
	if cfg.Size == 0 {
		cfg.Size = defaultConnectionPoolSize
	}
	if cfg.Size < 0 {
		return nil, fmt.Errorf("expected pool size > 0, got %d", cfg.Size)
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	p := &ConnectionPool{address: normalizeAddress(cfg.Address)}
	for i := 0; i < cfg.Size; i++ {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		client, err := elasticsearch.NewClient(elasticsearch.Config{
			Addresses:    []string{p.address},
			Username:     cfg.Username,
			Password:     cfg.Password,
			APIKey:       cfg.APIKey,
			Transport:    apmelasticsearch.WrapRoundTripper(transport),
			DisableRetry: true,
		})
		if err != nil {
			p.Close()
			return nil, &ConnectivityError{Address: p.address, Err: err}
		}
		p.transports = append(p.transports, transport)
		p.conns = append(p.conns, client)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, conn := range p.conns {
		g.Go(func() error {
			return ping(gctx, conn, cfg.ConnectTimeout)
		})
	}
	if err := g.Wait(); err != nil {
		p.Close()
		return nil, &ConnectivityError{Address: p.address, Err: err}
	}
	return p, nil
}

// Acquire returns the next connection of the pool. It never blocks.
func (p *ConnectionPool) Acquire() Connection {
	n := p.next.Add(1) - 1
	return p.conns[n%uint64(len(p.conns))]
}

// Len returns the number of connections in the pool.
func (p *ConnectionPool) Len() int {
	return len(p.conns)
}

// Address returns the cluster endpoint the pool is connected to.
func (p *ConnectionPool) Address() string {
	return p.address
}

// Close closes the idle connections of every transport. Requests still in
// flight are not interrupted.
func (p *ConnectionPool) Close() {
	for _, t := range p.transports {
		t.CloseIdleConnections()
	}
}

func ping(ctx context.Context, conn Connection, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	res, err := esapi.PingRequest{}.Do(ctx, conn)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("ping failed: %s", res.Status())
	}
	return nil
}

func normalizeAddress(addr string) string {
	if strings.Contains(addr, "://") {
		return strings.TrimSuffix(addr, "/")
	}
	return "http://" + strings.TrimSuffix(addr, "/")
}
