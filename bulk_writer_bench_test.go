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
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.elastic.co/fastjson"

	"github.com/elastic/go-docrestore"
	"github.com/elastic/go-docrestore/docrestoretest"
)

func BenchmarkBulkWriter(b *testing.B) {
	for _, level := range []struct {
		name  string
		level int
	}{
		{"NoCompression", gzip.NoCompression},
		{"BestSpeed", gzip.BestSpeed},
		{"DefaultCompression", gzip.DefaultCompression},
		{"BestCompression", gzip.BestCompression},
	} {
		b.Run(level.name, func(b *testing.B) {
			benchmarkBulkWriter(b, level.level)
		})
	}
}

func benchmarkBulkWriter(b *testing.B, compressionLevel int) {
	var indexed int64
	client := docrestoretest.NewMockElasticsearchClient(b, func(w http.ResponseWriter, r *http.Request) {
		body := io.Reader(r.Body)
		if r.Header.Get("Content-Encoding") == "gzip" {
			gr, err := gzip.NewReader(body)
			if err != nil {
				panic(err)
			}
			defer gr.Close()
			body = gr
		}

		var n int64
		var jsonw fastjson.Writer
		jsonw.RawString(`{"items":[`)
		scanner := bufio.NewScanner(body)
		for scanner.Scan() {
			// Action is always "index", skip decoding to avoid
			// inflating allocations in benchmark.
			if !scanner.Scan() {
				panic("expected source")
			}
			if n > 0 {
				jsonw.RawByte(',')
			}
			jsonw.RawString(`{"index":{"status":201}}`)
			n++
		}
		require.NoError(b, scanner.Err())
		jsonw.RawString(`]}`)
		w.Write(jsonw.Bytes())
		atomic.AddInt64(&indexed, n)
	})
	writer, err := docrestore.NewBulkWriter(docrestore.BulkWriterConfig{
		Index:            "restored",
		CompressionLevel: compressionLevel,
	})
	require.NoError(b, err)

	batch := make(docrestore.Batch, 500)
	var size int
	for i := range batch {
		batch[i] = docrestore.DocumentRecord{
			ID:     fmt.Sprint(i),
			Source: []byte(fmt.Sprintf(`{"@timestamp":"2024-01-01T00:00:00.000Z","message":"document %d","n":%d}`, i, i)),
		}
		size += len(batch[i].Source)
	}
	b.SetBytes(int64(size))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := writer.Submit(ctx, batch, client); err != nil {
				b.Fatal(err)
			}
		}
	})
	b.StopTimer()
	assert.Equal(b, int64(b.N*len(batch)), indexed)
}

func BenchmarkDocumentReader(b *testing.B) {
	data := strings.Join(docrestoretest.GenerateDocuments(1000), "\n") + "\n"
	b.SetBytes(int64(len(data)))
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		reader := docrestore.NewDocumentReader(strings.NewReader(data), 0)
		for {
			if _, err := reader.Next(); err != nil {
				if err != io.EOF {
					b.Fatal(err)
				}
				break
			}
		}
	}
}
