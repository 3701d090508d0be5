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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"unsafe"

	"github.com/elastic/go-elasticsearch/v8/esapi"
	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/gzip"
	"go.elastic.co/fastjson"
)

// BulkWriter encodes batches into bulk requests. Each document is written
// with an index action, so a document replaces any existing document with
// the same ID.
//
// Per-document errors reported in a successful bulk response are counted
// but never retried; the batch is considered submitted once Elasticsearch
// accepted the request.
type BulkWriter struct {
	config  BulkWriterConfig
	buffers sync.Pool
}

// BulkWriterConfig holds configuration for BulkWriter.
type BulkWriterConfig struct {
	// Index holds the index documents are written to.
	Index string

	// CompressionLevel holds the gzip compression level, from 0 (gzip.NoCompression)
	// to 9 (gzip.BestCompression). The special value -1 (gzip.DefaultCompression)
	// selects the default compression level.
	CompressionLevel int

	// Pipeline holds the ingest pipeline ID.
	//
	// If Pipeline is empty, no ingest pipeline will be specified in the Bulk request.
	Pipeline string

	// Refresh holds the refresh parameter of the bulk requests.
	Refresh string
}

// BulkResult summarises a bulk request accepted by Elasticsearch.
type BulkResult struct {
	// Documents holds the number of documents sent.
	Documents int

	// Indexed holds the number of documents Elasticsearch reported as
	// written.
	Indexed int64

	// FailedDocs holds the items Elasticsearch reported as failed.
	FailedDocs []BulkResponseItem

	// BytesFlushed holds the size of the request body, after compression.
	BytesFlushed int
}

// BulkResponseItem represents an item of the Elasticsearch bulk response.
type BulkResponseItem struct {
	Index      string `json:"_index"`
	DocumentID string `json:"_id"`
	Status     int    `json:"status"`

	Error struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error,omitempty"`
}

type bulkResponseStat struct {
	Indexed    int64
	FailedDocs []BulkResponseItem
}

func init() {
	jsoniter.RegisterTypeDecoderFunc("docrestore.bulkResponseStat", func(ptr unsafe.Pointer, iter *jsoniter.Iterator) {
		stat := (*bulkResponseStat)(ptr)
		iter.ReadObjectCB(func(i *jsoniter.Iterator, s string) bool {
			switch s {
			case "items":
				i.ReadArrayCB(func(i *jsoniter.Iterator) bool {
					return i.ReadMapCB(func(i *jsoniter.Iterator, s string) bool {
						var item BulkResponseItem
						i.ReadObjectCB(func(i *jsoniter.Iterator, s string) bool {
							switch s {
							case "_index":
								item.Index = i.ReadString()
							case "_id":
								item.DocumentID = i.ReadString()
							case "status":
								item.Status = i.ReadInt()
							case "error":
								i.ReadObjectCB(func(i *jsoniter.Iterator, s string) bool {
									switch s {
									case "type":
										item.Error.Type = i.ReadString()
									case "reason":
										// Drop the preview of the offending field value.
										item.Error.Reason, _, _ = strings.Cut(
											i.ReadString(), ". Preview",
										)
									default:
										i.Skip()
									}
									return true
								})
							default:
								i.Skip()
							}
							return true
						})
						if item.Error.Type != "" || item.Status > 201 {
							stat.FailedDocs = append(stat.FailedDocs, item)
						} else {
							stat.Indexed++
						}
						return true
					})
				})
				// no need to proceed further, return early
				return false
			default:
				i.Skip()
				return true
			}
		})
	})
}

// NewBulkWriter returns a BulkWriter writing into cfg.Index.
func NewBulkWriter(cfg BulkWriterConfig) (*BulkWriter, error) {
	if cfg.Index == "" {
		return nil, errMissingIndex
	}
	if cfg.CompressionLevel < -1 || cfg.CompressionLevel > 9 {
		return nil, fmt.Errorf(
			"expected CompressionLevel in range [-1,9], got %d",
			cfg.CompressionLevel,
		)
	}
	w := &BulkWriter{config: cfg}
	w.buffers.New = func() any {
		b := &requestBuffer{}
		if cfg.CompressionLevel != gzip.NoCompression {
			b.gzipw, _ = gzip.NewWriterLevel(&b.buf, cfg.CompressionLevel)
			b.writer = b.gzipw
		} else {
			b.writer = &b.buf
		}
		return b
	}
	return w, nil
}

// Submit sends batch as one bulk request over conn.
//
// If the request cannot be sent, or Elasticsearch rejects it as a whole, a
// *TransportError is returned. The request is not retried.
func (w *BulkWriter) Submit(ctx context.Context, batch Batch, conn Connection) (BulkResult, error) {
	result := BulkResult{Documents: len(batch)}
	if len(batch) == 0 {
		return result, nil
	}
	b := w.buffers.Get().(*requestBuffer)
	defer func() {
		b.reset()
		w.buffers.Put(b)
	}()

	for _, rec := range batch {
		if err := b.add(w.config.Index, rec); err != nil {
			return result, fmt.Errorf("failed to encode document %q: %w", rec.ID, err)
		}
	}
	if b.gzipw != nil {
		if err := b.gzipw.Close(); err != nil {
			return result, fmt.Errorf("failed closing the gzip writer: %w", err)
		}
	}

	req := esapi.BulkRequest{
		Body:       &b.buf,
		Header:     make(http.Header),
		FilterPath: []string{"items.*._index", "items.*._id", "items.*.status", "items.*.error.type", "items.*.error.reason"},
		Pipeline:   w.config.Pipeline,
		Refresh:    w.config.Refresh,
	}
	if b.gzipw != nil {
		req.Header.Set("Content-Encoding", "gzip")
	}

	bytesFlushed := b.buf.Len()
	res, err := req.Do(ctx, conn)
	if err != nil {
		return result, &TransportError{Err: fmt.Errorf("failed to execute the request: %w", err)}
	}
	defer res.Body.Close()

	// Record the number of flushed bytes only when err == nil. The body may
	// not have been sent otherwise.
	result.BytesFlushed = bytesFlushed
	if res.IsError() {
		return result, &TransportError{StatusCode: res.StatusCode, Err: errors.New(res.String())}
	}

	var stat bulkResponseStat
	if err := jsoniter.NewDecoder(res.Body).Decode(&stat); err != nil {
		return result, &TransportError{
			StatusCode: res.StatusCode,
			Err:        fmt.Errorf("error decoding bulk response: %w", err),
		}
	}
	result.Indexed = stat.Indexed
	result.FailedDocs = stat.FailedDocs
	return result, nil
}

// requestBuffer holds the encoded body of one bulk request.
type requestBuffer struct {
	jsonw  fastjson.Writer
	writer io.Writer
	gzipw  *gzip.Writer
	buf    bytes.Buffer
}

func (b *requestBuffer) add(index string, rec DocumentRecord) error {
	b.jsonw.RawString(`{"index":{"_id":`)
	b.jsonw.String(rec.ID)
	b.jsonw.RawString(`,"_index":`)
	b.jsonw.String(index)
	b.jsonw.RawString("}}\n")
	_, err := b.writer.Write(b.jsonw.Bytes())
	b.jsonw.Reset()
	if err != nil {
		return fmt.Errorf("failed to write action: %w", err)
	}
	if _, err := b.writer.Write(rec.Source); err != nil {
		return fmt.Errorf("failed to write document: %w", err)
	}
	if _, err := b.writer.Write([]byte("\n")); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	return nil
}

func (b *requestBuffer) reset() {
	b.jsonw.Reset()
	b.buf.Reset()
	if b.gzipw != nil {
		b.gzipw.Reset(&b.buf)
	}
}
