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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	jsoniter "github.com/json-iterator/go"
)

const (
	settingsFile = "settings.json"
	mappingsFile = "mappings.json"
	dataFile     = "data.json"
)

// jsonAPI mirrors encoding/json, keeping numbers in their literal form so
// settings survive a decode/encode round trip unchanged.
var jsonAPI = jsoniter.Config{
	EscapeHTML:             true,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
	UseNumber:              true,
}.Froze()

var (
	errMissingID     = errors.New("missing _id")
	errMissingSource = errors.New("missing _source")
	errSourceType    = errors.New("_source must be a JSON object")
	errIDType        = errors.New("_id must be a string or a number")
)

// DocumentRecord is a single exported document.
type DocumentRecord struct {
	// ID holds the document _id. Numeric IDs are kept in their literal
	// form, e.g. 42 becomes "42".
	ID string

	// Source holds the raw _source JSON object.
	Source json.RawMessage
}

type exportedDocument struct {
	ID     json.RawMessage `json:"_id"`
	Source json.RawMessage `json:"_source"`
}

// DocumentReader reads documents from newline-delimited JSON, one document
// per line. Each line is an object holding at least _id and _source; any
// other field is ignored.
//
// DocumentReader reads forward only and stops at the first malformed line.
type DocumentReader struct {
	r       *bufio.Reader
	limit   int64
	records int64
	line    int64
	offset  int64
	done    bool
}

// NewDocumentReader returns a DocumentReader reading from r. If limit is
// positive, at most limit documents are returned.
func NewDocumentReader(r io.Reader, limit int) *DocumentReader {
	return &DocumentReader{
		r:     bufio.NewReaderSize(r, 64*1024),
		limit: int64(limit),
	}
}

// Next returns the next document. It returns io.EOF once the source is
// exhausted or the limit is reached, and a *ParseError for a line that is
// not a valid exported document. After an error, Next keeps returning io.EOF.
func (d *DocumentReader) Next() (DocumentRecord, error) {
	for !d.done {
		if d.limit > 0 && d.records >= d.limit {
			d.done = true
			break
		}
		start := d.offset
		line, err := d.r.ReadBytes('\n')
		d.offset += int64(len(line))
		if err != nil {
			d.done = true
			if err != io.EOF {
				return DocumentRecord{}, fmt.Errorf("failed to read documents: %w", err)
			}
		}
		if len(line) == 0 {
			continue
		}
		d.line++
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		rec, err := decodeDocument(line)
		if err != nil {
			d.done = true
			return DocumentRecord{}, &ParseError{Line: d.line, Offset: start, Err: err}
		}
		d.records++
		return rec, nil
	}
	return DocumentRecord{}, io.EOF
}

// Records returns the number of documents returned so far.
func (d *DocumentReader) Records() int64 {
	return d.records
}

// Offset returns the number of bytes consumed from the source.
func (d *DocumentReader) Offset() int64 {
	return d.offset
}

func decodeDocument(line []byte) (DocumentRecord, error) {
	var doc exportedDocument
	if err := jsonAPI.Unmarshal(line, &doc); err != nil {
		return DocumentRecord{}, err
	}
	id, err := documentID(doc.ID)
	if err != nil {
		return DocumentRecord{}, err
	}
	if len(doc.Source) == 0 || bytes.Equal(doc.Source, []byte("null")) {
		return DocumentRecord{}, errMissingSource
	}
	if doc.Source[0] != '{' {
		return DocumentRecord{}, errSourceType
	}
	return DocumentRecord{ID: id, Source: doc.Source}, nil
}

func documentID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", errMissingID
	}
	switch c := raw[0]; {
	case c == '"':
		var id string
		if err := jsoniter.Unmarshal(raw, &id); err != nil {
			return "", err
		}
		return id, nil
	case c == '-' || (c >= '0' && c <= '9'):
		return string(raw), nil
	}
	return "", errIDType
}

// OpenDocumentSource opens the document file of the snapshot in dir. If
// data.json does not exist, a gzip compressed data.json.gz is looked up
// and transparently decompressed.
func OpenDocumentSource(dir string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(dir, dataFile))
	if err == nil {
		return f, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	gzf, gzerr := os.Open(filepath.Join(dir, dataFile+".gz"))
	if gzerr != nil {
		if errors.Is(gzerr, fs.ErrNotExist) {
			return nil, err
		}
		return nil, gzerr
	}
	gr, err := gzip.NewReader(gzf)
	if err != nil {
		gzf.Close()
		return nil, fmt.Errorf("failed to decompress %s: %w", gzf.Name(), err)
	}
	return &gzipFile{Reader: gr, f: gzf}, nil
}

type gzipFile struct {
	*gzip.Reader
	f *os.File
}

func (g *gzipFile) Close() error {
	return errors.Join(g.Reader.Close(), g.f.Close())
}
