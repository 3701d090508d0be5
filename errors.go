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
	"errors"
	"fmt"
)

var (
	errMissingIndex    = errors.New("missing index name")
	errMissingInputDir = errors.New("missing input directory")
	errMissingAddress  = errors.New("missing elasticsearch address")
)

// ConnectivityError is returned when the connection pool cannot reach the
// target cluster while it is being established. No work is done after it.
type ConnectivityError struct {
	Address string
	Err     error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("elasticsearch at %s is unreachable: %s", e.Address, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// MalformedMetadataError is returned when settings.json or mappings.json do
// not have the structure of an exported index.
type MalformedMetadataError struct {
	File string
	Err  error
}

func (e *MalformedMetadataError) Error() string {
	return fmt.Sprintf("malformed metadata in %s: %s", e.File, e.Err)
}

func (e *MalformedMetadataError) Unwrap() error { return e.Err }

// ParseError is returned when a line of the document source is not a valid
// exported document. It aborts the read loop.
type ParseError struct {
	// Line is the 1-based line number in the document source.
	Line int64
	// Offset is the byte offset of the start of the line.
	Offset int64
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse document at line %d (offset %d): %s", e.Line, e.Offset, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// TransportError is returned when a request to Elasticsearch fails as a whole,
// either because the call itself failed or because Elasticsearch answered with
// an error status. Per-document errors inside a successful bulk response are
// not transport errors.
type TransportError struct {
	// StatusCode is zero when no response was received.
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("request failed: %s", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
