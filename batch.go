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

// Batch is an ordered group of documents sent in a single bulk request.
type Batch []DocumentRecord

// BatchAccumulator groups documents into batches of a fixed size.
//
// Batches returned by Push and Flush are owned by the caller; the
// accumulator keeps no reference to them and reuses its own buffer.
type BatchAccumulator struct {
	size int
	buf  []DocumentRecord
}

// NewBatchAccumulator returns a BatchAccumulator emitting batches of size
// documents. size must be positive.
func NewBatchAccumulator(size int) *BatchAccumulator {
	if size <= 0 {
		panic("docrestore: batch size must be positive")
	}
	return &BatchAccumulator{
		size: size,
		buf:  make([]DocumentRecord, 0, size),
	}
}

// Push adds rec to the buffer. When the buffer reaches the batch size, the
// full batch is returned and the buffer is cleared.
func (a *BatchAccumulator) Push(rec DocumentRecord) (Batch, bool) {
	a.buf = append(a.buf, rec)
	if len(a.buf) < a.size {
		return nil, false
	}
	return a.take(), true
}

// Flush returns the partially filled buffer, if any, and clears it.
func (a *BatchAccumulator) Flush() (Batch, bool) {
	if len(a.buf) == 0 {
		return nil, false
	}
	return a.take(), true
}

// Len returns the number of buffered documents.
func (a *BatchAccumulator) Len() int {
	return len(a.buf)
}

func (a *BatchAccumulator) take() Batch {
	batch := make(Batch, len(a.buf))
	copy(batch, a.buf)
	clear(a.buf)
	a.buf = a.buf[:0]
	return batch
}
