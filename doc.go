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

// Package docrestore restores an exported index snapshot into Elasticsearch.
//
// A snapshot is a directory holding the index settings (settings.json), the
// index mappings (mappings.json) and the documents as newline-delimited JSON
// (data.json). Documents are streamed, grouped into fixed-size batches and
// indexed with concurrent bulk requests spread over a pool of connections.
//
// Writes are blind upserts by document ID; this package does not attempt
// incremental restores or conflict resolution.
package docrestore
