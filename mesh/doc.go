// Copyright 2026 Taskmesh Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package mesh implements the inter-node fabric: routing table maintenance,
connection lifecycle and pooling, backpressure-aware transmission, pluggable
payload serialization, and an eventually consistent key/value state store
replicated with last-write-wins semantics.

The fabric offers best-effort, at-least-once delivery. It does not implement
consensus, does not guarantee linearizable state, and does not deduplicate;
callers that need exactly-once semantics must layer idempotency on top.
*/
package mesh
