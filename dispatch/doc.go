// Copyright 2026 Taskmesh Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package dispatch implements resilient task dispatch: capability and
reputation based agent selection, per-agent circuit breaking, and a retrying
dispatcher with exponential backoff.

The dispatcher only performs assignment; execution outcomes are reported
asynchronously through the orchestrator, which feeds them back into the
breaker registry and reputation tracker.
*/
package dispatch
