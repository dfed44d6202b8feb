// Copyright 2026 Taskmesh Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package main is the taskmesh node executable.

The binary exposes three subcommands: serve starts a node with its HTTP
API and Prometheus metrics endpoint, health probes a running node, and
version prints build information.

The serve command loads YAML configuration (overridable through
TASKMESH_* environment variables), builds a fully wired node, and runs
two HTTP listeners: the API port with the middleware chain (recovery,
request ids, security headers, request logging, rate limiting, bearer
auth on mutating routes) and a separate metrics port serving /metrics.
Shutdown is graceful: SIGINT or SIGTERM drains both listeners and stops
the node.
*/
package main
