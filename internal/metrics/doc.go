// Copyright 2026 Taskmesh Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package metrics provides Prometheus-based metric collection for the
dispatch, mesh, reputation and job domains.

The Collector registers every metric under a single namespace through
promauto. Label cardinality stays bounded: agent ids appear only on
gauges, never on counters with open-ended label sets.
*/
package metrics
