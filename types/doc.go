// Copyright 2026 Taskmesh Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

// Package types defines the shared data model for the taskmesh core: agents,
// capabilities, tasks, jobs, and the structured error type used across the
// framework.
//
// The types package is the lowest-level package with no internal dependencies,
// so placing these definitions here avoids circular imports between the
// directory, dispatch, and orchestrator packages.
package types
