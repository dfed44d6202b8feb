// Copyright 2026 Taskmesh Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

// Package testutil provides shared helpers for tests: bounded contexts,
// polling assertions, and the fixtures subpackage with canned agents,
// tasks, and jobs.
package testutil
