// Copyright 2026 Taskmesh Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

// Package reputation tracks per-agent trust scores in [0,1], adjusted
// additively by task outcomes and clamped, with a quarantine threshold.
// State is in-memory only and safe for concurrent use.
package reputation
