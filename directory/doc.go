// Copyright 2026 Taskmesh Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package directory maintains the agent directory and capability index used by
task routing.

The directory owns agent records: registration, soft deregistration via
status transitions, heartbeat bookkeeping, and a cancelable background sweep
that degrades and offlines agents by heartbeat age. The capability index maps
capability names to the agents that declare them and is kept in sync on every
registration and update.

Routing never reads the live maps: List and Snapshot return deep copies so
scoring can run without holding the directory lock.
*/
package directory
