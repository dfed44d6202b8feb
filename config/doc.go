// Copyright 2026 Taskmesh Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package config provides unified configuration loading for taskmesh.

Configuration is an explicitly constructed object passed to component
constructors; there is no process-wide singleton. Precedence:
defaults → YAML file → environment variables.

Usage:

	cfg, err := config.NewLoader().
	    WithConfigPath("taskmesh.yaml").
	    WithEnvPrefix("TASKMESH").
	    Load()
*/
package config
