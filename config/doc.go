// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package config manages the gateway's configuration lifecycle: multi-source
loading and validation.

# Overview

Configuration merges three sources in priority order: defaults, an optional
YAML file, then environment variables (prefix AIPROXY_ by default).

# Core types

  - Config: the top-level aggregate — Server, Database, Redis, Log, Proxy
  - Loader: builder-style loader with chained WithConfigPath / WithEnvPrefix
    / WithValidator calls

# Usage

	cfg, err := config.NewLoader().
		WithConfigPath("config.yaml").
		WithEnvPrefix("AIPROXY").
		Load()
*/
package config
