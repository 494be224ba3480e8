// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the holt daemon configuration from a single
// YAML file named by HOLT_CONFIG or the --config flag. There is no
// discovery and no environment-variable override of individual values:
// one file, loaded once, validated once. The only expansion performed
// is ${VAR} path expansion for portability.
package config
