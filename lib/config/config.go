// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package config loads the easyq site configuration.
package config

import (
	_ "embed"

	"github.com/heynemann/easyq/sdk/go/easyq"
)

// DefaultConfigFile is the site configuration file used when none
// is given with -config or $EASYQ_CONFIG.
const DefaultConfigFile = "/etc/easyq/config.yml"

// DefaultYAML holds the default values of every configuration
// entry. The site config file is loaded on top of it.
//
//go:embed config.default.yml
var DefaultYAML []byte

type Config struct {
	SystemLogs struct {
		LogLevel   string
		Format     string
		File       string
		MaxSizeMB  int
		MaxBackups int
	}
	Services struct {
		API    Service
		Worker Service
	}
	ManagementToken string
	API             struct {
		RequestTimeout     easyq.Duration
		MaxRequestBodySize int64
	}
	Database struct {
		Driver       string
		Connection   string
		MaxOpenConns int
	}
	Redis struct {
		Address  string
		Password string
		DB       int
	}
	Queue struct {
		Name         string
		ClaimTimeout easyq.Duration
	}
	Scheduler struct {
		Group        string
		PollInterval easyq.Duration
		BatchSize    int64
	}
	Docker  DockerConfig
	Workers struct {
		Count           int
		MaxRetries      int
		RetryBaseDelay  easyq.Duration
		RetryMaxDelay   easyq.Duration
		MaxDispatchRate float64
		DefaultTimeout  easyq.Duration
	}
}

type Service struct {
	Listen string
}

type DockerConfig struct {
	Hosts           []string
	HostPolicy      string
	APIVersion      string
	ClientCacheSize int
	StopTimeout     easyq.Duration
	MaxOutputBytes  int
}
