// Package config defines configuration structures for the podfetch CLI.
//
// Configuration can be provided via (lowest to highest precedence):
//   - Built-in defaults
//   - YAML configuration file
//   - Environment variables (PODFETCH_ prefix)
//   - Command-line flags
//
// # Example file
//
//	dir: /srv/podcasts
//	max_concurrent: 3
//	batch_timeout: 2h
//	collision: rename
//	engine:
//	  binary: /usr/bin/aria2c
//	  connections: 8
//	  max_restarts: 3
//	retry:
//	  attempts: 5
//	  backoff: 2s
//	  max_backoff: 2m
//	  fatal_codes: [3, 24]
//	store:
//	  driver: bolt
//	log:
//	  file: /var/log/podfetch.log
package config
