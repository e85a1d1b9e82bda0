// Package config loads the conductor service configuration.
//
// The configuration is a single YAML document. Missing fields take the values
// of Default; the result is validated with struct tags before use and handed
// to each component by pointer.
//
//	providers:
//	  priority: [cloud_formation, heat, terraform]
//	orchestration:
//	  poll_interval: 10s
//	  stack_timeout: 1h
//	event_bus:
//	  port: 2379
//	database:
//	  path: /var/lib/conductor/conductor.db
package config
