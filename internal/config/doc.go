// Package config loads the ccsc-client configuration.
//
// Settings come from three layers, higher layers overriding lower:
//
//  1. Built-in defaults (Default)
//  2. A config file, TOML or YAML by extension (Find, LoadFile)
//  3. CCSC_ environment variables (ApplyEnv)
//
// A TOML file looks like:
//
//	[server]
//	command = "ls-ccsc"
//	file_patterns = ["*.c", "*.h"]
//
//	[session]
//	request_timeout = "10s"
//	max_restarts = 1
//
//	[compiler]
//	path = "/opt/picc/ccsc"
//	timeout = "2m"
//
//	[watch]
//	patterns = ["*.err"]
//	debounce = "200ms"
//
//	[logging]
//	level = "debug"
//	format = "json"
//
//	[settings.ccsc]
//	device = "PIC16F877A"
//
// Unknown keys are rejected so typos surface as a *ParseError. Validate
// reports every invalid value at once in a *ValidationError. The
// SessionConfig, ClientConfig, CompilerConfig, WatcherConfig and
// LoggingConfig methods convert the sections into the types the other
// packages take.
package config
