// Package config loads, validates and watches the bot configuration.
package config
