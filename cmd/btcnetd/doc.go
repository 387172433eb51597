// Package main provides btcnetd, a daemon that runs the btcnet peer-to-peer
// layer on its own.
//
// The daemon loads YAML settings, joins the configured network, serves
// Prometheus metrics and shuts down cleanly on SIGINT or SIGTERM:
//
//	btcnetd --config btcnet.yaml --metrics-addr 127.0.0.1:9333
//
// The config subcommand prints the effective settings, defaults included:
//
//	btcnetd config --network testnet3
package main
