// Command slated serves the slate engine over HTTP: workflow previews,
// widget data reads and live dashboard websockets.
//
// Configuration comes from a YAML file (./slated.yaml or
// /etc/slated/slated.yaml, or --config), overridden by SLATE_-prefixed
// environment variables; nested keys join with underscores
// (SLATE_STORES_OLAP_ENDPOINT).
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
