// Copyright 2025 ArchPilot
// SPDX-License-Identifier: Apache-2.0

// Command pipeline runs the design pipeline service.
package main

import (
	"log"

	"archpilot/platform/engine"
)

func main() {
	if err := engine.Run(); err != nil {
		log.Fatalf("[PIPELINE] fatal: %v", err)
	}
}
