// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command fsactl reads and writes FSA state on a state memory service.
//
// Examples:
//
//	fsactl get acme inventory
//	fsactl put acme inventory doc.json --actor seeder
//	fsactl delta acme inventory --data '{"inventory.kitkats":{"$inc":5}}' --actor buyer --aml 3
//	fsactl slice acme inventory inventory -k 10
//	fsactl validate acme inventory delta.json --aml 0
//
// The server and token default to STATEMEMORY_URL and STATEMEMORY_TOKEN.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
