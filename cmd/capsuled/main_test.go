package main

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/wippyai/wasm-capsule/config"
)

func TestRun_CoAPBindFailure(t *testing.T) {
	dev := config.DefaultDevice()
	dev.Log.Level = "error"
	dev.Transfer.RawListen = "127.0.0.1:0"
	dev.Transfer.CoAPListen = "127.0.0.1:notaport"

	before := runtime.NumGoroutine()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx, dev, "", false); err == nil || ctx.Err() != nil {
		t.Fatalf("run = %v, want a bind error before the deadline", err)
	}

	// Nothing started for the raw transport may outlive run.
	for deadline := time.Now().Add(2 * time.Second); runtime.NumGoroutine() > before; {
		if time.Now().After(deadline) {
			t.Fatalf("%d goroutines left running after run returned", runtime.NumGoroutine()-before)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
