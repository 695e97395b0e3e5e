// Package engine runs capsules on the wazero interpreter under a fixed
// config.RuntimeConfig.
//
// # Architecture
//
// The package provides three main types:
//
//	Engine   - wazero runtime built from one RuntimeConfig
//	Image    - validated, instrumented and compiled capsule
//	Instance - capsule bound to host modules and its own linear memory
//
// # Resource bounds
//
// Every instance runs under four ceilings:
//
//	Fuel        - instrumentation charges capsule.fuel; exhaustion traps
//	Yield       - every FuelYieldInterval units the meter checks the call
//	              context and yields the goroutine
//	Memory      - MemoryReservation caps pages; memory.grow can be disabled
//	Call depth  - MaxWasmStack / FrameSize guest frames per call
//
// A call is abandoned by cancelling its context. The next yield boundary
// or suspending host function unwinds the guest and the call returns an
// error matching errors.ErrCancelled. When metering is disabled wazero
// itself closes the module on context cancellation.
//
// # Lifecycle
//
//  1. Engine.Prepare() validates and compiles a capsule binary
//  2. Engine.Instantiate() binds the image to host modules
//  3. Instance.Call() invokes exports
//  4. Instance.Close() then Image.Close() release resources
package engine
