// Package metering validates capsule binaries and rewrites them for bounded
// execution.
//
// Inspect checks the module framing (header, section order, vector bounds,
// balanced function bodies) and rejects features the interpreter does not
// run: SIMD, threads, typed references, exception handling, multiple
// memories and 64-bit memories. It returns a ModuleInfo describing imports,
// exports and memories so callers can check capabilities before compiling.
//
// Transform performs the fuel instrumentation. Every function entry and
// every loop header calls the imported capsule.fuel function with the
// static instruction count of the code that follows, so any unbounded
// execution charges fuel at a bounded rate:
//
//	(func $f
//	  i32.const 3      ;; injected
//	  call $fuel       ;; injected
//	  loop
//	    i32.const 7    ;; injected
//	    call $fuel     ;; injected
//	    ...
//
// When memory growth is disabled, memory.grow is replaced by drop followed
// by i32.const -1 so that growth always fails the way the guest allocator
// expects.
package metering
