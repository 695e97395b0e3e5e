// Package capsule manages the lifecycle of the single running capsule.
package capsule
