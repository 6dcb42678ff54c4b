// Package core holds the value types shared across the memory subsystem:
// chat turns, memory cards and the generation backend boundary.
package core
