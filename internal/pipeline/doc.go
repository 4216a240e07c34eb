// Package pipeline defines the core types and contracts shared across the
// collection subsystems: jobs, checkpoints, chunks, extraction results,
// mentions, and the failure taxonomy that drives retry decisions.
package pipeline
