// Package job models declarative jobs: their steps, each step's declared
// inputs, outputs, and quality reviews, and the named workflows that sequence
// those steps. Jobs are read-only once loaded; the workflow tools consume them
// to decide what the agent works on next.
package job
