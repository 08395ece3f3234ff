// Package artifact defines the values an agent submits for a step's declared
// outputs and the filesystem helpers used to check and read them. Each output
// is either a single path or a list of paths, relative to the project root
// unless absolute.
package artifact
