// Package tools implements the workflow operations exposed to a calling
// agent: starting a workflow, finishing a step behind the quality gate,
// aborting, navigating back to an earlier step, and inspecting the session
// stack. It is the only package that drives both the state manager and the
// quality gate.
package tools
