// Package state owns the stack of in-progress workflow sessions. Every
// session is persisted as one JSON document under the project's sessions
// directory after each mutation, so external tooling can inspect runs and a
// restarted process can find them again. All mutations are serialized through
// a single lock per Manager.
package state
