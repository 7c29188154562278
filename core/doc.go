// Package core defines the shared data model of the orchestration core:
// conversation messages and their polymorphic parts, typed orchestration
// events, sessions with their persistence interface, and the error taxonomy
// used to classify provider and tool failures.
package core
