// Package errors defines the structured error taxonomy of the plugin host.
//
// Every error carries a Phase (where in the lifecycle it occurred) and a
// Kind (what went wrong). Matching is done with the standard errors.Is
// against the exported sentinels, which compare Phase and Kind only:
//
//	if errors.Is(err, hosterrors.ErrTimeout) { ... }
//
// Manifest, link, and instantiation errors occur before a usable instance
// exists and leave no partial state. Call errors other than
// function_not_found mark the instance as faulted.
package errors
