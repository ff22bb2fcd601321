// Package runtime hosts plugin instances: it compiles manifest-resolved
// modules on a shared compilation cache, links the built-in and registered
// host functions into each instance's import environment, and drives guest
// calls through the block-handle calling conventions with per-call timeout
// and fault handling. A faulted instance is dead; callers discard it and
// build a new one.
package runtime
