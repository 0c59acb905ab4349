// Package testutil contains helper builders used across tests to reduce
// boilerplate when constructing agents, memory logs and events. They are
// not intended for production usage.
package testutil
