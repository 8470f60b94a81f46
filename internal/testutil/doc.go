// Package testutil contains helper builders used across tests to reduce
// boilerplate when constructing toy episodes. They are not intended for
// production usage.
package testutil
