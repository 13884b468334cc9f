// Package expr provides CEL (Common Expression Language) functionality for
// evaluating event filter expressions.
//
// It creates CEL environments with custom functions for:
//   - File path operations (pathBase, pathDir, pathExt)
//   - Filesystem event flag checks (the `has` macro and `fs.*` constants)
//
// Callers declare the variables their expressions can access, typically
// `file` (string) and `fs.event` (int).
package expr
