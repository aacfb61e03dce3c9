// Package protocol holds the fixed ECR-VP artifacts: the eight prescribed
// modes, the reference prompts and completion phrases per session kind,
// and the structural mode-boundary detector.
//
// The detector is pattern matching only. It locates headings and reports
// offsets; it never parses or judges the content between them.
package protocol
