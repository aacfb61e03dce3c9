// Package gateway defines the interpreter backend interface the execution
// engine depends on.
//
// The engine never adapts a message per backend: the same sequence
// (passport text, reference prompt, corpus segments, completion phrase)
// is sent to every configured interpreter byte-for-byte. Wire-format
// differences live entirely behind the Gateway and Session interfaces.
//
// Providers are resolved through an explicitly constructed Registry, not
// a mutable global: the set of available backends is fixed at startup.
package gateway
