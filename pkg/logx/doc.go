// Package logx wraps zerolog behind a small Logger/Field API so the rest of
// the codebase never imports zerolog directly. A Service owns the sinks
// (console, file, optional alert channel) and can swap them at runtime.
package logx
