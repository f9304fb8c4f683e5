// Package logx wraps zerolog behind a small structured-logging facade.
//
// Components hold a Logger value; the Service owns the sinks (console, file)
// and can swap them at runtime when the config reloads, without components
// having to re-fetch their logger.
package logx
