// Package logx wraps zerolog behind a small, swap-at-runtime logger.
//
// Components hold a Logger value; the Service re-points all of them at new
// sinks/levels when the config changes, without plumbing new loggers around.
package logx
