// Package logging configures structured JSON logging for annexwatch.
//
// The daemon writes to a size-rotated file under ~/.annexwatch/logs/ and,
// unless disabled, mirrors records to stderr. One-shot CLI commands log to
// stderr only unless --debug is given.
package logging
