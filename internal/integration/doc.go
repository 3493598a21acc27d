// Package integration holds end-to-end tests that run the reconciliation
// engine against a real filesystem with a scripted git-annex tracker.
package integration
