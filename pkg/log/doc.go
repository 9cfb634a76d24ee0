/*
Package log provides structured logging for Blueplane built on zerolog.

The package holds a single process-wide logger configured once at startup
via Init. Components derive child loggers with WithComponent so every line
carries the component name; hot paths attach session or batch fields with
zerolog's own With chaining.
*/
package log
