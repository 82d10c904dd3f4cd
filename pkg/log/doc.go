// Package log provides structured logging for docsrs-core using zerolog.
//
// Every long-lived component gets a component-scoped child logger via
// WithComponent; the registry watcher and queue runner additionally use
// WithCrate/WithRelease/WithBuildID so that log lines can be correlated
// with a queue row across its lifetime.
package log
