// Package crawler defines the domain types, collaborator interfaces, and
// error classification shared by the per-source crawl pipeline and the
// stores, coordination backends, parsers, and clients it drives.
package crawler
