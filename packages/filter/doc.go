// Package filter implements the two test-selection languages: the -k name
// filter (substrings, globs, file::name and Class/method forms) and the -m
// marker expression language (a small boolean DSL over marker atoms).
package filter
