// Package scraper defines the domain model of the media scraper: jobs,
// extraction candidates, persisted media records, job results, and the
// interfaces the worker pipeline is composed from.
package scraper
