// SPDX-License-Identifier: MIT

// Package library provides SQLite persistence for the acquisition catalog.
// Records are keyed by the normalized output path; the store guarantees at
// most one record per key under concurrent writers.
package library

import "time"

// Record is a durable catalog entry produced by a completed acquisition.
type Record struct {
	ID              string    `json:"id"`
	Key             string    `json:"key"` // normalized output path, unique
	Title           string    `json:"title"`
	Artist          string    `json:"artist"`
	Album           string    `json:"album"`
	DurationSeconds int64     `json:"duration_seconds"`
	SizeBytes       int64     `json:"size_bytes"`
	ContentType     string    `json:"content_type"`
	OutputPath      string    `json:"output_path"`
	CreatedAt       time.Time `json:"created_at"`
}

// Draft carries the fields a worker knows after a successful acquisition.
// The store assigns the ID and the creation time.
type Draft struct {
	Title           string
	Artist          string
	Album           string
	DurationSeconds int64
	SizeBytes       int64
	ContentType     string
	OutputPath      string
}
