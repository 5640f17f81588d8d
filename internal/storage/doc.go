// Package storage persists delivery bookkeeping for the notifier.
//
// It keeps two tables:
//   - sent_items: delivered messages scheduled for auto-deletion
//   - camera_log: every event that entered the pipeline
//
// Writes go through a single writer lock; the sqlite driver additionally
// pins the pool to one connection.
package storage
