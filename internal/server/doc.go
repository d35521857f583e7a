// Package server implements the HTTP control surface for the promotion
// controller.
//
// This package provides:
//   - Run submission with HMAC signature verification
//   - Approval and cancellation endpoints for in-flight runs
//   - Run inspection and per-pipeline history endpoints
//   - Per-IP rate limiting and structured logging of all HTTP requests
//
// The server integrates with other packages:
//   - internal/pipeline: Pipeline configuration and validation
//   - internal/engine: Run execution, approval gates and per-application locking
//   - internal/run: SQLite-based run and stage audit records
//
// Security features:
//   - HMAC-SHA256 request signature verification
//   - Content-Type validation (application/json only)
//   - Payload size limits (1MB max)
//   - Rate limiting (global and per-submission)
package server
