// Package crawler holds the shared vocabulary of the two-stage engine: job,
// link, stage and item types, the collaborator interfaces every backend
// implements, URL normalization and pattern filters, and the error
// taxonomy that decides which failures stay inside a batch.
package crawler
