// Package tensor defines the values exchanged with models (images, results
// tables and lists), their declared shape constraints, and the JSON wire
// form used across process boundaries.
package tensor
