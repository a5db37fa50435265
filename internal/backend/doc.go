// Package backend defines the contract between the run engine and the model
// runtimes (TensorFlow or PyTorch behind a worker process, or the built-in
// identity model), along with the registry that routes models to them.
package backend
