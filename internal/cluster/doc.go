// Package cluster supervises the pool of backend workers.
//
// Each worker occupies a slot run as a suture service. A slot launches its
// worker through a Launcher, registers it as a backend, and blocks until the
// worker exits or the slot is stopped. An unexpected exit deregisters the dead
// backend and returns an error, so suture restarts the slot and a replacement
// worker is launched and registered under a fresh identifier.
//
// Two launchers are provided: ProcessLauncher runs the worker binary as a
// child process, and InProcessLauncher serves workers from HTTP servers in
// the current process.
package cluster
