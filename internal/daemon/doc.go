// Package daemon implements willowd: the bus method handlers, the listening
// mode workers, command execution and the bridge between configuration
// updates and the recognition engine.
package daemon
