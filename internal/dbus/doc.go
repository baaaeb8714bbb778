// Package dbus implements the com.github.saim.Willow control interface.
// It provides the daemon-side server that exports methods, signals and
// read-only properties, and the client proxy used by the CLI and the
// client session.
package dbus
