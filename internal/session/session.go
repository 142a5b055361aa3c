// Package session mirrors live chat connections into Redis so that operators
// and other services can see who is connected to which room on which server
// instance. The in-process connection registry remains the source of truth
// for fan-out; this mirror is informational and best-effort.
package session
