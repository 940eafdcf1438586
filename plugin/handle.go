// Package plugin tracks the worker processes relay launches and the
// configuration they are launched from.
//
// Workers are external processes ("interpreters") identified by a selector
// such as py.default. The Registry holds one Handle per (kind, selector)
// while the process is starting or ready; the ConfigStore holds the
// per-selector WorkerConfig; the Installer fetches worker artifacts.
package plugin

import (
	"net"
	"strconv"
	"time"
)

// Kind distinguishes the roles a worker process can play
type Kind string

const (
	KindInterpreter Kind = "interpreter"
	KindCompleter   Kind = "completer"
)

// HandleStatus is the lifecycle state of a registered worker process
type HandleStatus string

const (
	// StatusStarting: launch requested, the process has not registered yet
	StatusStarting HandleStatus = "STARTING"
	// StatusReady: the process registered its callback address
	StatusReady HandleStatus = "READY"
)

// Handle describes one worker process. The Registry hands out copies.
type Handle struct {
	Kind       Kind         `json:"kind"`
	Selector   string       `json:"selector"`
	Status     HandleStatus `json:"status"`
	Host       string       `json:"host,omitempty"`
	Port       int          `json:"port,omitempty"`
	InstanceID string       `json:"instance_id,omitempty"`
	PID        int          `json:"pid,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	ReadyAt    *time.Time   `json:"ready_at,omitempty"`
}

// Address returns host:port of a READY handle
func (h Handle) Address() string {
	return net.JoinHostPort(h.Host, strconv.Itoa(h.Port))
}

// IsReady reports whether the process has registered
func (h Handle) IsReady() bool {
	return h.Status == StatusReady
}
