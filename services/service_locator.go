// Package services is a process-wide locator for the single-instance
// resources shared by the diagnostic stack: the one registered channel
// capability set, the one running diagnostic server, and the logger.
package services

import (
	"errors"
	"sync"
)

type ServiceName string

const (
	// ServiceChannel holds the one registered channel capability set.
	ServiceChannel ServiceName = "channel"
	// ServiceServer holds the one running diagnostic server.
	ServiceServer ServiceName = "server"
	// ServiceLogger holds the shared logger.
	ServiceLogger ServiceName = "logger"
)

// ErrAlreadyRegistered is returned when a slot is already held.
var ErrAlreadyRegistered = errors.New("service already registered")

var (
	mu       sync.Mutex
	registry = make(map[ServiceName]interface{})
)

// Register acquires the named slot. The slot must be free; registering over
// an existing service fails and leaves the existing one untouched.
func Register(name ServiceName, service interface{}) error {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := registry[name]; exists {
		return ErrAlreadyRegistered
	}
	registry[name] = service
	return nil
}

// Get retrieves a registered service.
func Get(name ServiceName) (interface{}, bool) {
	mu.Lock()
	defer mu.Unlock()
	service, ok := registry[name]
	return service, ok
}

// Deregister releases the named slot. Releasing an absent slot is a no-op.
func Deregister(name ServiceName) {
	mu.Lock()
	defer mu.Unlock()
	delete(registry, name)
}
