package logging

import (
	"fmt"
	"sync"

	"github.com/rnd-ash/ecu-diagnostics/services"
)

type LogType int

const (
	// LogTypeLog is general diagnostic stack activity.
	LogTypeLog LogType = iota
	// LogTypeBusTraffic is per-message bus traffic, usually much noisier.
	LogTypeBusTraffic
)

type Subscriber func(logType LogType, message string)

type Logger struct {
	lock        sync.RWMutex
	subscribers []Subscriber
	quietBus    bool
}

func NewLogger() *Logger {
	return &Logger{}
}

// Subscribe adds a sink that receives every log line.
func (l *Logger) Subscribe(s Subscriber) {
	l.lock.Lock()
	l.subscribers = append(l.subscribers, s)
	l.lock.Unlock()
}

// SetQuietBusTraffic suppresses console output of per-message bus traffic.
// Subscribers still receive it.
func (l *Logger) SetQuietBusTraffic(quiet bool) {
	l.lock.Lock()
	l.quietBus = quiet
	l.lock.Unlock()
}

// WriteToLog writes to the console and to all subscribers.
func (l *Logger) WriteToLog(message string, logType LogType) {
	l.lock.RLock()
	defer l.lock.RUnlock()
	if logType != LogTypeBusTraffic || !l.quietBus {
		fmt.Println(message)
	}
	for _, s := range l.subscribers {
		s(logType, message)
	}
}

var fallback = NewLogger()

// Get returns the logger registered with the service locator, or a shared
// console-only fallback when none is registered.
func Get() *Logger {
	if svc, ok := services.Get(services.ServiceLogger); ok {
		if l, ok := svc.(*Logger); ok {
			return l
		}
	}
	return fallback
}
