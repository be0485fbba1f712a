// Package actor provides lightweight scoped trace identifiers and a
// goroutine-spawn helper used throughout this module for consistent log
// scoping, in the same spirit as github.com/mailgun/kafka-pixy/actor (not
// vendored here, since this module is not kafka-pixy itself).
package actor

import (
	"fmt"
	"sync"

	"github.com/mailgun/log"
)

// ID identifies a logical actor (a goroutine, a component instance) for the
// purpose of log scoping. IDs form a tree: every child carries its parent's
// path as a prefix.
type ID struct {
	path string
}

// RootID is the ancestor of every ID created by this process.
var RootID = &ID{path: "kafkafast"}

// NewChild derives a child ID by appending a formatted suffix to the
// receiver's path.
func (id *ID) NewChild(args ...interface{}) *ID {
	suffix := fmt.Sprint(args...)
	return &ID{path: id.path + "/" + suffix}
}

func (id *ID) String() string {
	return id.path
}

// LogScope logs entry into the actor's scope and returns a function that
// logs the exit; intended to be used as `defer cid.LogScope()()`.
func (id *ID) LogScope() func() {
	log.Infof("<%s> started", id)
	return func() {
		log.Infof("<%s> stopped", id)
	}
}

// Spawn runs fn in a new goroutine tracked by wg, logging entry and exit
// scoped to id.
func Spawn(id *ID, wg *sync.WaitGroup, fn func()) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer id.LogScope()()
		fn()
	}()
}
