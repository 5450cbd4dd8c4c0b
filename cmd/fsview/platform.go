package main

import (
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

// dup2 replaces oldFd's slot with newFd (stream redirection).
func dup2(newFd, oldFd int) error {
	return unix.Dup3(newFd, oldFd, 0)
}

// waitForTerm blocks until SIGTERM is delivered. Daemon mode keeps
// descriptors open and mappings resident; cleanup belongs to the
// "down" collaborator.
func waitForTerm() {
	term := make(chan os.Signal, 1)
	signal.Notify(term, unix.SIGTERM)
	<-term
}
