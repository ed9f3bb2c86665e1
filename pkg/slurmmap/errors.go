package slurmmap

import (
	"errors"

	"github.com/3leaps/slurmmap/pkg/collector"
	"github.com/3leaps/slurmmap/pkg/runstore"
)

var (
	// ErrInterrupted is returned when the wait is abandoned through the
	// context. Remote jobs keep running; calling Map again reattaches.
	ErrInterrupted = errors.New("wait interrupted; jobs keep running")

	// ErrManifestMismatch is returned when a persisted call describes a
	// different input sequence.
	ErrManifestMismatch = runstore.ErrManifestMismatch

	// ErrNotFound is returned by lifecycle operations on unknown calls.
	ErrNotFound = runstore.ErrNotFound

	// ErrLocked is returned when another live process is waiting on the
	// same call identity.
	ErrLocked = runstore.ErrLocked
)

type (
	SubmissionError     = collector.SubmissionError
	RemoteTaskError     = collector.RemoteTaskError
	RemoteTaskCancelled = collector.RemoteTaskCancelled
)
