package router

import (
	"errors"

	"github.com/fastqm/wsps/internal/core/frame"
)

var (
	ErrNilSubscriber           = errors.New("router: nil subscriber")
	ErrSubscriberNotComparable = errors.New("router: subscriber type is not comparable")
	ErrNoChannels              = errors.New("router: no channels given")

	ErrOffline           = errors.New("router: no network connectivity")
	ErrConnectInProgress = errors.New("router: connect already in progress")
	ErrAlreadyConnected  = errors.New("router: already connected")
	ErrConnect           = errors.New("router: connect failed")
	ErrConnectAborted    = errors.New("router: connect aborted by close")

	ErrInvalidPayload = frame.ErrInvalidPayload
	ErrBadChannel     = frame.ErrBadChannel
	ErrBadRange       = frame.ErrBadRange
)
