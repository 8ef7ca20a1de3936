package app

import "errors"

var (
	// ErrUnauthenticated indicates the operation needs a current identity.
	ErrUnauthenticated = errors.New("not authenticated")
	// ErrNotFound indicates the referenced deal or notification does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidPrice indicates a price that is not a finite, positive number.
	ErrInvalidPrice = errors.New("invalid price")
	// ErrEmptyMessage indicates blank message content.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrInvalidCredentials indicates a login mismatch.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidStatus indicates a status outside the known set.
	ErrInvalidStatus = errors.New("invalid deal status")
	// ErrInvalidTransition indicates a status change refused under strict transitions.
	ErrInvalidTransition = errors.New("status transition not allowed")
	// ErrInvalidDocument indicates an upload without a usable file name.
	ErrInvalidDocument = errors.New("invalid document")
	// ErrInvalidNotification indicates a pushed notification with an unknown type.
	ErrInvalidNotification = errors.New("invalid notification")
)
