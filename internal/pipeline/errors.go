package pipeline

import (
	"errors"
	"unicode/utf8"
)

var (
	// ErrQueueFull is returned by Submit when no queue slot is free.
	ErrQueueFull = errors.New("run queue is full, try again later")

	// ErrRunNotFound is returned for unknown run ids.
	ErrRunNotFound = errors.New("run not found")

	// ErrDispatcherClosed is returned by Submit after Close.
	ErrDispatcherClosed = errors.New("dispatcher is closed")
)

// MaxReasonLength bounds failure reasons stored in records and logs.
const MaxReasonLength = 130

// TruncateReason returns err's message cut to MaxReasonLength characters.
func TruncateReason(err error) string {
	if err == nil {
		return ""
	}
	return truncate(err.Error(), MaxReasonLength)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
