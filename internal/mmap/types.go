package mmap

import "errors"

// Advice tells the kernel how a mapping will be read.
type Advice int

const (
	// AdviceNormal is the kernel default.
	AdviceNormal Advice = iota
	// AdviceSequential suits archive streaming: aggressive read-ahead, early
	// page reclaim.
	AdviceSequential
	// AdviceRandom disables read-ahead.
	AdviceRandom
)

var (
	// ErrClosed is returned when attempting to access a closed mapping.
	ErrClosed = errors.New("mmap: mapping is closed")
	// ErrInvalidOffset is returned for a negative read offset.
	ErrInvalidOffset = errors.New("mmap: invalid offset")
)
