// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package fiberloop

import (
	"github.com/joeycumines/logiface"
)

// schedulerOptions holds configuration options for Scheduler and IOManager
// creation.
type schedulerOptions struct {
	logger    *logiface.Logger[logiface.Event]
	stackSize int
	useCaller bool
}

// Option configures a Scheduler or IOManager instance.
type Option interface {
	apply(*schedulerOptions) error
}

// optionImpl implements Option.
type optionImpl struct {
	applyFunc func(*schedulerOptions) error
}

func (o *optionImpl) apply(opts *schedulerOptions) error {
	return o.applyFunc(opts)
}

// WithLogger sets the structured logger used by the scheduler and reactor.
// A nil logger (the default) disables logging entirely; see also
// [SetDefaultLogger].
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithStackSize sets the stack size hint recorded on fibers created
// internally by the scheduler (the idle fiber and per-worker callback
// fibers). Zero means the package default; see [SetDefaultStackSize].
func WithStackSize(size int) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		opts.stackSize = size
		return nil
	}}
}

// WithUseCaller makes the goroutine constructing the scheduler count as
// worker 1. Start spawns one fewer worker, and the caller's share of the
// dispatch loop runs inside Stop, which returns once the queue is drained.
func WithUseCaller() Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		opts.useCaller = true
		return nil
	}}
}

// resolveOptions applies Option instances to schedulerOptions.
func resolveOptions(opts []Option) (*schedulerOptions, error) {
	cfg := &schedulerOptions{
		logger:    getDefaultLogger(),
		stackSize: DefaultStackSize(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue // Skip nil options gracefully
		}
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
