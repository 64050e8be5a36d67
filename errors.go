package main

import "github.com/mrexodia/procwatch/internal/sentinel"

const (
	ErrJobNotFound   = sentinel.Error("not found")
	ErrJobExists     = sentinel.Error("already exists")
	ErrJobNotRunning = sentinel.Error("is not running")
	ErrInputBacklog  = sentinel.Error("has too much pending input")
)
