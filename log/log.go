// Copyright 2017 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package log implements leveling and teeing on top of Go's standard
// logs package. As with the standard log package, this package
// defines a standard logger available as a package global and via
// package functions.
//
// Components of the scheduling engine take an optional *Logger; a nil
// Logger discards all messages, so components need not check.
package log

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/grailbio/locus/errors"
)

// Level defines the level of logging. Higher levels are more
// verbose.
type Level int

const (
	// OffLevel turns logging off.
	OffLevel Level = iota
	// ErrorLevel outputs only error messages.
	ErrorLevel
	// WarnLevel outputs errors and warnings, such as recovered
	// configuration errors.
	WarnLevel
	// InfoLevel is the standard error level.
	InfoLevel
	// DebugLevel outputs detailed debugging output.
	DebugLevel
)

var levelNames = [...]string{
	OffLevel:   "off",
	ErrorLevel: "error",
	WarnLevel:  "warn",
	InfoLevel:  "info",
	DebugLevel: "debug",
}

// String returns the configuration name of level l.
func (l Level) String() string {
	if l < OffLevel || int(l) >= len(levelNames) {
		return fmt.Sprintf("level(%d)", int(l))
	}
	return levelNames[l]
}

// ParseLevel returns the level named by s (off, error, warn, info,
// or debug). Names are case-insensitive.
func ParseLevel(s string) (Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for l, name := range levelNames {
		if name == s {
			return Level(l), nil
		}
	}
	return OffLevel, errors.E("parselevel", s, errors.Invalid)
}

// An Outputter receives published log messages. Go's
// *log.Logger implements Outputter.
type Outputter interface {
	Output(calldepth int, s string) error
}

type multiOutputter []Outputter

func (m multiOutputter) Output(calldepth int, s string) error {
	var err error
	for _, out := range m {
		if err1 := out.Output(calldepth, s); err1 != nil {
			err = err1
		}
	}
	return err
}

// MultiOutputter returns an Outputter that outputs each
// message to all the provided outputters.
func MultiOutputter(outputters ...Outputter) Outputter {
	return multiOutputter(outputters)
}

// A Logger receives log messages at multiple levels, and publishes
// those messages to its outputter if the level (or logger) is
// active. Nil Loggers ignore all log messages.
type Logger struct {
	// Outputter receives all log messages at or below the Logger's
	// current level.
	Outputter
	// Level defines the publishing level of this Logger.
	Level Level

	parent *Logger
	prefix string
}

// New creates a new Logger that publishes messsages at or below the
// provided level to the provided outputter.
func New(out Outputter, level Level) *Logger {
	if level == OffLevel {
		return nil
	}
	return &Logger{
		Outputter: out,
		Level:     level,
	}
}

// Print formats a message in the manner of fmt.Print and publishes
// it to the logger at InfoLevel.
func (l *Logger) Print(v ...interface{}) {
	l.publish(2, InfoLevel, "", fmt.Sprint(v...))
}

// Printf formats a message in the manner of fmt.Printf and publishes
// it to the logger at InfoLevel.
func (l *Logger) Printf(format string, args ...interface{}) {
	l.publish(2, InfoLevel, "", fmt.Sprintf(format, args...))
}

// Error formats a message in the manner of fmt.Print and publishes
// it to the logger at ErrorLevel.
func (l *Logger) Error(v ...interface{}) {
	l.publish(2, ErrorLevel, "", fmt.Sprint(v...))
}

// Errorf formats a message in the manner of fmt.Printf and publishes
// it to the logger at ErrorLevel.
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.publish(2, ErrorLevel, "", fmt.Sprintf(format, args...))
}

// Warn formats a message in the manner of fmt.Print and publishes
// it to the logger at WarnLevel.
func (l *Logger) Warn(v ...interface{}) {
	l.publish(2, WarnLevel, "", fmt.Sprint(v...))
}

// Warnf formats a message in the manner of fmt.Printf and publishes
// it to the logger at WarnLevel.
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.publish(2, WarnLevel, "", fmt.Sprintf(format, args...))
}

// Debug formats a message in the manner of fmt.Print and publishes
// it to the logger at DebugLevel.
func (l *Logger) Debug(v ...interface{}) {
	l.publish(2, DebugLevel, "", fmt.Sprint(v...))
}

// Debugf formats a message in the manner of fmt.Printf and publishes
// it to the logger at DebugLevel.
func (l *Logger) Debugf(format string, args ...interface{}) {
	if !l.At(DebugLevel) {
		return
	}
	l.publish(2, DebugLevel, "", fmt.Sprintf(format, args...))
}

// At tells whether the logger (or any of its ancestors) is at or
// below the provided level.
func (l *Logger) At(level Level) bool {
	for ; l != nil; l = l.parent {
		if level <= l.Level {
			return true
		}
	}
	return false
}

// publish sends msg to this logger's outputter and then up the tee
// chain, accumulating prefixes on the way.
func (l *Logger) publish(calldepth int, level Level, prefix, msg string) {
	if l == nil {
		return
	}
	if l.Outputter != nil && level <= l.Level {
		l.Output(calldepth+1, prefix+msg)
	}
	if l.parent != nil {
		l.parent.publish(calldepth+1, level, l.prefix+prefix, msg)
	}
}

// Tee constructs a new logger that tees its output to the provided
// outputter and parent logger. Messages sent to the parent are
// prefixed with the provided prefix string. Out may be nil, in which
// cases messages are published to the parent only.
func (l *Logger) Tee(out Outputter, prefix string) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{
		Outputter: out,
		Level:     l.Level,
		parent:    l,
		prefix:    prefix,
	}
}

// Std is the standard logger.
var Std = New(log.New(os.Stderr, "", log.LstdFlags), InfoLevel)

// The following are convenience functions to call on
// common methods on the Std logger.
var (
	Print  = Std.Print
	Printf = Std.Printf
	Error  = Std.Error
	Errorf = Std.Errorf
	Warn   = Std.Warn
	Warnf  = Std.Warnf
	Debug  = Std.Debug
	Debugf = Std.Debugf
	At     = Std.At
)

// Fatal formats a message in the manner of fmt.Print, outputs it to
// the standard outputter (always), and then calls os.Exit(1).
func Fatal(v ...interface{}) {
	Std.Output(2, fmt.Sprint(v...))
	os.Exit(1)
}

// Fatalf formats a message in the manner of fmt.Printf, outputs it to
// the standard outputter (always), and then calls os.Exit(1).
func Fatalf(format string, v ...interface{}) {
	Std.Output(2, fmt.Sprintf(format, v...))
	os.Exit(1)
}
