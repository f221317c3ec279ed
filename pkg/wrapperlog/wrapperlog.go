// Copyright (c) 2018 Red Hat, Inc.
//
// SPDX-License-Identifier: Apache-2.0
//

// Package wrapperlog routes the shared logrus logger to the per-conversion
// wrapper log and provides helpers to log executed commands with password
// material masked.
package wrapperlog

import (
	"os"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
)

// passwordArgRe matches "key=value" arguments whose key mentions a
// password, e.g. "-oo rhv-password=secret" carried as "rhv-password=...".
var passwordArgRe = regexp.MustCompile(`(?i)^([^=]*password[^=]*)=`)

// Configure sends the shared logrus logger to the wrapper log file. The
// file is opened in append mode so that a detached child keeps writing to
// the log its parent started.
func Configure(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_SYNC, 0640)
	if err != nil {
		return nil, err
	}

	logrus.SetOutput(f)
	logrus.SetLevel(logrus.DebugLevel)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	return f, nil
}

// stdoutHook duplicates every entry to standard output with its own
// formatter, leaving the main logger's file output untouched.
type stdoutHook struct {
	formatter logrus.Formatter
}

func (h *stdoutHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *stdoutHook) Fire(e *logrus.Entry) error {
	line, err := h.formatter.Format(e)
	if err != nil {
		return err
	}

	_, err = os.Stdout.Write(line)

	return err
}

// EchoToStdout mirrors all log entries to standard output. Used in
// foreground mode where the caller watches the conversion directly.
func EchoToStdout() {
	logrus.AddHook(&stdoutHook{
		formatter: &logrus.TextFormatter{
			FullTimestamp: true,
		},
	})
}

// SafeArgs returns a copy of args with the values of password-carrying
// "key=value" arguments masked.
func SafeArgs(args []string) []string {
	safe := make([]string, len(args))
	for i, arg := range args {
		if m := passwordArgRe.FindStringSubmatch(arg); m != nil {
			safe[i] = m[1] + "=*****"
		} else {
			safe[i] = arg
		}
	}
	return safe
}

// SafeEnv returns a copy of env ("KEY=VALUE" entries) with the values of
// password-related keys masked wholesale.
func SafeEnv(env []string) []string {
	safe := make([]string, len(env))
	for i, kv := range env {
		key := kv
		if n := strings.IndexByte(kv, '='); n >= 0 {
			key = kv[:n]
		}
		if strings.Contains(strings.ToLower(key), "password") {
			safe[i] = key + "=*****"
		} else {
			safe[i] = kv
		}
	}
	return safe
}

// LogCommand records a command execution with passwords masked. Always use
// this instead of logging argument vectors or environments directly.
func LogCommand(logger *logrus.Entry, args []string, env []string) {
	logger.Infof("Executing command: %q, environment: %q", SafeArgs(args), SafeEnv(env))
}
