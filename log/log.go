// Copyright 2024 OpenAlchemy. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package log provides the pluggable logging contract used across the
// module. Importers may bring their own Logger; everything here is
// dependency free so the library never forces a logging stack on callers.
package log

import (
	"fmt"
	"io"
	"log"
	"sync"
)

// Logger is the minimal logging abstraction accepted by the library.
type Logger interface {
	Log(level Level, keyvals ...interface{}) error
}

type stdLogger struct {
	log  *log.Logger
	pool *sync.Pool
}

// NewStdLogger returns a Logger that writes key=value lines to w.
func NewStdLogger(w io.Writer) Logger {
	return &stdLogger{
		log: log.New(w, "", log.LstdFlags),
		pool: &sync.Pool{
			New: func() interface{} {
				return new([]byte)
			},
		},
	}
}

// Log prints the keyvals to the underlying writer.
func (l *stdLogger) Log(level Level, keyvals ...interface{}) error {
	if len(keyvals) == 0 {
		return nil
	}
	if (len(keyvals) & 1) == 1 {
		keyvals = append(keyvals, "KEYVALS UNPAIRED")
	}

	buf := l.pool.Get().(*[]byte)
	*buf = append(*buf, level.String()...)
	for i := 0; i < len(keyvals); i += 2 {
		*buf = append(*buf, fmt.Sprintf(" %s=%v", keyvals[i], keyvals[i+1])...)
	}
	l.log.Output(4, string(*buf)) //nolint:errcheck
	*buf = (*buf)[:0]
	l.pool.Put(buf)
	return nil
}
