// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rialtolog is the process-wide, component-indexed logging
// singleton used throughout the RPC runtime. It is lazily initialized from
// environment variables the first time a component logger is requested,
// and is backed by zerolog rather than a hand-rolled sink.
package rialtolog

import (
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Level is the RIALTO_DEBUG numeric scale: each level is a superset of the
// previous one, from fatal-only (0) to fully verbose (5).
type Level int32

const (
	LevelFatal Level = iota
	LevelError
	LevelWarning
	LevelMilestone
	LevelInfo
	LevelDebug
)

// DefaultLevel matches RIALTO_DEBUG_LEVEL_DEFAULT: fatal/error/warning/
// milestone, but not info or debug.
const DefaultLevel = LevelMilestone

func (l Level) zerologLevel() zerolog.Level {
	switch {
	case l >= LevelDebug:
		return zerolog.DebugLevel
	case l >= LevelInfo:
		return zerolog.InfoLevel
	case l >= LevelMilestone:
		return zerolog.InfoLevel
	case l >= LevelWarning:
		return zerolog.WarnLevel
	case l >= LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.FatalLevel
	}
}

// known components, covering the IPC core (client, server, ipc/wire, monitor).
const (
	CompClient  = "client"
	CompServer  = "server"
	CompIPC     = "ipc"
	CompMonitor = "monitor"
	CompCommon  = "common"
)

var defaultComponents = []string{CompClient, CompServer, CompIPC, CompMonitor, CompCommon}

type registry struct {
	once   sync.Once
	mu     sync.Mutex
	base   zerolog.Logger
	levels map[string]*int32 // component -> atomic Level
}

var global registry

func (r *registry) init() {
	r.once.Do(func() {
		r.levels = make(map[string]*int32, len(defaultComponents))
		for _, c := range defaultComponents {
			v := int32(DefaultLevel)
			r.levels[c] = &v
		}

		var writers []io.Writer
		if consoleEnabled() {
			writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"})
		} else {
			writers = append(writers, os.Stderr)
		}
		if path := os.Getenv("RIALTO_LOG_PATH"); path != "" {
			if f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640); err == nil {
				writers = append(writers, f)
			}
		}

		var out io.Writer
		if len(writers) == 1 {
			out = writers[0]
		} else {
			out = zerolog.MultiLevelWriter(writers...)
		}

		r.base = zerolog.New(out).With().Timestamp().Logger()
		applyRialtoDebug(r.levels)
	})
}

func consoleEnabled() bool {
	v := strings.ToUpper(strings.TrimSpace(os.Getenv("RIALTO_CONSOLE_LOG")))
	return v == "1" || v == "ON"
}

// applyRialtoDebug parses RIALTO_DEBUG, which is either a bare integer
// level applied to every component, or a `component:level;component:level`
// list (with an optional "*:level" wildcard entry setting the default
// before per-component overrides are applied).
func applyRialtoDebug(levels map[string]*int32) {
	raw := strings.TrimSpace(os.Getenv("RIALTO_DEBUG"))
	if raw == "" {
		return
	}

	if n, err := strconv.Atoi(raw); err == nil {
		lvl := levelFromNumber(n)
		for _, p := range levels {
			atomic.StoreInt32(p, int32(lvl))
		}
		return
	}

	parsed := map[string]int{}
	for _, item := range strings.Split(raw, ";") {
		kv := strings.SplitN(item, ":", 2)
		if len(kv) != 2 {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(kv[1]))
		if err != nil {
			continue
		}
		parsed[strings.TrimSpace(kv[0])] = n
	}

	if n, ok := parsed["*"]; ok {
		lvl := levelFromNumber(n)
		for _, p := range levels {
			atomic.StoreInt32(p, int32(lvl))
		}
		delete(parsed, "*")
	}

	for comp, n := range parsed {
		if p, ok := levels[comp]; ok {
			atomic.StoreInt32(p, int32(levelFromNumber(n)))
		}
	}
}

func levelFromNumber(n int) Level {
	switch {
	case n <= 0:
		return LevelFatal
	case n == 1:
		return LevelError
	case n == 2:
		return LevelWarning
	case n == 3:
		return LevelMilestone
	case n == 4:
		return LevelInfo
	default:
		return LevelDebug
	}
}

// Logger is a component-scoped handle onto the process-wide logger.
type Logger struct {
	component string
	level     *int32
	logger    zerolog.Logger
}

// For returns the logger for the named component, lazily initializing the
// process-wide singleton (and registering component if previously unknown,
// at the default level) on first use.
func For(component string) Logger {
	global.init()

	global.mu.Lock()
	p, ok := global.levels[component]
	if !ok {
		v := int32(DefaultLevel)
		p = &v
		global.levels[component] = p
	}
	global.mu.Unlock()

	return Logger{
		component: component,
		level:     p,
		logger:    global.base.With().Str("component", component).Logger(),
	}
}

func (l Logger) enabled(lvl Level) bool {
	return Level(atomic.LoadInt32(l.level)) >= lvl
}

func (l Logger) Debugf(format string, args ...interface{}) {
	if l.enabled(LevelDebug) {
		l.logger.Debug().Msgf(format, args...)
	}
}

func (l Logger) Infof(format string, args ...interface{}) {
	if l.enabled(LevelInfo) {
		l.logger.Info().Msgf(format, args...)
	}
}

func (l Logger) Milestonef(format string, args ...interface{}) {
	if l.enabled(LevelMilestone) {
		l.logger.Info().Msgf(format, args...)
	}
}

func (l Logger) Warnf(format string, args ...interface{}) {
	if l.enabled(LevelWarning) {
		l.logger.Warn().Msgf(format, args...)
	}
}

func (l Logger) Errorf(format string, args ...interface{}) {
	if l.enabled(LevelError) {
		l.logger.Error().Msgf(format, args...)
	}
}

// SysErrorf logs an error annotated with an errno/syscall-style err value.
func (l Logger) SysErrorf(err error, format string, args ...interface{}) {
	if l.enabled(LevelError) {
		l.logger.Error().Err(err).Msgf(format, args...)
	}
}
