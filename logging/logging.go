// Package logging holds the structured logger shared by the tcp engine and
// its tools.
package logging

import (
	"os"

	"github.com/apex/log"
	"github.com/apex/log/handlers/json"
)

// Logger writes JSON records on the standard error. The level defaults to
// Info; segment traces are emitted at Debug.
var Logger = log.Logger{
	Handler: json.New(os.Stderr),
	Level:   log.InfoLevel,
}

// SetLevel changes the level of Logger. Unknown names leave it untouched and
// return the parse error.
func SetLevel(name string) error {
	level, err := log.ParseLevel(name)
	if err != nil {
		return err
	}
	Logger.Level = level
	return nil
}

// SetDebug switches Logger between Debug and Info.
func SetDebug(debug bool) {
	if debug {
		Logger.Level = log.DebugLevel
	} else {
		Logger.Level = log.InfoLevel
	}
}
