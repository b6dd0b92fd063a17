/*******************************************************************************
*
* Copyright 2024 The venvjail Authors
*
* This file is part of venvjail.
*
* venvjail is free software: you can redistribute it and/or modify it under the
* terms of the GNU General Public License as published by the Free Software
* Foundation, either version 3 of the License, or (at your option) any later
* version.
*
* venvjail is distributed in the hope that it will be useful, but WITHOUT ANY
* WARRANTY; without even the implied warranty of MERCHANTABILITY or FITNESS FOR
* A PARTICULAR PURPOSE. See the GNU General Public License for more details.
*
* You should have received a copy of the GNU General Public License along with
* venvjail. If not, see <http://www.gnu.org/licenses/>.
*
*******************************************************************************/

package common

import (
	"bytes"
	"fmt"
	"os"
	"sort"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

//Log is the logger used by all venvjail packages. It writes to stderr, so
//that stdout stays reserved for command output (package lists etc.).
var Log = newLogger()

func newLogger() *logrus.Logger {
	return &logrus.Logger{
		Out:       os.Stderr,
		Formatter: &PrefixFormatter{},
		Hooks:     make(logrus.LevelHooks),
		Level:     logrus.InfoLevel,
	}
}

var (
	errorPrefix = color.New(color.FgRed, color.Bold).Sprint("!!")
	warnPrefix  = color.New(color.FgYellow, color.Bold).Sprint(">>")
	infoPrefix  = color.New(color.Bold).Sprint("::")
	debugPrefix = color.New(color.Faint).Sprint("..")
)

//PrefixFormatter renders log entries as a short colored marker followed by
//the message, e.g. "!! cannot read include-rpm". Fields are appended in
//sorted order as key=value pairs.
type PrefixFormatter struct{}

//Format implements the logrus.Formatter interface.
func (f *PrefixFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var buf bytes.Buffer
	switch entry.Level {
	case logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel:
		buf.WriteString(errorPrefix)
	case logrus.WarnLevel:
		buf.WriteString(warnPrefix)
	case logrus.InfoLevel:
		buf.WriteString(infoPrefix)
	default:
		buf.WriteString(debugPrefix)
	}
	buf.WriteByte(' ')
	buf.WriteString(entry.Message)

	keys := make([]string, 0, len(entry.Data))
	for key := range entry.Data {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(&buf, " %s=%v", key, entry.Data[key])
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

//SetVerbosity adjusts the log level from the --verbose and --quiet flags.
func SetVerbosity(verbose, quiet bool) {
	switch {
	case verbose:
		Log.SetLevel(logrus.DebugLevel)
	case quiet:
		Log.SetLevel(logrus.WarnLevel)
	default:
		Log.SetLevel(logrus.InfoLevel)
	}
}

//ShowError prints an error message on stderr.
func ShowError(err error) {
	Log.Error(err.Error())
}

//ShowWarning prints a warning message on stderr.
func ShowWarning(format string, args ...interface{}) {
	Log.Warnf(format, args...)
}
