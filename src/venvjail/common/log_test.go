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
	"testing"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestPrefixFormatter(t *testing.T) {
	color.NoColor = true
	defer func() { color.NoColor = false }()

	var buf bytes.Buffer
	logger := newLogger()
	logger.Out = &buf
	//the prefixes are rendered once at startup, so they may still carry
	//color codes; only the rest of the line is compared
	logger.WithFields(logrus.Fields{"package": "python3-nova", "arch": "noarch"}).Info("installing package")
	assert.Contains(t, buf.String(), " installing package arch=noarch package=python3-nova\n")

	buf.Reset()
	logger.Debug("invisible")
	assert.Empty(t, buf.String())
}

func TestSetVerbosity(t *testing.T) {
	defer SetVerbosity(false, false)

	SetVerbosity(true, false)
	assert.Equal(t, logrus.DebugLevel, Log.GetLevel())
	SetVerbosity(false, true)
	assert.Equal(t, logrus.WarnLevel, Log.GetLevel())
	SetVerbosity(false, false)
	assert.Equal(t, logrus.InfoLevel, Log.GetLevel())
}

func TestShowWarning(t *testing.T) {
	var buf bytes.Buffer
	out := Log.Out
	Log.Out = &buf
	defer func() { Log.Out = out }()

	ShowWarning("%s: unknown configuration key %q", "venvjail.toml", "venv.foo")
	assert.Contains(t, buf.String(), ` venvjail.toml: unknown configuration key "venv.foo"`+"\n")
}
