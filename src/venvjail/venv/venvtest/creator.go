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

//Package venvtest provides an EnvironmentCreator for tests that lays out a
//venv like virtualenv does, without needing a Python interpreter.
package venvtest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

//Creator is a fake venv.EnvironmentCreator.
type Creator struct {
	//Fail makes Create() return an error after creating some files.
	Fail bool
	//Calls counts the invocations of Create().
	Calls int
}

//ErrCreate is returned by Create() when Fail is set.
var ErrCreate = errors.New("virtualenv exploded")

const activateTemplate = `# This file must be used with "source bin/activate" *from bash*

deactivate () {
    unset -f pydoc >/dev/null 2>&1
}

# unset irrelevant variables
deactivate nondestructive

VIRTUAL_ENV="%[1]s"
export VIRTUAL_ENV

_OLD_VIRTUAL_PATH="$PATH"
PATH="$VIRTUAL_ENV/bin:$PATH"
export PATH
`

const activateCshTemplate = `# This file must be used with "source bin/activate.csh" *from csh*.

alias deactivate 'test $?_OLD_VIRTUAL_PATH != 0 && setenv PATH "$_OLD_VIRTUAL_PATH:q" && unset _OLD_VIRTUAL_PATH'

# Unset irrelevant variables.
deactivate nondestructive

setenv VIRTUAL_ENV "%[1]s"

set _OLD_VIRTUAL_PATH="$PATH:q"
setenv PATH "$VIRTUAL_ENV:q/bin:$PATH:q"
`

const activateFishTemplate = `# This file must be used using ". bin/activate.fish" *within a running fish*.

function deactivate -d 'Exit virtualenv mode and return to the normal environment.'
    set -e VIRTUAL_ENV
end

# Unset irrelevant variables.
deactivate nondestructive

set -gx VIRTUAL_ENV "%[1]s"

set -gx _OLD_VIRTUAL_PATH $PATH
set -gx PATH "$VIRTUAL_ENV/bin" $PATH
`

const pipTemplate = `#!%[1]s/bin/python3
# -*- coding: utf-8 -*-
import re
import sys
from pip._internal import main
if __name__ == '__main__':
    sys.exit(main())
`

//Create implements the venv.EnvironmentCreator interface.
func (c *Creator) Create(ctx context.Context, dir string, systemSitePackages bool) error {
	c.Calls++
	files := map[string]string{
		"bin/activate":      fmt.Sprintf(activateTemplate, dir),
		"bin/activate.csh":  fmt.Sprintf(activateCshTemplate, dir),
		"bin/activate.fish": fmt.Sprintf(activateFishTemplate, dir),
		"bin/pip":           fmt.Sprintf(pipTemplate, dir),
		"pyvenv.cfg":        fmt.Sprintf("home = /usr/bin\ninclude-system-site-packages = %t\nversion = 3.6.15\n", systemSitePackages),
		"lib/python3.6/site-packages/_virtualenv.pth": "import _virtualenv\n",
	}
	for name, content := range files {
		path := filepath.Join(dir, name)
		err := os.MkdirAll(filepath.Dir(path), 0755)
		if err != nil {
			return err
		}
		mode := os.FileMode(0644)
		if name == "bin/pip" {
			mode = 0755
		}
		err = os.WriteFile(path, []byte(content), mode)
		if err != nil {
			return err
		}
	}
	err := os.Symlink("/usr/bin/python3", filepath.Join(dir, "bin/python3"))
	if err != nil {
		return err
	}
	if c.Fail {
		return ErrCreate
	}
	return nil
}
