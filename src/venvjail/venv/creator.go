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

package venv

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/venvjail/venvjail/src/venvjail/common"
)

//EnvironmentCreator creates the base interpreter environment in an existing,
//empty directory.
type EnvironmentCreator interface {
	Create(ctx context.Context, dir string, systemSitePackages bool) error
}

//CommandCreator runs an external command like `virtualenv` or
//`python3 -m venv`; the target directory is appended to its arguments.
type CommandCreator struct {
	Command []string
}

//Create implements the EnvironmentCreator interface.
func (c CommandCreator) Create(ctx context.Context, dir string, systemSitePackages bool) error {
	if len(c.Command) == 0 {
		return common.Errorf(common.ConfigurationError, "venv.command", "no command configured")
	}
	args := append([]string(nil), c.Command[1:]...)
	if systemSitePackages {
		args = append(args, "--system-site-packages")
	}
	args = append(args, dir)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.Command[0], args...)
	cmd.Stderr = &stderr
	common.Log.Debugf("running %s %s", c.Command[0], strings.Join(args, " "))
	output, err := cmd.Output()
	if len(output) > 0 {
		common.Log.Debug(strings.TrimSpace(string(output)))
	}
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return common.Errorf(common.AssemblyError, c.Command[0], "cannot create interpreter environment: %s", msg)
	}
	return nil
}
