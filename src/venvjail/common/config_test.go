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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "venvjail.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[repository]
path = "/srv/repo"

[venv]
relocate = "/opt/venvs"
collision = "error"
shebang_dirs = ["bin"]

[obs]
project = "Cloud:OpenStack:Rocky"
timeout = "5s"

[dependencies]
os_provided = ["glibc", "bash"]
`), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/repo", cfg.Repository.Path)
	assert.Equal(t, "/opt/venvs", cfg.Venv.Relocate)
	assert.Equal(t, "error", cfg.Venv.Collision)
	assert.Equal(t, []string{"bin"}, cfg.Venv.ShebangDirs)
	assert.Equal(t, []string{"glibc", "bash"}, cfg.Dependencies.OSProvided)
	assert.Equal(t, "Cloud:OpenStack:Rocky/SLE_12_SP3", cfg.Target())

	//unspecified settings keep their defaults
	assert.Equal(t, "python3", cfg.Venv.Interpreter)
	assert.Equal(t, "search", cfg.Patterns.Match)
	assert.True(t, cfg.Venv.SystemSitePackages)

	timeout, err := cfg.FetchTimeout()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, timeout)
}

func TestLoadConfigMissingFile(t *testing.T) {
	//an explicitly given file must exist
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
	assert.Equal(t, ConfigurationError, KindOf(err))

	//the default file is optional
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	defer func() { require.NoError(t, os.Chdir(wd)) }()
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestValidateReportsAllProblems(t *testing.T) {
	path := filepath.Join(t.TempDir(), "venvjail.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[venv]
command = []
interpreter = "/usr/bin/python3"
relocate = "venvs"
shebang_dirs = ["/bin", "../bin"]

[obs]
retries = -1
timeout = "soon"
`), 0644))

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Equal(t, ConfigurationError, KindOf(err))
	msg := err.Error()
	assert.Contains(t, msg, "7 problems")
	for _, fragment := range []string{"venv.command", "venv.interpreter", "venv.relocate", `"/bin"`, `"../bin"`, "obs.retries", "obs.timeout"} {
		assert.Contains(t, msg, fragment)
	}
}

func TestApplyEnvironment(t *testing.T) {
	t.Setenv("VENVJAIL_OBS_USER", "builder")
	t.Setenv("VENVJAIL_OBS_PASSWORD", "")
	cfg := DefaultConfig()
	cfg.OBS.Password = "from-file"
	cfg.ApplyEnvironment()
	assert.Equal(t, "builder", cfg.OBS.User)
	assert.Equal(t, "from-file", cfg.OBS.Password)
}

func TestErrorKinds(t *testing.T) {
	inner := errors.New("disk on fire")
	err := Wrap(AssemblyError, "/srv/venv", inner)
	assert.Equal(t, "assembly error: /srv/venv: disk on fire", err.Error())
	assert.Equal(t, AssemblyError, KindOf(err))
	assert.True(t, errors.Is(err, inner))

	//the innermost classification wins
	rewrapped := Wrap(RelocationError, "/srv", fmt.Errorf("while relocating: %w", err))
	assert.Equal(t, AssemblyError, KindOf(rewrapped))
	assert.Nil(t, Wrap(FetchError, "x", nil))

	assert.Equal(t, "error: plain", Errorf(OtherError, "", "plain").Error())
	assert.Equal(t, OtherError, KindOf(inner))
	assert.Equal(t, "error kind 42", Kind(42).String())
}

func TestExitCode(t *testing.T) {
	testCases := map[error]int{
		nil:                                 ExitSuccess,
		Errorf(ConfigurationError, "", "x"): ExitConfiguration,
		Errorf(ParseError, "", "x"):         ExitConfiguration,
		Errorf(RepositoryError, "", "x"):    ExitRepository,
		Errorf(AssemblyError, "", "x"):      ExitAssembly,
		Errorf(RelocationError, "", "x"):    ExitRelocation,
		Errorf(FetchError, "", "x"):         ExitFetch,
		errors.New("x"):                     ExitOther,
	}
	for err, expected := range testCases {
		assert.Equal(t, expected, ExitCode(err), fmt.Sprint(err))
	}
}

func TestErrorCollector(t *testing.T) {
	var ec ErrorCollector
	ec.Add(nil)
	assert.Nil(t, ec.Err(ConfigurationError, "include-rpm"))

	ec.Addf("first problem")
	err := ec.Err(ConfigurationError, "include-rpm")
	assert.Equal(t, "configuration error: include-rpm: first problem", err.Error())

	ec.Addf("problem %d", 2)
	err = ec.Err(ConfigurationError, "include-rpm")
	assert.Equal(t, "configuration error: include-rpm: 2 problems:\n    first problem\n    problem 2", err.Error())
}
