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
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

//DefaultConfigFile is the configuration file that is read from the working
//directory when no --config flag is given.
const DefaultConfigFile = "venvjail.toml"

//Config contains all settings that can be given in the configuration file.
//Command-line flags override individual fields after loading.
type Config struct {
	Repository   RepositorySection   `toml:"repository"`
	Patterns     PatternsSection     `toml:"patterns"`
	Venv         VenvSection         `toml:"venv"`
	OBS          OBSSection          `toml:"obs"`
	Dependencies DependenciesSection `toml:"dependencies"`
}

//RepositorySection is the [repository] section of the configuration file.
type RepositorySection struct {
	//Path is the directory containing the RPMs that make up the venv.
	Path string `toml:"path"`
}

//PatternsSection is the [patterns] section of the configuration file.
type PatternsSection struct {
	Include string `toml:"include"`
	Exclude string `toml:"exclude"`
	//Match is one of "search", "prefix" or "full".
	Match string `toml:"match"`
	//Generate allows `create` to generate missing pattern files.
	Generate bool `toml:"generate"`
}

//VenvSection is the [venv] section of the configuration file.
type VenvSection struct {
	Command            []string `toml:"command"`
	SystemSitePackages bool     `toml:"system_site_packages"`
	Interpreter        string   `toml:"interpreter"`
	//Relocate is the prefix below which venvs live at the end. The venv
	//directory name is appended to it, unless --relocate names a full path.
	Relocate            string   `toml:"relocate"`
	InstallRoot         string   `toml:"install_root"`
	Collision           string   `toml:"collision"`
	ShebangDirs         []string `toml:"shebang_dirs"`
	AlternativeSuffixes []string `toml:"alternative_suffixes"`
	Parallelism         int      `toml:"parallelism"`
}

//OBSSection is the [obs] section of the configuration file.
type OBSSection struct {
	APIURL     string `toml:"apiurl"`
	Project    string `toml:"project"`
	Repository string `toml:"repository"`
	Arch       string `toml:"arch"`
	User       string `toml:"user"`
	Password   string `toml:"password"`
	Retries    int    `toml:"retries"`
	Timeout    string `toml:"timeout"`
}

//DependenciesSection is the [dependencies] section of the configuration file.
type DependenciesSection struct {
	//OSProvided lists packages that the base OS always provides, so they
	//never need to be declared as co-installation dependencies.
	OSProvided []string `toml:"os_provided"`
}

//DefaultConfig returns the configuration that is used when no configuration
//file exists.
func DefaultConfig() Config {
	return Config{
		Repository: RepositorySection{
			Path: "/.build.binaries",
		},
		Patterns: PatternsSection{
			Include:  "include-rpm",
			Exclude:  "exclude-rpm",
			Match:    "search",
			Generate: true,
		},
		Venv: VenvSection{
			Command:             []string{"virtualenv"},
			SystemSitePackages:  true,
			Interpreter:         "python3",
			Relocate:            "/opt/ardana/venvs",
			Collision:           "last-wins",
			ShebangDirs:         []string{"bin", "sbin", "usr/sbin"},
			AlternativeSuffixes: []string{"-3.6", "-3", "-2.7"},
		},
		OBS: OBSSection{
			APIURL:     "https://api.opensuse.org",
			Project:    "Cloud:OpenStack:Master",
			Repository: "SLE_12_SP3",
			Arch:       "x86_64",
			Retries:    3,
			Timeout:    "60s",
		},
	}
}

//LoadConfig reads the configuration file at the given path on top of the
//defaults. If path is empty, DefaultConfigFile is tried and may be absent.
func LoadConfig(filePath string) (Config, error) {
	cfg := DefaultConfig()

	explicit := filePath != ""
	if !explicit {
		filePath = DefaultConfigFile
	}
	_, err := os.Stat(filePath)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return cfg, nil
		}
		return cfg, Wrap(ConfigurationError, filePath, err)
	}

	md, err := toml.DecodeFile(filePath, &cfg)
	if err != nil {
		return cfg, Wrap(ConfigurationError, filePath, err)
	}
	//unknown keys are most likely typos, which deserve a warning
	var unknown []string
	for _, key := range md.Undecoded() {
		unknown = append(unknown, key.String())
	}
	sort.Strings(unknown)
	for _, key := range unknown {
		ShowWarning("%s: unknown configuration key %q", filePath, key)
	}

	return cfg, cfg.Validate(filePath)
}

//ApplyEnvironment lets VENVJAIL_OBS_USER and VENVJAIL_OBS_PASSWORD override
//the build-service credentials.
func (c *Config) ApplyEnvironment() {
	if user := os.Getenv("VENVJAIL_OBS_USER"); user != "" {
		c.OBS.User = user
	}
	if password := os.Getenv("VENVJAIL_OBS_PASSWORD"); password != "" {
		c.OBS.Password = password
	}
}

//Validate checks the fields that can be checked without knowledge of other
//packages. All problems are reported at once.
func (c *Config) Validate(source string) error {
	ec := ErrorCollector{}
	if len(c.Venv.Command) == 0 || strings.TrimSpace(c.Venv.Command[0]) == "" {
		ec.Addf("venv.command may not be empty")
	}
	if c.Venv.Interpreter == "" || strings.Contains(c.Venv.Interpreter, "/") {
		ec.Addf("venv.interpreter must be a plain file name, got %q", c.Venv.Interpreter)
	}
	if c.Venv.Relocate != "" && !path.IsAbs(c.Venv.Relocate) {
		ec.Addf("venv.relocate must be an absolute path, got %q", c.Venv.Relocate)
	}
	if c.Venv.Parallelism < 0 {
		ec.Addf("venv.parallelism may not be negative")
	}
	if c.OBS.Retries < 0 {
		ec.Addf("obs.retries may not be negative")
	}
	if _, err := c.FetchTimeout(); err != nil {
		ec.Addf("obs.timeout: %s", err.Error())
	}
	for _, dir := range c.Venv.ShebangDirs {
		if path.IsAbs(dir) || strings.HasPrefix(path.Clean(dir), "..") {
			ec.Addf("venv.shebang_dirs entries must be relative to the venv, got %q", dir)
		}
	}
	return ec.Err(ConfigurationError, source)
}

//FetchTimeout parses OBS.Timeout. An empty value means no timeout.
func (c *Config) FetchTimeout() (time.Duration, error) {
	if c.OBS.Timeout == "" {
		return 0, nil
	}
	return time.ParseDuration(c.OBS.Timeout)
}

//Target is the "project/repository" identifier of the build repository that
//the venv is built for. Package origins are compared against it.
func (c *Config) Target() string {
	return c.OBS.Project + "/" + c.OBS.Repository
}
