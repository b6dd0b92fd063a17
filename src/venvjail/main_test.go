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

package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venvjail/venvjail/src/venvjail/common"
	"github.com/venvjail/venvjail/src/venvjail/patterns"
	"github.com/venvjail/venvjail/src/venvjail/rpm/rpmtest"
	"github.com/venvjail/venvjail/src/venvjail/venv"
)

//fakeVirtualenv creates the parts of a venv that relocation cares about in
//the directory given as its last argument.
const fakeVirtualenv = `
for dir; do :; done
mkdir -p "$dir/bin" || exit 1
printf '#!%s/bin/python3\nimport pip\n' "$dir" > "$dir/bin/pip"
chmod 755 "$dir/bin/pip"
printf 'deactivate nondestructive\n\nVIRTUAL_ENV="%s"\nexport VIRTUAL_ENV\n' "$dir" > "$dir/bin/activate"
`

type cliTest struct {
	t          *testing.T
	dir        string
	configPath string
}

func newCLITest(t *testing.T, apiURL string) *cliTest {
	dir := t.TempDir()
	repoDir := filepath.Join(dir, "repo")
	require.NoError(t, os.Mkdir(repoDir, 0755))

	nova := rpmtest.NewPackage("python3-nova", "19.0.1")
	rpmtest.AddFile(nova, "/usr/bin/nova-api", "#!/usr/bin/python3\nimport nova\n", 0755)
	rpmtest.Write(t, repoDir, nova, rpmtest.Options{})
	doc := rpmtest.NewPackage("python3-nova-doc", "19.0.1")
	rpmtest.AddFile(doc, "/usr/share/doc/nova/README", "docs", 0644)
	rpmtest.Write(t, repoDir, doc, rpmtest.Options{})

	config := fmt.Sprintf(`[repository]
path = %q

[patterns]
include = %q
exclude = %q

[venv]
command = ["sh", "-c", '''%s''', "virtualenv"]
relocate = "/srv/venvs"

[obs]
apiurl = %q
retries = 0
`, repoDir, filepath.Join(dir, "include-rpm"), filepath.Join(dir, "exclude-rpm"), fakeVirtualenv, apiURL)
	configPath := filepath.Join(dir, "venvjail.toml")
	require.NoError(t, os.WriteFile(configPath, []byte(config), 0644))
	return &cliTest{t, dir, configPath}
}

func (c *cliTest) run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	args = append(args, "--config="+c.configPath)
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func (c *cliTest) readFile(name string) string {
	content, err := os.ReadFile(filepath.Join(c.dir, name))
	require.NoError(c.t, err)
	return string(content)
}

func TestCreate(t *testing.T) {
	c := newCLITest(t, "http://localhost")
	destDir := filepath.Join(c.dir, "nova")

	code, stdout, stderr := c.run("create", destDir)
	require.Equal(t, common.ExitSuccess, code, stderr)
	assert.Equal(t, destDir+"\n", stdout)

	//pattern files were generated
	assert.Contains(t, c.readFile("include-rpm"), "\n^python3-nova$\n")
	assert.NotContains(t, c.readFile("include-rpm"), "doc")
	assert.Equal(t, patterns.DefaultExclude.Render(), c.readFile("exclude-rpm"))

	//the venv is rewritten for its final location
	assert.Equal(t, "#!/srv/venvs/nova/bin/python3\nimport nova\n", c.readFile("nova/bin/nova-api"))
	assert.Equal(t, "#!/srv/venvs/nova/bin/python3\nimport pip\n", c.readFile("nova/bin/pip"))
	assert.Contains(t, c.readFile("nova/bin/activate"), "VIRTUAL_ENV=\"/srv/venvs/nova\"")
	assert.Contains(t, c.readFile("nova/"+venv.LogFileName), "# Excluded packages\npython3-nova-doc\n")
	tree, err := venv.Open(destDir)
	require.NoError(t, err)
	assert.Equal(t, "/srv/venvs/nova", tree.EmbeddedRoot)

	//a second run does not overwrite the finished venv
	code, _, stderr = c.run("create", destDir)
	assert.Equal(t, common.ExitAssembly, code)
	assert.Contains(t, stderr, "already exists")
}

func TestCreateInstallRoot(t *testing.T) {
	c := newCLITest(t, "http://localhost")
	installRoot := filepath.Join(c.dir, "buildroot")

	code, stdout, stderr := c.run("create", filepath.Join(c.dir, "nova"), "--install-root="+installRoot, "--relocate=/opt/venvs")
	require.Equal(t, common.ExitSuccess, code, stderr)
	assert.Equal(t, filepath.Join(installRoot, "opt/venvs/nova")+"\n", stdout)
	assert.Equal(t, "#!/opt/venvs/nova/bin/python3\nimport nova\n", c.readFile("buildroot/opt/venvs/nova/bin/nova-api"))
	_, err := os.Stat(filepath.Join(c.dir, "nova"))
	assert.True(t, os.IsNotExist(err))
}

func TestCreateRetriesAfterFailedRelocation(t *testing.T) {
	c := newCLITest(t, "http://localhost")
	destDir := filepath.Join(c.dir, "nova")
	installRoot := filepath.Join(c.dir, "buildroot")
	blocker := filepath.Join(installRoot, "opt/venvs/nova")
	require.NoError(t, os.MkdirAll(blocker, 0755))

	code, _, stderr := c.run("create", destDir, "--install-root="+installRoot, "--relocate=/opt/venvs")
	assert.Equal(t, common.ExitRelocation, code)
	assert.Contains(t, stderr, "destination already exists")
	assert.False(t, venv.IsComplete(destDir))

	require.NoError(t, os.Remove(blocker))
	code, stdout, stderr := c.run("create", destDir, "--install-root="+installRoot, "--relocate=/opt/venvs")
	require.Equal(t, common.ExitSuccess, code, stderr)
	assert.Equal(t, blocker+"\n", stdout)
	assert.Equal(t, "#!/opt/venvs/nova/bin/python3\nimport nova\n", c.readFile("buildroot/opt/venvs/nova/bin/nova-api"))
}

func TestCreateWithoutGeneration(t *testing.T) {
	c := newCLITest(t, "http://localhost")
	code, _, stderr := c.run("create", filepath.Join(c.dir, "nova"), "--no-generate")
	assert.Equal(t, common.ExitConfiguration, code)
	assert.Contains(t, stderr, "pattern file does not exist")
	_, err := os.Stat(filepath.Join(c.dir, "nova"))
	assert.True(t, os.IsNotExist(err))
}

func TestCreateRejectsInvalidPatterns(t *testing.T) {
	c := newCLITest(t, "http://localhost")
	require.NoError(t, os.WriteFile(filepath.Join(c.dir, "include-rpm"), []byte("python3-(\n"), 0644))
	code, _, stderr := c.run("create", filepath.Join(c.dir, "nova"))
	assert.Equal(t, common.ExitConfiguration, code)
	assert.Contains(t, stderr, "include-rpm:1")
}

func TestIncludeAndExclude(t *testing.T) {
	c := newCLITest(t, "http://localhost")

	code, stdout, stderr := c.run("exclude")
	require.Equal(t, common.ExitSuccess, code, stderr)
	assert.Equal(t, patterns.DefaultExclude.Render(), stdout)

	code, stdout, stderr = c.run("include", "--source=repo")
	require.Equal(t, common.ExitSuccess, code, stderr)
	assert.True(t, strings.HasSuffix(stdout, "\n^python3-nova$\n"), stdout)

	code, _, stderr = c.run("include", "--source=repo", "--all", "-o", filepath.Join(c.dir, "all-rpm"))
	require.Equal(t, common.ExitSuccess, code, stderr)
	assert.True(t, strings.HasSuffix(c.readFile("all-rpm"), "\n^python3-nova$\n^python3-nova-doc$\n"))

	code, _, _ = c.run("include", "--source=somewhere")
	assert.Equal(t, common.ExitUsage, code)
}

func TestBinaryAndRequires(t *testing.T) {
	documents := map[string]string{
		"/build/Cloud:OpenStack:Master/SLE_12_SP3/x86_64/openstack-nova": `<binarylist>
  <binary filename="python3-nova-19.0.1-1.1.noarch.rpm" />
  <binary filename="python3-nova-doc-19.0.1-1.1.noarch.rpm" />
</binarylist>`,
		"/source/Cloud:OpenStack:Master/openstack-nova/openstack-nova.spec": "Requires: python3-nova, httpd >= 2.4\nBuildRequires: python3-devel\n",
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		document, ok := documents[r.URL.EscapedPath()]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(document))
	}))
	defer server.Close()
	c := newCLITest(t, server.URL)

	code, stdout, stderr := c.run("binary", "openstack-nova")
	require.Equal(t, common.ExitSuccess, code, stderr)
	assert.Equal(t, "python3-nova\n", stdout)

	code, stdout, stderr = c.run("binary", "openstack-nova", "--all")
	require.Equal(t, common.ExitSuccess, code, stderr)
	assert.Equal(t, "python3-nova\npython3-nova-doc\n", stdout)

	require.NoError(t, os.WriteFile(filepath.Join(c.dir, "include-rpm"), []byte("^python3-nova$\n"), 0644))
	code, stdout, stderr = c.run("requires", "openstack-nova")
	require.Equal(t, common.ExitSuccess, code, stderr)
	assert.Equal(t, "httpd\npython3-devel\n", stdout)

	code, stdout, stderr = c.run("requires", "openstack-nova", "--runtime-only")
	require.Equal(t, common.ExitSuccess, code, stderr)
	assert.Equal(t, "httpd\n", stdout)

	code, stdout, stderr = c.run("requires", "openstack-nova", "--with-versions")
	require.Equal(t, common.ExitSuccess, code, stderr)
	assert.Equal(t, "httpd >= 2.4\npython3-devel\n", stdout)

	code, _, stderr = c.run("requires", "openstack-glance")
	assert.Equal(t, common.ExitFetch, code)
	assert.Contains(t, stderr, "404")
}

func TestInspect(t *testing.T) {
	dir := t.TempDir()
	pkg := rpmtest.NewPackage("python3-nova", "19.0.1")
	rpmtest.AddFile(pkg, "/usr/bin/nova-api", "#!/usr/bin/python3\n", 0755)
	rpmtest.AddSymlink(pkg, "/usr/bin/nova", "nova-api")
	path := rpmtest.Write(t, dir, pkg, rpmtest.Options{
		DistURL: "obs://build.opensuse.org/Cloud:OpenStack:Master/SLE_12_SP3/abcdef-openstack-nova",
	})

	c := newCLITest(t, "http://localhost")
	code, stdout, stderr := c.run("inspect", path)
	require.Equal(t, common.ExitSuccess, code, stderr)
	assert.Contains(t, stdout, "\n    origin: Cloud:OpenStack:Master/SLE_12_SP3\n")
	assert.Contains(t, stdout, "\n    >> /usr/bin/nova-api is regular file (mode: 0755)\n")
	assert.Contains(t, stdout, "\n    >> /usr/bin/nova is symlink to nova-api\n")

	code, _, _ = c.run("inspect", filepath.Join(dir, "missing.rpm"))
	assert.Equal(t, common.ExitRepository, code)
}

func TestUsage(t *testing.T) {
	c := newCLITest(t, "http://localhost")

	code, _, _ := c.run("frobnicate")
	assert.Equal(t, common.ExitUsage, code)
	code, _, stderr := c.run("create")
	assert.Equal(t, common.ExitUsage, code)
	assert.Contains(t, stderr, "expected DEST_DIR")
	code, _, _ = c.run("binary", "a", "b")
	assert.Equal(t, common.ExitUsage, code)
	code, _, _ = c.run("exclude", "--frobnicate")
	assert.Equal(t, common.ExitUsage, code)

	var stdout, stderrBuf bytes.Buffer
	assert.Equal(t, common.ExitSuccess, run(context.Background(), []string{"--help"}, &stdout, &stderrBuf))
	assert.Contains(t, stdout.String(), "requires")
	stdout.Reset()
	assert.Equal(t, common.ExitSuccess, run(context.Background(), []string{"--version"}, &stdout, &stderrBuf))
	assert.Equal(t, "venvjail dev\n", stdout.String())
	assert.Equal(t, common.ExitUsage, run(context.Background(), nil, &stdout, &stderrBuf))
}

func TestCommandHelp(t *testing.T) {
	c := newCLITest(t, "http://localhost")
	for name, cmd := range commands {
		code, _, stderr := c.run(name, "--help")
		assert.Equal(t, common.ExitSuccess, code, name)
		assert.Contains(t, stderr, "Usage: venvjail "+name+" "+cmd.usage, name)
		assert.Contains(t, stderr, cmd.description, name)
		assert.Contains(t, stderr, "--config", name)
	}
}

func TestLongFlagsTakeValuesAfterEquals(t *testing.T) {
	c := newCLITest(t, "http://localhost")
	output := filepath.Join(c.dir, "exclude-out")

	code, _, stderr := c.run("exclude", "--output", output)
	assert.Equal(t, common.ExitUsage, code)
	assert.Contains(t, stderr, "flag needs an argument")

	code, _, _ = c.run("exclude", "--output="+output)
	assert.Equal(t, common.ExitSuccess, code)
	assert.FileExists(t, output)
	code, _, _ = c.run("exclude", "-o", output+"2")
	assert.Equal(t, common.ExitSuccess, code)
	assert.FileExists(t, output+"2")
}

func TestRelocationTarget(t *testing.T) {
	assert.Equal(t, "/opt/venvs/nova", relocationTarget("/opt/venvs", "/tmp/build/nova", "/tmp/build/nova"))
	assert.Equal(t, "/opt/venvs/build/nova", relocationTarget("/opt/venvs", "build/nova", "/home/user/build/nova"))
	assert.Equal(t, "/tmp/build/nova", relocationTarget("", "/tmp/build/nova", "/tmp/build/nova"))
}
