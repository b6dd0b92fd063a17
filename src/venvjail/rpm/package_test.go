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

package rpm

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	build "github.com/holocm/libpackagebuild"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venvjail/venvjail/src/venvjail/rpm/rpmtest"
)

func novaFixture() *build.Package {
	pkg := rpmtest.NewPackage("python3-nova", "19.0.1")
	rpmtest.AddFile(pkg, "/usr/bin/nova-api", "#!/usr/bin/python3\nprint('nova')\n", 0755)
	rpmtest.AddFile(pkg, "/usr/lib/python3.6/site-packages/nova/__init__.py", "", 0644)
	rpmtest.AddSymlink(pkg, "/usr/bin/nova-manage", "nova-api")
	rpmtest.AddDirectory(pkg, "/etc/nova")
	pkg.Requires = []build.PackageRelation{{RelatedPackage: "python3-six"}, {RelatedPackage: "rpmlib(CompressedFileNames)"}}
	return pkg
}

func TestOpenReadsHeaders(t *testing.T) {
	for _, compression := range []string{"gzip", "xz", "lzma", "zstd", "none"} {
		t.Run(compression, func(t *testing.T) {
			dir := t.TempDir()
			path := rpmtest.Write(t, dir, novaFixture(), rpmtest.Options{
				Compression: compression,
				DistURL:     "obs://build.opensuse.org/Cloud:OpenStack:Master/SLE_12_SP3/abc123-openstack-nova",
			})

			pkg, err := Open(path)
			require.NoError(t, err)
			assert.Equal(t, "python3-nova", pkg.Name)
			assert.Equal(t, "19.0.1", pkg.Version)
			assert.Equal(t, "1", pkg.Release)
			assert.Equal(t, "noarch", pkg.Arch)
			assert.Equal(t, "python3-nova-19.0.1-1.src.rpm", pkg.SourceRPM)
			assert.False(t, pkg.IsSource())
			assert.Equal(t, "python3-nova-19.0.1-1.noarch", pkg.FullName())

			requires, err := pkg.Requires()
			require.NoError(t, err)
			assert.Equal(t, []string{"python3-six"}, requires)

			files, err := pkg.Files()
			require.NoError(t, err)
			assert.Equal(t, []string{
				"/etc/nova",
				"/usr/bin/nova-api",
				"/usr/bin/nova-manage",
				"/usr/lib/python3.6/site-packages/nova/__init__.py",
			}, files)

			entries, err := pkg.Entries()
			require.NoError(t, err)
			require.Len(t, entries, 4)
			assert.True(t, entries[0].Mode.IsDir())
			assert.Equal(t, os.FileMode(0755), entries[1].Mode)
			assert.Equal(t, os.ModeSymlink, entries[2].Mode&os.ModeType)
			assert.Equal(t, "nova-api", entries[2].LinkTarget)
		})
	}
}

func TestOpenSourcePackage(t *testing.T) {
	dir := t.TempDir()
	path := rpmtest.Write(t, dir, rpmtest.NewPackage("openstack-nova", "19.0.1"), rpmtest.Options{Source: true})
	assert.Equal(t, "openstack-nova-19.0.1-1.src.rpm", filepath.Base(path))

	pkg, err := Open(path)
	require.NoError(t, err)
	assert.True(t, pkg.IsSource())
}

func TestOpenRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.rpm")
	require.NoError(t, os.WriteFile(path, []byte("this is not an RPM package at all, just some text that is long enough to fill a lead structure of 96 bytes"), 0644))
	_, err := Open(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte{0xed, 0xab}, 0644))
	_, err = Open(path)
	assert.Error(t, err)
}

func TestExtract(t *testing.T) {
	for _, compression := range []string{"gzip", "xz", "zstd"} {
		t.Run(compression, func(t *testing.T) {
			mtime := time.Date(2019, 6, 1, 12, 0, 0, 0, time.UTC)
			path := rpmtest.Write(t, t.TempDir(), novaFixture(), rpmtest.Options{Compression: compression, Mtime: mtime})
			pkg, err := Open(path)
			require.NoError(t, err)

			root := t.TempDir()
			extracted, err := pkg.Extract(context.Background(), root)
			require.NoError(t, err)
			assert.Contains(t, extracted, "/usr/bin/nova-api")
			assert.Contains(t, extracted, "/etc/nova")

			content, err := os.ReadFile(filepath.Join(root, "usr/bin/nova-api"))
			require.NoError(t, err)
			assert.Equal(t, "#!/usr/bin/python3\nprint('nova')\n", string(content))

			fi, err := os.Stat(filepath.Join(root, "usr/bin/nova-api"))
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0755), fi.Mode().Perm())
			assert.True(t, fi.ModTime().Equal(mtime))

			target, err := os.Readlink(filepath.Join(root, "usr/bin/nova-manage"))
			require.NoError(t, err)
			assert.Equal(t, "nova-api", target)
			li, err := os.Lstat(filepath.Join(root, "usr/bin/nova-manage"))
			require.NoError(t, err)
			assert.True(t, li.ModTime().Equal(mtime))

			fi, err = os.Stat(filepath.Join(root, "etc/nova"))
			require.NoError(t, err)
			assert.True(t, fi.IsDir())
		})
	}
}

func TestExtractReplacesExistingFiles(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "usr/bin"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "usr/bin/nova-api"), []byte("old"), 0444))
	require.NoError(t, os.Symlink("elsewhere", filepath.Join(root, "usr/bin/nova-manage")))

	pkg, err := Open(rpmtest.Write(t, t.TempDir(), novaFixture(), rpmtest.Options{}))
	require.NoError(t, err)
	_, err = pkg.Extract(context.Background(), root)
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(root, "usr/bin/nova-api"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "print('nova')")
	target, err := os.Readlink(filepath.Join(root, "usr/bin/nova-manage"))
	require.NoError(t, err)
	assert.Equal(t, "nova-api", target)
}

func TestExtractHardlinks(t *testing.T) {
	//%fdupes turns identical files into hardlinks, and only the last member
	//of the group carries the contents in the payload
	fixture := rpmtest.NewPackage("python3-nova", "19.0.1")
	rpmtest.AddFile(fixture, "/usr/lib/python3.6/site-packages/a/util.py", "def f(): return 1\n", 0644)
	rpmtest.AddFile(fixture, "/usr/lib/python3.6/site-packages/b/util.py", "def f(): return 1\n", 0644)
	rpmtest.AddFile(fixture, "/usr/lib/python3.6/site-packages/c/util.py", "def f(): return 1\n", 0644)
	rpmtest.AddFile(fixture, "/usr/lib/python3.6/site-packages/empty1", "", 0644)
	rpmtest.AddFile(fixture, "/usr/lib/python3.6/site-packages/empty2", "", 0644)

	for _, compression := range []string{"gzip", "xz", "none"} {
		t.Run(compression, func(t *testing.T) {
			pkg, err := Open(rpmtest.Write(t, t.TempDir(), fixture, rpmtest.Options{
				Compression: compression,
				Hardlinks: [][]string{
					{
						"/usr/lib/python3.6/site-packages/a/util.py",
						"/usr/lib/python3.6/site-packages/b/util.py",
						"/usr/lib/python3.6/site-packages/c/util.py",
					},
					{
						"/usr/lib/python3.6/site-packages/empty1",
						"/usr/lib/python3.6/site-packages/empty2",
					},
				},
			}))
			require.NoError(t, err)

			root := t.TempDir()
			extracted, err := pkg.Extract(context.Background(), root)
			require.NoError(t, err)
			assert.Len(t, extracted, 5)

			site := filepath.Join(root, "usr/lib/python3.6/site-packages")
			var infos []os.FileInfo
			for _, name := range []string{"a/util.py", "b/util.py", "c/util.py"} {
				content, err := os.ReadFile(filepath.Join(site, name))
				require.NoError(t, err)
				assert.Equal(t, "def f(): return 1\n", string(content), name)
				fi, err := os.Stat(filepath.Join(site, name))
				require.NoError(t, err)
				infos = append(infos, fi)
			}
			assert.True(t, os.SameFile(infos[0], infos[2]))
			assert.True(t, os.SameFile(infos[1], infos[2]))

			for _, name := range []string{"empty1", "empty2"} {
				fi, err := os.Stat(filepath.Join(site, name))
				require.NoError(t, err)
				assert.Equal(t, int64(0), fi.Size())
			}
		})
	}
}

func TestExtractFollowsSymlinkedDirectoriesInsideRoot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "bin"), 0755))
	require.NoError(t, os.Mkdir(filepath.Join(root, "usr"), 0755))
	require.NoError(t, os.Symlink("../bin", filepath.Join(root, "usr/bin")))

	fixture := novaFixture()
	rpmtest.AddDirectory(fixture, "/usr/bin")
	pkg, err := Open(rpmtest.Write(t, t.TempDir(), fixture, rpmtest.Options{}))
	require.NoError(t, err)
	_, err = pkg.Extract(context.Background(), root)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(root, "bin/nova-api"))
	assert.NoError(t, err)
	li, err := os.Lstat(filepath.Join(root, "usr/bin"))
	require.NoError(t, err)
	assert.Equal(t, os.ModeSymlink, li.Mode()&os.ModeType, "usr/bin must stay a symlink")
}

func TestExtractRejectsEscapingSymlinks(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "usr")))

	pkg, err := Open(rpmtest.Write(t, t.TempDir(), novaFixture(), rpmtest.Options{}))
	require.NoError(t, err)
	_, err = pkg.Extract(context.Background(), root)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes")

	entries, err := os.ReadDir(outside)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestExtractHonorsCancellation(t *testing.T) {
	pkg, err := Open(rpmtest.Write(t, t.TempDir(), novaFixture(), rpmtest.Options{}))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = pkg.Extract(ctx, t.TempDir())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCleanPath(t *testing.T) {
	assert.Equal(t, "/usr/bin/foo", CleanPath("./usr/bin/foo"))
	assert.Equal(t, "/usr/bin/foo", CleanPath("usr/bin/foo"))
	assert.Equal(t, "/etc/passwd", CleanPath("./../../etc/passwd"))
	assert.Equal(t, "/", CleanPath("."))
}
