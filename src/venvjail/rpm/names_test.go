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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFileName(t *testing.T) {
	fn, ok := ParseFileName("python3-nova-19.0.1-3.1.noarch.rpm")
	require.True(t, ok)
	assert.Equal(t, FileName{"python3-nova", "19.0.1", "3.1", "noarch"}, fn)

	fn, ok = ParseFileName("openstack-nova-doc-19.0.1-3.1.src.rpm")
	require.True(t, ok)
	assert.Equal(t, "openstack-nova-doc", fn.Name)
	assert.Equal(t, "src", fn.Arch)

	for _, bad := range []string{"README", "foo.rpm", "-1-2.noarch.rpm", "python3-nova-19.0.1-3.1.noarch.rpm.sig"} {
		_, ok := ParseFileName(bad)
		assert.False(t, ok, bad)
	}
}

func TestIsSourceFileName(t *testing.T) {
	assert.True(t, IsSourceFileName("openstack-nova-19.0.1-3.1.src.rpm"))
	assert.True(t, IsSourceFileName("foo-1-1.nosrc.rpm"))
	assert.False(t, IsSourceFileName("python3-nova-19.0.1-3.1.noarch.rpm"))
}

func TestParseDistURL(t *testing.T) {
	u, err := ParseDistURL("obs://build.opensuse.org/Cloud:OpenStack:Master/SLE_12_SP3/4f1a2b3c-openstack-nova")
	require.NoError(t, err)
	assert.Equal(t, DistURL{
		Host:       "build.opensuse.org",
		Project:    "Cloud:OpenStack:Master",
		Repository: "SLE_12_SP3",
		Package:    "openstack-nova",
	}, u)
	assert.Equal(t, "Cloud:OpenStack:Master/SLE_12_SP3", u.Origin())

	for _, bad := range []string{"", "http://example.com/a/b/c", "obs://host/project", "obs:///a/b/c"} {
		_, err := ParseDistURL(bad)
		assert.Error(t, err, bad)
	}
}
