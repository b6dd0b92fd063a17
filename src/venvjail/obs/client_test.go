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

package obs

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venvjail/venvjail/src/venvjail/common"
)

const repositoryListing = `<binarylist>
  <binary filename="_buildenv" size="1234" mtime="1540000000" />
  <binary filename="_statistics" size="12" mtime="1540000000" />
  <binary filename="python3-nova.rpm" size="1234" mtime="1540000000" />
  <binary filename="python3-six.rpm" size="1234" mtime="1540000000" />
  <binary filename="rpmlint.log" size="1234" mtime="1540000000" />
</binarylist>
`

const packageListing = `<binarylist>
  <binary filename="_statistics" size="12" mtime="1540000000" />
  <binary filename="openstack-nova-19.0.1-1.1.src.rpm" size="1234" mtime="1540000000" />
  <binary filename="python3-nova-19.0.1-1.1.noarch.rpm" size="1234" mtime="1540000000" />
  <binary filename="python3-nova-doc-19.0.1-1.1.noarch.rpm" size="1234" mtime="1540000000" />
  <binary filename="openstack-nova.log" size="1234" mtime="1540000000" />
</binarylist>
`

//testServer serves fixed documents, and counts the requests per path.
type testServer struct {
	*httptest.Server
	documents map[string]string
	status    map[string]int
	requests  map[string]*int32
}

func newTestServer(t *testing.T) *testServer {
	s := &testServer{
		documents: map[string]string{
			"/build/Cloud:OpenStack:Master/SLE_12_SP3/x86_64/_repository":       repositoryListing,
			"/build/Cloud:OpenStack:Master/SLE_12_SP3/x86_64/openstack-nova":    packageListing,
			"/source/Cloud:OpenStack:Master/openstack-nova/openstack-nova.spec": "Name: openstack-nova\n",
		},
		status:   make(map[string]int),
		requests: make(map[string]*int32),
	}
	for _, path := range []string{"/broken", "/missing", "/throttled"} {
		s.requests[path] = new(int32)
	}
	for path := range s.documents {
		s.requests[path] = new(int32)
	}
	s.status["/broken"] = http.StatusBadGateway
	s.status["/throttled"] = http.StatusTooManyRequests
	s.status["/missing"] = http.StatusNotFound

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.EscapedPath()
		if counter, ok := s.requests[path]; ok {
			atomic.AddInt32(counter, 1)
		}
		user, password, ok := r.BasicAuth()
		if !ok || user != "user" || password != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if status, ok := s.status[path]; ok {
			w.WriteHeader(status)
			return
		}
		document, ok := s.documents[path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(document))
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *testServer) count(path string) int {
	return int(atomic.LoadInt32(s.requests[path]))
}

func (s *testServer) client() *Client {
	return &Client{
		APIURL:        s.URL + "/",
		User:          "user",
		Password:      "secret",
		HTTP:          s.Client(),
		Retries:       2,
		RetryInterval: time.Millisecond,
	}
}

func TestRepositoryBinaries(t *testing.T) {
	s := newTestServer(t)
	names, err := RepositoryBinaries(context.Background(), s.client(), "Cloud:OpenStack:Master", "SLE_12_SP3", "x86_64")
	require.NoError(t, err)
	assert.Equal(t, []string{"python3-nova", "python3-six"}, names)
}

func TestPackageBinaries(t *testing.T) {
	s := newTestServer(t)
	files, err := PackageBinaries(context.Background(), s.client(), "Cloud:OpenStack:Master", "SLE_12_SP3", "x86_64", "openstack-nova")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"python3-nova-19.0.1-1.1.noarch.rpm",
		"python3-nova-doc-19.0.1-1.1.noarch.rpm",
	}, files)
}

func TestSpecFile(t *testing.T) {
	s := newTestServer(t)
	spec, err := SpecFile(context.Background(), s.client(), "Cloud:OpenStack:Master", "openstack-nova")
	require.NoError(t, err)
	assert.Equal(t, "Name: openstack-nova\n", spec)
}

func TestRepositoryMetadata(t *testing.T) {
	s := newTestServer(t)
	meta, err := RepositoryMetadata(context.Background(), s.client(), "Cloud:OpenStack:Master", "SLE_12_SP3", "x86_64")
	require.NoError(t, err)
	assert.Equal(t, "Cloud:OpenStack:Master/SLE_12_SP3", meta.Target)
	require.Len(t, meta.Records, 2)
	assert.Equal(t, "python3-nova", meta.Records[0].Name)
	assert.Equal(t, meta.Target, meta.Records[1].Origin)
}

func TestClientCachesResponses(t *testing.T) {
	s := newTestServer(t)
	c := s.client()
	path := "/source/Cloud:OpenStack:Master/openstack-nova/openstack-nova.spec"
	for i := 0; i < 3; i++ {
		_, err := c.Get(context.Background(), path)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, s.count(path))
}

func TestClientRetries(t *testing.T) {
	s := newTestServer(t)

	_, err := s.client().Get(context.Background(), "/broken")
	require.Error(t, err)
	assert.Equal(t, common.FetchError, common.KindOf(err))
	assert.Contains(t, err.Error(), s.URL+"/broken")
	assert.Equal(t, 3, s.count("/broken"))

	_, err = s.client().Get(context.Background(), "/throttled")
	require.Error(t, err)
	assert.Equal(t, 3, s.count("/throttled"))

	//client errors are not retried
	_, err = s.client().Get(context.Background(), "/missing")
	require.Error(t, err)
	assert.Equal(t, common.FetchError, common.KindOf(err))
	assert.Contains(t, err.Error(), "404")
	assert.Equal(t, 1, s.count("/missing"))
}

func TestClientRequiresCredentials(t *testing.T) {
	s := newTestServer(t)
	c := s.client()
	c.Password = "wrong"
	_, err := RepositoryBinaries(context.Background(), c, "Cloud:OpenStack:Master", "SLE_12_SP3", "x86_64")
	require.Error(t, err)
	assert.Equal(t, common.FetchError, common.KindOf(err))
	assert.Equal(t, 1, s.count("/build/Cloud:OpenStack:Master/SLE_12_SP3/x86_64/_repository"))
}

func TestClientCancellation(t *testing.T) {
	s := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.client().Get(ctx, "/broken")
	require.Error(t, err)
	assert.Equal(t, common.FetchError, common.KindOf(err))
}

func TestParseBinaryListRejectsGarbage(t *testing.T) {
	_, err := parseBinaryList([]byte("<binarylist><binary"), "/build/x")
	require.Error(t, err)
	assert.Equal(t, common.FetchError, common.KindOf(err))
}
