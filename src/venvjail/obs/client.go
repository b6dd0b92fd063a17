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

//Package obs talks to the API of an Open Build Service instance.
package obs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/venvjail/venvjail/src/venvjail/common"
)

//number of API responses kept in memory
const cacheSize = 64

//Fetcher retrieves documents from the build service API. The path is
//relative to the API root, e.g. "/source/project/package/package.spec".
type Fetcher interface {
	Get(ctx context.Context, path string) ([]byte, error)
}

//Client is the default Fetcher implementation.
type Client struct {
	APIURL   string
	User     string
	Password string
	HTTP     *http.Client
	//Retries is the number of times that a failed request is repeated.
	//Client errors (4xx, except for 429) are never retried.
	Retries int
	//RetryInterval is the wait time before the first retry. It grows
	//exponentially for each following retry.
	RetryInterval time.Duration

	cache     *lru.Cache[string, []byte]
	cacheOnce sync.Once
}

//NewClient builds a Client from the configuration.
func NewClient(cfg common.OBSSection, timeout time.Duration) *Client {
	return &Client{
		APIURL:   cfg.APIURL,
		User:     cfg.User,
		Password: cfg.Password,
		HTTP:     &http.Client{Timeout: timeout},
		Retries:  cfg.Retries,
	}
}

//URL returns the full URL for the given API path.
func (c *Client) URL(path string) string {
	return strings.TrimSuffix(c.APIURL, "/") + "/" + strings.TrimPrefix(path, "/")
}

//Get implements the Fetcher interface. Successful responses are cached for
//the lifetime of the Client.
func (c *Client) Get(ctx context.Context, path string) ([]byte, error) {
	url := c.URL(path)
	c.cacheOnce.Do(func() {
		//lru.New only fails for a non-positive size
		c.cache, _ = lru.New[string, []byte](cacheSize)
	})
	if body, ok := c.cache.Get(url); ok {
		return body, nil
	}

	attempt := 0
	var body []byte
	operation := func() error {
		attempt++
		common.Log.WithFields(logrus.Fields{"url": url, "attempt": attempt}).Debug("fetching")
		var err error
		body, err = c.fetch(ctx, url)
		return err
	}
	err := backoff.Retry(operation, backoff.WithContext(c.backoff(), ctx))
	if err != nil {
		return nil, common.Wrap(common.FetchError, url, err)
	}
	c.cache.Add(url, body)
	return body, nil
}

func (c *Client) backoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if c.RetryInterval > 0 {
		b.InitialInterval = c.RetryInterval
	}
	//the number of retries is the limit, not the elapsed time
	b.MaxElapsedTime = 0
	retries := c.Retries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithMaxRetries(b, uint64(retries))
}

func (c *Client) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	if c.User != "" {
		req.SetBasicAuth(c.User, c.Password)
	}
	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusOK {
		return body, nil
	}
	err = fmt.Errorf("server responded with %s", resp.Status)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return nil, backoff.Permanent(err)
	}
	return nil, err
}
