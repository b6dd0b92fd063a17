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
	"fmt"
	"regexp"
	"strings"
)

//FileName is the decomposition of an RPM file name like
//"python3-nova-19.0.1-3.1.noarch.rpm".
type FileName struct {
	Name    string
	Version string
	Release string
	Arch    string
}

var fileNameRx = regexp.MustCompile(`^(.*)-([^-]+)-([^-]+)\.([^-.]+)\.rpm$`)

//ParseFileName decomposes an RPM file name into its parts.
func ParseFileName(fileName string) (FileName, bool) {
	match := fileNameRx.FindStringSubmatch(fileName)
	if match == nil || match[1] == "" {
		return FileName{}, false
	}
	return FileName{match[1], match[2], match[3], match[4]}, true
}

//IsSourceFileName returns whether the file name looks like a source RPM.
func IsSourceFileName(fileName string) bool {
	return strings.HasSuffix(fileName, ".src.rpm") || strings.HasSuffix(fileName, ".nosrc.rpm")
}

//DistURL is the decomposition of a DISTURL header value as written by the
//Open Build Service, e.g.
//"obs://build.opensuse.org/Cloud:OpenStack:Master/SLE_12_SP3/4f1a...-openstack-nova".
type DistURL struct {
	Host       string
	Project    string
	Repository string
	Package    string
}

//Origin returns the "project/repository" pair that built the package.
func (u DistURL) Origin() string {
	return u.Project + "/" + u.Repository
}

//ParseDistURL decomposes a DISTURL header value.
func ParseDistURL(value string) (DistURL, error) {
	rest := strings.TrimPrefix(value, "obs://")
	if rest == value {
		return DistURL{}, fmt.Errorf("unsupported DISTURL %q: expected obs:// scheme", value)
	}
	fields := strings.Split(rest, "/")
	if len(fields) < 4 || fields[0] == "" || fields[1] == "" || fields[2] == "" {
		return DistURL{}, fmt.Errorf("malformed DISTURL %q", value)
	}
	u := DistURL{Host: fields[0], Project: fields[1], Repository: fields[2]}

	//the last element is "<srcmd5>-<package>"
	last := fields[len(fields)-1]
	if idx := strings.IndexByte(last, '-'); idx >= 0 {
		u.Package = last[idx+1:]
	} else {
		u.Package = last
	}
	return u, nil
}
