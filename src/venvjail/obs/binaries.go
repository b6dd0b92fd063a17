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
	"encoding/xml"
	"fmt"
	"net/url"
	"strings"

	"github.com/venvjail/venvjail/src/venvjail/common"
	"github.com/venvjail/venvjail/src/venvjail/patterns"
)

type binaryList struct {
	Binaries []struct {
		FileName string `xml:"filename,attr"`
	} `xml:"binary"`
}

//parseBinaryList extracts the RPM file names from a binarylist document,
//skipping build logs, source packages and internal files.
func parseBinaryList(data []byte, source string) ([]string, error) {
	var list binaryList
	err := xml.Unmarshal(data, &list)
	if err != nil {
		return nil, common.Wrap(common.FetchError, source, err)
	}
	var result []string
	for _, binary := range list.Binaries {
		name := binary.FileName
		switch {
		case name == "",
			strings.HasPrefix(name, "_"),
			strings.HasSuffix(name, ".log"),
			strings.HasSuffix(name, "src.rpm"):
			continue
		}
		result = append(result, name)
	}
	return result, nil
}

func buildPath(elements ...string) string {
	escaped := make([]string, len(elements))
	for idx, element := range elements {
		escaped[idx] = url.PathEscape(element)
	}
	return "/build/" + strings.Join(escaped, "/")
}

//RepositoryBinaries lists the names of all binary packages available in the
//given build repository.
func RepositoryBinaries(ctx context.Context, f Fetcher, project, repository, arch string) ([]string, error) {
	path := buildPath(project, repository, arch, "_repository")
	data, err := f.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	files, err := parseBinaryList(data, path)
	if err != nil {
		return nil, err
	}
	//the _repository listing uses unversioned file names
	result := make([]string, len(files))
	for idx, file := range files {
		result[idx] = strings.TrimSuffix(file, ".rpm")
	}
	return result, nil
}

//PackageBinaries lists the RPM file names that the build of the given source
//package produced.
func PackageBinaries(ctx context.Context, f Fetcher, project, repository, arch, pkg string) ([]string, error) {
	path := buildPath(project, repository, arch, pkg)
	data, err := f.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	return parseBinaryList(data, path)
}

//SpecFile returns the spec file of the given source package.
func SpecFile(ctx context.Context, f Fetcher, project, pkg string) (string, error) {
	path := fmt.Sprintf("/source/%s/%s/%s.spec", url.PathEscape(project), url.PathEscape(pkg), url.PathEscape(pkg))
	data, err := f.Get(ctx, path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

//RepositoryMetadata describes the binaries of a build repository in the form
//expected by patterns.GenerateInclude(). All binaries are attributed to the
//repository itself.
func RepositoryMetadata(ctx context.Context, f Fetcher, project, repository, arch string) (patterns.ProjectMetadata, error) {
	names, err := RepositoryBinaries(ctx, f, project, repository, arch)
	if err != nil {
		return patterns.ProjectMetadata{}, err
	}
	origin := project + "/" + repository
	meta := patterns.ProjectMetadata{Target: origin}
	for _, name := range names {
		meta.Records = append(meta.Records, patterns.OriginRecord{Name: name, Origin: origin})
	}
	return meta, nil
}
