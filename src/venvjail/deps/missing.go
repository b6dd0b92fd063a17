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

package deps

import (
	"context"
	"sort"
	"strings"

	build "github.com/holocm/libpackagebuild"

	"github.com/venvjail/venvjail/src/venvjail/obs"
	"github.com/venvjail/venvjail/src/venvjail/patterns"
	"github.com/venvjail/venvjail/src/venvjail/rpm"
)

//MissingSet contains the declared dependencies that are neither part of the
//venv nor provided by the base OS, sorted by name.
type MissingSet []build.PackageRelation

//Names returns the package names in the set.
func (m MissingSet) Names() []string {
	names := make([]string, len(m))
	for idx, rel := range m {
		names[idx] = rel.RelatedPackage
	}
	return names
}

//Format renders a relation as "name" or "name >= version".
func Format(rel build.PackageRelation) string {
	parts := []string{rel.RelatedPackage}
	for _, c := range rel.Constraints {
		parts = append(parts, c.Relation+" "+c.Version)
	}
	return strings.Join(parts, " ")
}

//Missing removes the resolved packages and the ones provided by the OS from
//the declared dependencies.
func Missing(declared []build.PackageRelation, resolved, osProvided []string) MissingSet {
	known := make(map[string]bool, len(resolved)+len(osProvided))
	for _, name := range resolved {
		known[name] = true
	}
	for _, name := range osProvided {
		known[name] = true
	}

	result := MissingSet{}
	for _, rel := range declared {
		if !known[rel.RelatedPackage] {
			result = append(result, rel)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].RelatedPackage < result[j].RelatedPackage
	})
	return result
}

//MissingDependencies parses the spec text and returns the dependencies of
//the selected kinds that the venv does not contain. Parse problems are
//returned as warnings; they never make a package appear in the result.
func MissingDependencies(specText string, kinds Kinds, resolved, osProvided []string) (MissingSet, []error) {
	decl, warnings := ParseSpec(specText)
	return Missing(decl.Relations(kinds), resolved, osProvided), warnings
}

//BinaryPackages lists the names of the binary packages built from the given
//source package. Names matching the exclude list are left out unless all is
//set.
func BinaryPackages(ctx context.Context, f obs.Fetcher, project, repository, arch, source string, exclude *patterns.PatternList, all bool) ([]string, error) {
	files, err := obs.PackageBinaries(ctx, f, project, repository, arch, source)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var result []string
	for _, file := range files {
		parsed, ok := rpm.ParseFileName(file)
		if !ok || seen[parsed.Name] {
			continue
		}
		seen[parsed.Name] = true
		if !all && exclude.Match(parsed.Name) {
			continue
		}
		result = append(result, parsed.Name)
	}
	sort.Strings(result)
	return result, nil
}
