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

package patterns

import (
	"regexp"
	"sort"
	"strings"

	"github.com/google/renameio"

	"github.com/venvjail/venvjail/src/venvjail/common"
)

//BaselineGroup is a commented group of patterns in a generated file.
type BaselineGroup struct {
	Name     string
	Comment  string
	Patterns []string
}

//Baseline is the content of a generated exclude file.
type Baseline struct {
	Header []string
	Groups []BaselineGroup
}

//DefaultExclude is the exclude list written by `venvjail exclude`, and used
//to filter generated include lists. Every pattern is anchored in a way that
//works with all match modes.
var DefaultExclude = Baseline{
	Header: []string{
		"List of packages to ignore (one regular expression per line)",
		"",
		"Note that `exclude` takes precedence over `include`. So if a",
		"package matches both lists, it will be excluded.",
	},
	Groups: []BaselineGroup{
		{"debug", "Debug information is not needed at runtime", []string{
			`.*-debuginfo$`,
			`.*-debugsource$`,
		}},
		{"devel", "Headers and development files", []string{
			`.*-devel$`,
			`.*-devel-.*`,
		}},
		{"test", "Test suites", []string{
			`.*-test$`,
			`.*-tests$`,
		}},
		{"doc", "Documentation", []string{
			`.*-doc$`,
			`.*-docs$`,
		}},
		{"runtime", "The interpreter comes from the base system; copying it breaks the venv", []string{
			`^python3?$`,
			`^python3?-base$`,
		}},
	},
}

//Patterns returns all patterns of the baseline in order.
func (b Baseline) Patterns() []string {
	var result []string
	for _, group := range b.Groups {
		result = append(result, group.Patterns...)
	}
	return result
}

//Render produces the file content for this baseline.
func (b Baseline) Render() string {
	var lines []string
	for _, line := range b.Header {
		lines = append(lines, commentLine(line))
	}
	for _, group := range b.Groups {
		lines = append(lines, "", commentLine(group.Comment))
		lines = append(lines, group.Patterns...)
	}
	return strings.Join(lines, "\n") + "\n"
}

func commentLine(text string) string {
	if text == "" {
		return ""
	}
	return "# " + text
}

//OriginRecord names a package and the "project/repository" that built it.
type OriginRecord struct {
	Name   string
	Origin string
}

//ProjectMetadata is the input for GenerateInclude.
type ProjectMetadata struct {
	//Target is the "project/repository" that the venv is built for.
	Target  string
	Records []OriginRecord
}

//GenerateInclude derives include patterns from the project metadata: every
//package built in the target repository is included by exact name, unless
//it is excluded (and all is false). The result is sorted and free of
//duplicates.
func GenerateInclude(meta ProjectMetadata, exclude *PatternList, all bool) []string {
	seen := make(map[string]bool)
	var result []string
	for _, record := range meta.Records {
		if record.Origin != meta.Target || seen[record.Name] {
			continue
		}
		seen[record.Name] = true
		if !all && exclude.Match(record.Name) {
			continue
		}
		result = append(result, "^"+regexp.QuoteMeta(record.Name)+"$")
	}
	sort.Strings(result)
	return result
}

//RenderInclude produces the file content for a generated include list.
func RenderInclude(meta ProjectMetadata, patterns []string) string {
	lines := []string{
		commentLine("List of packages to include (one regular expression per line)"),
		"",
		commentLine("Packages from " + meta.Target),
	}
	lines = append(lines, patterns...)
	return strings.Join(lines, "\n") + "\n"
}

//WriteFile replaces the file at path atomically.
func WriteFile(path, content string) error {
	err := renameio.WriteFile(path, []byte(content), 0644)
	return common.Wrap(common.OtherError, path, err)
}
