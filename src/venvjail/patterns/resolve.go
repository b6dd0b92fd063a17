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
	"fmt"
	"sort"
)

//Resolver classifies package names with an include and an exclude list.
//Exclude always wins over include. An empty include list includes nothing.
type Resolver struct {
	Include *PatternList
	Exclude *PatternList
}

//Result is the outcome of Resolver.Resolve().
type Result struct {
	//Included is the sorted list of names that go into the venv.
	Included []string
	//Excluded is the sorted list of all other names.
	Excluded []string
	//UnusedInclude lists include patterns (as "file:line: pattern") that did
	//not match any name.
	UnusedInclude []string
	//EmptyInclude is set when the include list has no patterns at all.
	EmptyInclude bool
}

//Contains reports whether the given name belongs into the venv.
func (r Resolver) Contains(name string) bool {
	return r.Include.Match(name) && !r.Exclude.Match(name)
}

//Resolve classifies all given names. Duplicate names are reported once.
func (r Resolver) Resolve(names []string) Result {
	result := Result{EmptyInclude: r.Include.Len() == 0}
	used := make([]bool, r.Include.Len())
	seen := make(map[string]bool, len(names))

	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true

		idx := r.Include.MatchIndex(name)
		if idx >= 0 {
			used[idx] = true
		}
		if idx >= 0 && !r.Exclude.Match(name) {
			result.Included = append(result.Included, name)
		} else {
			result.Excluded = append(result.Excluded, name)
		}
	}

	//a pattern that only ever loses against an earlier one is still used
	//if it matches on its own
	for idx, isUsed := range used {
		if isUsed {
			continue
		}
		rx := r.Include.Patterns[idx]
		for name := range seen {
			if rx.MatchString(name) {
				used[idx] = true
				break
			}
		}
		if !used[idx] {
			result.UnusedInclude = append(result.UnusedInclude, r.Include.describe(idx))
		}
	}

	sort.Strings(result.Included)
	sort.Strings(result.Excluded)
	return result
}

func (pl *PatternList) describe(idx int) string {
	return fmt.Sprintf("%s:%d: %s", pl.Source, pl.Lines[idx], pl.Exprs[idx])
}
