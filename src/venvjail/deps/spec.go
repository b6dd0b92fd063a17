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

//Package deps compares the dependencies declared by a source package with
//the contents of a venv.
package deps

import (
	"bufio"
	"fmt"
	"regexp"
	"strings"

	build "github.com/holocm/libpackagebuild"

	"github.com/venvjail/venvjail/src/venvjail/common"
)

//Kinds selects which dependency declarations are considered.
type Kinds uint

const (
	//RuntimeRequires selects "Requires:" declarations (including qualified
	//ones like "Requires(post):").
	RuntimeRequires Kinds = 1 << iota
	//BuildRequires selects "BuildRequires:" declarations.
	BuildRequires
)

//Declarations holds the dependencies declared in a spec file.
type Declarations struct {
	Requires      []build.PackageRelation
	BuildRequires []build.PackageRelation
}

//Relations returns the declarations of the selected kinds. A package that is
//declared in both kinds appears once, with the constraints of both.
func (d Declarations) Relations(kinds Kinds) []build.PackageRelation {
	var result []build.PackageRelation
	idxByName := make(map[string]int)
	add := func(rels []build.PackageRelation) {
		for _, rel := range rels {
			idx, exists := idxByName[rel.RelatedPackage]
			if !exists {
				idxByName[rel.RelatedPackage] = len(result)
				result = append(result, build.PackageRelation{RelatedPackage: rel.RelatedPackage})
				idx = len(result) - 1
			}
			result[idx].Constraints = append(result[idx].Constraints, rel.Constraints...)
		}
	}
	if kinds&RuntimeRequires != 0 {
		add(d.Requires)
	}
	if kinds&BuildRequires != 0 {
		add(d.BuildRequires)
	}
	return result
}

//Names returns the package names of Relations(kinds). This is the
//DependencySet of the spec file.
func (d Declarations) Names(kinds Kinds) []string {
	rels := d.Relations(kinds)
	names := make([]string, len(rels))
	for idx, rel := range rels {
		names[idx] = rel.RelatedPackage
	}
	return names
}

var directiveRx = regexp.MustCompile(`(?i)^\s*(requires|buildrequires)(?:\(([^)]*)\))?\s*:(.*)$`)

//operators are isolated into separate tokens, so that "foo>=1.0" and
//"foo >= 1.0" are read the same way
var operatorRx = regexp.MustCompile(`<=|>=|==|<|>|=`)

func isOperator(token string) bool {
	switch token {
	case "<", "<=", "=", "==", ">=", ">":
		return true
	}
	return false
}

//ParseSpec extracts the Requires and BuildRequires declarations from the
//text of a spec file. This is not a full spec file parser: each directive is
//considered on its own. Entries that cannot be understood (macros,
//rich or file dependencies, incomplete version constraints) are skipped, and
//a ParseError is returned for each of them.
func ParseSpec(text string) (Declarations, []error) {
	var decl Declarations
	var ec common.ErrorCollector
	requires := newRelationList()
	buildRequires := newRelationList()

	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		match := directiveRx.FindStringSubmatch(scanner.Text())
		if match == nil {
			continue
		}
		list := requires
		if strings.EqualFold(match[1], "buildrequires") {
			list = buildRequires
		}
		p := lineParser{subject: fmt.Sprintf("line %d", lineNo), ec: &ec, list: list}
		p.parse(match[3])
	}
	if err := scanner.Err(); err != nil {
		ec.Add(common.Wrap(common.ParseError, "", err))
	}

	decl.Requires = requires.rels
	decl.BuildRequires = buildRequires.rels
	return decl, ec.Errors
}

type relationList struct {
	rels      []build.PackageRelation
	idxByName map[string]int
}

func newRelationList() *relationList {
	return &relationList{idxByName: make(map[string]int)}
}

func (l *relationList) add(name string, constraint *build.VersionConstraint) {
	//do we have a relation to this package already?
	idx, exists := l.idxByName[name]
	if !exists {
		idx = len(l.rels)
		l.idxByName[name] = idx
		l.rels = append(l.rels, build.PackageRelation{RelatedPackage: name})
	}
	if constraint != nil {
		l.rels[idx].Constraints = append(l.rels[idx].Constraints, *constraint)
	}
}

type lineParser struct {
	subject string
	ec      *common.ErrorCollector
	list    *relationList
}

func (p *lineParser) warn(format string, args ...interface{}) {
	p.ec.Add(common.Errorf(common.ParseError, p.subject, format, args...))
}

func (p *lineParser) parse(value string) {
	value = operatorRx.ReplaceAllStringFunc(value, func(op string) string {
		return " " + op + " "
	})
	tokens := strings.Fields(strings.ReplaceAll(value, ",", " "))
	if len(tokens) == 0 {
		p.warn("empty dependency declaration")
		return
	}

	for idx := 0; idx < len(tokens); {
		token := tokens[idx]
		switch {
		case strings.HasPrefix(token, "("):
			next, skipped := skipGroup(tokens, idx, "(", ")")
			p.warn("rich dependency %q is not supported", skipped)
			idx = next
			continue
		case strings.Contains(token, "%"):
			next, skipped := skipGroup(tokens, idx, "{", "}")
			p.warn("cannot expand macro in %q", skipped)
			idx = next
			continue
		case isOperator(token):
			p.warn("version constraint %q without package name", token)
			idx++
			if idx < len(tokens) && !isOperator(tokens[idx]) {
				idx++
			}
			continue
		}

		name := token
		var constraint *build.VersionConstraint
		idx++
		if idx < len(tokens) && isOperator(tokens[idx]) {
			if idx+1 >= len(tokens) || isOperator(tokens[idx+1]) {
				p.warn("incomplete version constraint for %s", name)
				idx++
				continue
			}
			relation := tokens[idx]
			if relation == "==" {
				relation = "="
			}
			constraint = &build.VersionConstraint{Relation: relation, Version: tokens[idx+1]}
			idx += 2
		}

		switch {
		case strings.HasPrefix(name, "/"):
			p.warn("file dependency %s is not a package", name)
			continue
		case strings.ContainsAny(name, "()"):
			p.warn("capability %s is not a package", name)
			continue
		}
		if constraint != nil && strings.Contains(constraint.Version, "%") {
			p.warn("cannot expand macro in version constraint for %s", name)
			constraint = nil
		}
		p.list.add(name, constraint)
	}
}

//skipGroup skips tokens until the brackets opened in tokens[idx] are
//closed, and returns the index of the first token after the group as well as
//the skipped text.
func skipGroup(tokens []string, idx int, open, close string) (int, string) {
	start := idx
	depth := 0
	for ; idx < len(tokens); idx++ {
		depth += strings.Count(tokens[idx], open) - strings.Count(tokens[idx], close)
		if depth <= 0 {
			idx++
			break
		}
	}
	return idx, strings.Join(tokens[start:idx], " ")
}
