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

//Package patterns implements the include/exclude pattern lists that decide
//which packages go into a venv.
package patterns

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/venvjail/venvjail/src/venvjail/common"
)

//MatchMode decides how a pattern is matched against a package name.
type MatchMode int

const (
	//MatchSearch accepts a match anywhere in the name.
	MatchSearch MatchMode = iota
	//MatchPrefix requires the match to start at the beginning of the name.
	MatchPrefix
	//MatchFull requires the pattern to match the whole name.
	MatchFull
)

var matchModeNames = []string{"search", "prefix", "full"}

func (m MatchMode) String() string {
	if int(m) < len(matchModeNames) {
		return matchModeNames[m]
	}
	return fmt.Sprintf("MatchMode(%d)", int(m))
}

//ParseMatchMode parses the value of the "match" setting.
func ParseMatchMode(value string) (MatchMode, error) {
	for idx, name := range matchModeNames {
		if name == value {
			return MatchMode(idx), nil
		}
	}
	return MatchSearch, fmt.Errorf("unknown match mode %q (expected one of: %s)", value, strings.Join(matchModeNames, ", "))
}

func (m MatchMode) compile(expr string) (*regexp.Regexp, error) {
	//validate the expression on its own, so that something like "a)|(b" is
	//not accepted just because the wrapping balances it out
	rx, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	switch m {
	case MatchPrefix:
		return regexp.Compile(`^(?:` + expr + `)`)
	case MatchFull:
		return regexp.Compile(`^(?:` + expr + `)$`)
	default:
		return rx, nil
	}
}

//PatternList is an ordered list of compiled patterns.
type PatternList struct {
	//Source is the file name (or another description) for error messages.
	Source   string
	Mode     MatchMode
	Exprs    []string
	Patterns []*regexp.Regexp
	//Lines holds the line number of each pattern in the source file.
	Lines []int
}

//Parse reads a pattern file: one regular expression per line, blank lines
//and lines starting with "#" are ignored. All invalid expressions are
//reported in one ConfigurationError.
func Parse(r io.Reader, source string, mode MatchMode) (*PatternList, error) {
	pl := &PatternList{Source: source, Mode: mode}
	var ec common.ErrorCollector

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rx, err := mode.compile(line)
		if err != nil {
			ec.Addf("%s:%d: invalid pattern %q: %s", source, lineNo, line, err.Error())
			continue
		}
		pl.Exprs = append(pl.Exprs, line)
		pl.Patterns = append(pl.Patterns, rx)
		pl.Lines = append(pl.Lines, lineNo)
	}
	if err := scanner.Err(); err != nil {
		return nil, common.Wrap(common.ConfigurationError, source, err)
	}
	if err := ec.Err(common.ConfigurationError, source); err != nil {
		return nil, err
	}
	return pl, nil
}

//Compile builds a PatternList from expressions that are already in memory.
func Compile(exprs []string, source string, mode MatchMode) (*PatternList, error) {
	return Parse(strings.NewReader(strings.Join(exprs, "\n")), source, mode)
}

//LoadFile parses the pattern file at the given path.
func LoadFile(path string, mode MatchMode) (*PatternList, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, common.Wrap(common.ConfigurationError, path, err)
	}
	defer file.Close()
	return Parse(file, path, mode)
}

//Exists reports whether a pattern file exists at the given path.
func Exists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && !fi.IsDir()
}

//Len returns the number of patterns. A nil list is empty.
func (pl *PatternList) Len() int {
	if pl == nil {
		return 0
	}
	return len(pl.Patterns)
}

//Match returns whether any pattern matches the given name.
func (pl *PatternList) Match(name string) bool {
	return pl.MatchIndex(name) >= 0
}

//MatchIndex returns the index of the first pattern that matches the given
//name, or -1.
func (pl *PatternList) MatchIndex(name string) int {
	if pl == nil {
		return -1
	}
	for idx, rx := range pl.Patterns {
		if rx.MatchString(name) {
			return idx
		}
	}
	return -1
}
