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

package relocate

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/renameio"
)

//number of bytes that are checked for NUL bytes to tell text from binary
const sniffSize = 8192

//rewriter holds everything that the per-file rewrites need to know.
type rewriter struct {
	//staging is the physical location of the tree being rewritten.
	staging  string
	oldRoot  string
	newRoot  string
	settings *Relocator
}

//outcome collects what happened to a single file.
type outcome struct {
	warnings []string
	err      error
}

func (o *outcome) warn(format string, args ...interface{}) {
	o.warnings = append(o.warnings, fmt.Sprintf(format, args...))
}

func underRoot(path, root string) bool {
	return path == root || strings.HasPrefix(path, root+"/")
}

////////////////////////////////////////////////////////////////////////////////
// stale references

//staleOffsets returns the positions of oldRoot in content, except for those
//that are part of an occurrence of newRoot (which matters when one root
//contains the other).
func staleOffsets(content []byte, oldRoot, newRoot string) []int {
	old, nw := []byte(oldRoot), []byte(newRoot)
	var inNew []int
	for pos := 0; ; {
		idx := bytes.Index(nw[pos:], old)
		if idx < 0 {
			break
		}
		inNew = append(inNew, pos+idx)
		pos += idx + 1
	}

	var result []int
	for pos := 0; ; {
		idx := bytes.Index(content[pos:], old)
		if idx < 0 {
			break
		}
		offset := pos + idx
		pos = offset + 1

		partOfNew := false
		for _, shift := range inNew {
			start := offset - shift
			if start >= 0 && bytes.HasPrefix(content[start:], nw) {
				partOfNew = true
				break
			}
		}
		if !partOfNew {
			result = append(result, offset)
		}
	}
	return result
}

//replaceRoot replaces every stale occurrence of oldRoot with newRoot.
func replaceRoot(content []byte, oldRoot, newRoot string) []byte {
	offsets := staleOffsets(content, oldRoot, newRoot)
	if len(offsets) == 0 {
		return content
	}
	var buf bytes.Buffer
	last := 0
	for _, offset := range offsets {
		if offset < last {
			continue //overlaps with the previous replacement
		}
		buf.Write(content[last:offset])
		buf.WriteString(newRoot)
		last = offset + len(oldRoot)
	}
	buf.Write(content[last:])
	return buf.Bytes()
}

func isText(content []byte) bool {
	head := content
	if len(head) > sniffSize {
		head = head[:sniffSize]
	}
	return bytes.IndexByte(head, 0) < 0
}

////////////////////////////////////////////////////////////////////////////////
// regular files

func (r *rewriter) rewriteFile(rel string, fi os.FileInfo) (result outcome) {
	path := filepath.Join(r.staging, rel)
	content, err := os.ReadFile(path)
	if err != nil {
		result.err = err
		return
	}
	original := content

	if !isText(content) {
		if len(staleOffsets(content, r.oldRoot, r.newRoot)) == 0 {
			return
		}
		if strings.HasSuffix(rel, ".pyc") {
			//bytecode is regenerated from the sources on demand
			result.err = os.Remove(path)
			return
		}
		result.err = fmt.Errorf("binary file %s refers to %s", rel, r.oldRoot)
		return
	}

	if r.inShebangDir(rel) {
		content = r.fixShebang(rel, content, fi, &result)
	}
	if act, ok := activators[rel]; ok {
		content = r.fixActivator(rel, act, content, &result)
	}
	unit := isServiceUnit(rel)
	if unit {
		content = r.fixServiceUnit(content)
	}
	content = replaceRoot(content, r.oldRoot, r.newRoot)

	mode := fi.Mode().Perm()
	if unit {
		mode = 0444
	}
	if !bytes.Equal(content, original) {
		err = renameio.WriteFile(path, content, mode)
		if err != nil {
			result.err = err
			return
		}
	}
	//renameio's mode is subject to the umask
	err = os.Chmod(path, mode)
	if err != nil {
		result.err = err
		return
	}

	if unit && !strings.HasPrefix(filepath.Base(path), "venv-") {
		result.err = os.Rename(path, filepath.Join(filepath.Dir(path), "venv-"+filepath.Base(path)))
	}
	return
}

func (r *rewriter) inShebangDir(rel string) bool {
	dir := filepath.Dir(rel)
	for _, candidate := range r.settings.ShebangDirs {
		if filepath.Clean(candidate) == dir {
			return true
		}
	}
	return false
}

//fixShebang points Python shebangs at the interpreter of the venv. Scripts
//that used the interpreter of the old venv location keep the interpreter
//name, scripts from packages (using the system interpreter) get the
//configured one.
func (r *rewriter) fixShebang(rel string, content []byte, fi os.FileInfo, result *outcome) []byte {
	if !bytes.HasPrefix(content, []byte("#!")) {
		if fi.Mode().Perm()&0111 != 0 {
			result.warn("%s: no shebang found", rel)
		}
		return content
	}
	lineEnd := bytes.IndexByte(content, '\n')
	if lineEnd < 0 {
		lineEnd = len(content)
	}
	fields := strings.Fields(string(content[2:lineEnd]))
	if len(fields) == 0 {
		return content
	}

	interpreter, args := fields[0], fields[1:]
	name := filepath.Base(interpreter)
	if name == "env" && len(args) > 0 {
		name, args = args[0], args[1:]
	}
	if !strings.Contains(name, "python") || underRoot(interpreter, r.newRoot) {
		return content
	}
	if !underRoot(interpreter, r.oldRoot) {
		name = r.settings.Interpreter
	}

	line := "#!" + r.newRoot + "/bin/" + name
	if len(args) > 0 {
		line += " " + strings.Join(args, " ")
	}
	return append([]byte(line), content[lineEnd:]...)
}

////////////////////////////////////////////////////////////////////////////////
// activators

type activator struct {
	assignment *regexp.Regexp
	assignFmt  string
	libPath    *regexp.Regexp
	libPathFmt string
}

var activators = map[string]activator{
	"bin/activate": {
		regexp.MustCompile(`(?m)^([ \t]*)VIRTUAL_ENV=(?:"[^"\n]*"|'[^'\n]*')`),
		`VIRTUAL_ENV="%s"`,
		regexp.MustCompile(`(?m)^[ \t]*export LD_LIBRARY_PATH=.*$`),
		`export LD_LIBRARY_PATH="%s"`,
	},
	"bin/activate.csh": {
		regexp.MustCompile(`(?m)^([ \t]*)setenv VIRTUAL_ENV (?:"[^"\n]*"|'[^'\n]*')`),
		`setenv VIRTUAL_ENV "%s"`,
		regexp.MustCompile(`(?m)^[ \t]*setenv LD_LIBRARY_PATH .*$`),
		`setenv LD_LIBRARY_PATH "%s"`,
	},
	"bin/activate.fish": {
		regexp.MustCompile(`(?m)^([ \t]*)set -gx VIRTUAL_ENV (?:"[^"\n]*"|'[^'\n]*')`),
		`set -gx VIRTUAL_ENV "%s"`,
		regexp.MustCompile(`(?m)^[ \t]*set -gx LD_LIBRARY_PATH .*$`),
		`set -gx LD_LIBRARY_PATH "%s"`,
	},
}

const deactivateAnchor = "deactivate nondestructive"

//fixActivator sets VIRTUAL_ENV to the new root, and makes sure that the
//activator exports an LD_LIBRARY_PATH pointing into the venv.
func (r *rewriter) fixActivator(rel string, act activator, content []byte, result *outcome) []byte {
	assignment := []byte(fmt.Sprintf(act.assignFmt, r.newRoot))
	if act.assignment.Match(content) {
		content = act.assignment.ReplaceAllFunc(content, func(match []byte) []byte {
			indent := match[:len(match)-len(bytes.TrimLeft(match, " \t"))]
			return append(append([]byte(nil), indent...), assignment...)
		})
	} else {
		result.warn("%s: VIRTUAL_ENV assignment not found", rel)
	}

	libPath := []byte(fmt.Sprintf(act.libPathFmt, r.newRoot+"/lib"))
	if act.libPath.Match(content) {
		return act.libPath.ReplaceAllLiteral(content, libPath)
	}
	lines := bytes.SplitAfter(content, []byte("\n"))
	for idx, line := range lines {
		if string(bytes.TrimSpace(line)) != deactivateAnchor {
			continue
		}
		var buf bytes.Buffer
		for _, l := range lines[:idx+1] {
			buf.Write(l)
		}
		if !bytes.HasSuffix(line, []byte("\n")) {
			buf.WriteByte('\n')
		}
		buf.Write(libPath)
		buf.WriteByte('\n')
		for _, l := range lines[idx+1:] {
			buf.Write(l)
		}
		return buf.Bytes()
	}
	result.warn("%s: %q not found, LD_LIBRARY_PATH not set", rel, deactivateAnchor)
	return content
}

////////////////////////////////////////////////////////////////////////////////
// systemd units

var unitDirs = []string{"lib/systemd/system", "usr/lib/systemd/system"}

var unitDirectiveRx = regexp.MustCompile(`^([ \t]*)(ExecStart|ExecStartPre|ExecStartPost|ExecStop|ExecStopPost|ExecReload|WorkingDirectory)=(.*)$`)

func isServiceUnit(rel string) bool {
	if filepath.Ext(rel) != ".service" {
		return false
	}
	dir := filepath.Dir(rel)
	for _, unitDir := range unitDirs {
		if dir == unitDir {
			return true
		}
	}
	return false
}

//fixServiceUnit re-roots the commands and working directories of a unit.
func (r *rewriter) fixServiceUnit(content []byte) []byte {
	lines := strings.Split(string(content), "\n")
	for idx, line := range lines {
		match := unitDirectiveRx.FindStringSubmatch(line)
		if match == nil {
			continue
		}
		value := match[3]
		//special executable prefixes like "-" (ignore failure) or "@"
		trimmed := strings.TrimLeft(value, "-@+!:")
		prefix := value[:len(value)-len(trimmed)]

		token, rest := trimmed, ""
		if pos := strings.IndexAny(trimmed, " \t"); pos >= 0 {
			token, rest = trimmed[:pos], trimmed[pos:]
		}
		lines[idx] = match[1] + match[2] + "=" + prefix + r.rerootUnitPath(token) + rest
	}
	return []byte(strings.Join(lines, "\n"))
}

func (r *rewriter) rerootUnitPath(path string) string {
	switch {
	case underRoot(path, r.newRoot):
		return path
	case underRoot(path, r.oldRoot):
		return r.newRoot + strings.TrimPrefix(path, r.oldRoot)
	case filepath.IsAbs(path):
		if _, err := os.Lstat(filepath.Join(r.staging, path)); err == nil {
			return r.newRoot + path
		}
	}
	return path
}

////////////////////////////////////////////////////////////////////////////////
// symlinks

func (r *rewriter) rewriteSymlink(rel string) (result outcome) {
	path := filepath.Join(r.staging, rel)
	link, err := os.Readlink(path)
	if err != nil {
		result.err = err
		return
	}

	var newLink string
	switch {
	case strings.Contains(link, "alternatives"):
		//update-alternatives links cannot work inside the venv; we assume
		//that one of the alternatives lives next to the link
		for _, suffix := range r.settings.AlternativeSuffixes {
			name := filepath.Base(rel) + suffix
			if _, err := os.Lstat(filepath.Join(filepath.Dir(path), name)); err == nil {
				newLink = filepath.Join(r.newRoot, filepath.Dir(rel), name)
				break
			}
		}
		if newLink == "" {
			result.warn("%s: alternative for %s not found", rel, link)
			return
		}
	case underRoot(link, r.oldRoot) && !underRoot(link, r.newRoot):
		newLink = r.newRoot + strings.TrimPrefix(link, r.oldRoot)
	default:
		return
	}

	err = os.Remove(path)
	if err == nil {
		err = os.Symlink(newLink, path)
	}
	result.err = err
	return
}
