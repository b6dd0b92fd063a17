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

package common

import (
	"errors"
	"fmt"
)

//Kind classifies a failure. Every fatal error that reaches the command line
//carries one, and the exit code is derived from it.
type Kind int

const (
	//OtherError is used for failures that do not fit any other category,
	//mostly plain I/O errors.
	OtherError Kind = iota
	//ConfigurationError reports unusable pattern files, invalid regexes or
	//invalid settings.
	ConfigurationError
	//RepositoryError reports problems with the package repository, e.g. a
	//package that cannot be read or a name that is not in the repository.
	RepositoryError
	//AssemblyError reports failures while populating the venv.
	AssemblyError
	//RelocationError reports failures while moving the venv or rewriting the
	//paths embedded in it.
	RelocationError
	//FetchError reports that metadata or spec files could not be retrieved
	//from the build service.
	FetchError
	//ParseError reports a malformed spec directive. It is never fatal.
	ParseError
)

var kindNames = map[Kind]string{
	OtherError:         "error",
	ConfigurationError: "configuration error",
	RepositoryError:    "repository error",
	AssemblyError:      "assembly error",
	RelocationError:    "relocation error",
	FetchError:         "fetch error",
	ParseError:         "parse error",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("error kind %d", int(k))
}

//Error is the error type used throughout venvjail. Subject names the package,
//pattern or path that triggered the error.
type Error struct {
	Kind    Kind
	Subject string
	Err     error
}

//Error implements the builtin/error interface.
func (e *Error) Error() string {
	if e.Subject == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Err.Error())
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Subject, e.Err.Error())
}

//Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

//Errorf creates an Error of the given kind with a formatted message.
func Errorf(kind Kind, subject string, format string, args ...interface{}) error {
	return &Error{Kind: kind, Subject: subject, Err: fmt.Errorf(format, args...)}
}

//Wrap attaches a kind and subject to err. If err already carries a kind, it
//is returned unchanged so that the innermost classification wins. Wrap(nil)
//returns nil.
func Wrap(kind Kind, subject string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: kind, Subject: subject, Err: err}
}

//KindOf returns the Kind of the first Error in err's chain, or OtherError.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return OtherError
}

//Exit codes reported by the venvjail binary.
const (
	ExitSuccess       = 0
	ExitUsage         = 1
	ExitConfiguration = 2
	ExitRepository    = 3
	ExitAssembly      = 4
	ExitRelocation    = 5
	ExitFetch         = 6
	ExitOther         = 7
)

//ExitCode maps an error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	switch KindOf(err) {
	case ConfigurationError, ParseError:
		return ExitConfiguration
	case RepositoryError:
		return ExitRepository
	case AssemblyError:
		return ExitAssembly
	case RelocationError:
		return ExitRelocation
	case FetchError:
		return ExitFetch
	default:
		return ExitOther
	}
}
