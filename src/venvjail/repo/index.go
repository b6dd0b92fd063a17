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

//Package repo indexes a local directory of binary RPM packages.
package repo

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/venvjail/venvjail/src/venvjail/common"
	"github.com/venvjail/venvjail/src/venvjail/rpm"
)

//PackageRecord is what the index knows about one binary package.
type PackageRecord struct {
	Name    string
	Version string
	Release string
	Arch    string
	//Path is the location of the RPM file. Records created by FromNames()
	//have no path and no files.
	Path  string
	Files []string
	//Entries is the file manifest with file types, in the same order as Files.
	Entries  []rpm.Entry
	Requires []string
	//Origin is "project/repository" from the package's DISTURL, or empty if
	//the package does not carry one.
	Origin string
}

//Index maps package names to package records.
type Index struct {
	Dir     string
	records map[string]*PackageRecord
	names   []string
}

type cacheKey struct {
	Path    string
	Size    int64
	ModTime int64
}

//headers of unchanged files are not parsed twice within one process
var headerCache = newHeaderCache()

func newHeaderCache() *lru.Cache[cacheKey, *PackageRecord] {
	cache, err := lru.New[cacheKey, *PackageRecord](1024)
	if err != nil {
		panic(err.Error())
	}
	return cache
}

//Load builds the index for all binary RPM packages in the given directory.
//Source RPMs are skipped. With parallelism <= 0, the number of CPUs is used.
func Load(ctx context.Context, dir string, parallelism int) (*Index, error) {
	fis, err := os.ReadDir(dir)
	if err != nil {
		return nil, common.Wrap(common.RepositoryError, dir, err)
	}
	var paths []string
	for _, fi := range fis {
		if fi.IsDir() || !strings.HasSuffix(fi.Name(), ".rpm") || rpm.IsSourceFileName(fi.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(dir, fi.Name()))
	}
	sort.Strings(paths)

	if parallelism <= 0 {
		parallelism = runtime.NumCPU()
	}
	records := make([]*PackageRecord, len(paths))
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(parallelism)
	for idx, path := range paths {
		idx, path := idx, path
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			record, err := readRecord(path)
			if err != nil {
				return common.Wrap(common.RepositoryError, path, err)
			}
			records[idx] = record
			return nil
		})
	}
	err = eg.Wait()
	if err != nil {
		return nil, err
	}

	idx := &Index{Dir: dir, records: make(map[string]*PackageRecord, len(records))}
	for _, record := range records {
		if record == nil {
			continue //source package
		}
		if other, exists := idx.records[record.Name]; exists {
			return nil, common.Errorf(common.RepositoryError, record.Name,
				"package is provided by both %s and %s", filepath.Base(other.Path), filepath.Base(record.Path))
		}
		idx.records[record.Name] = record
		idx.names = append(idx.names, record.Name)
	}
	sort.Strings(idx.names)

	common.Log.WithFields(logrus.Fields{"dir": dir, "packages": len(idx.names)}).Debug("indexed repository")
	return idx, nil
}

//readRecord returns nil for source packages.
func readRecord(path string) (*PackageRecord, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	key := cacheKey{path, fi.Size(), fi.ModTime().UnixNano()}
	if record, ok := headerCache.Get(key); ok {
		return record, nil
	}

	pkg, err := rpm.Open(path)
	if err != nil {
		return nil, err
	}
	var record *PackageRecord
	if !pkg.IsSource() {
		record, err = newRecord(pkg)
		if err != nil {
			return nil, err
		}
	}
	headerCache.Add(key, record)
	return record, nil
}

func newRecord(pkg *rpm.Package) (*PackageRecord, error) {
	entries, err := pkg.Entries()
	if err != nil {
		return nil, err
	}
	files := make([]string, len(entries))
	for idx, entry := range entries {
		files[idx] = entry.Path
	}
	requires, err := pkg.Requires()
	if err != nil {
		return nil, err
	}
	record := &PackageRecord{
		Name:     pkg.Name,
		Version:  pkg.Version,
		Release:  pkg.Release,
		Arch:     pkg.Arch,
		Path:     pkg.Path,
		Files:    files,
		Entries:  entries,
		Requires: requires,
	}
	if pkg.DistURL != "" {
		u, err := rpm.ParseDistURL(pkg.DistURL)
		if err == nil {
			record.Origin = u.Origin()
		} else {
			common.Log.WithField("package", pkg.Name).Debug(err.Error())
		}
	}
	return record, nil
}

//FromNames builds an index of manifest-less records, for when only the
//package names are known.
func FromNames(names []string) *Index {
	idx := &Index{records: make(map[string]*PackageRecord, len(names))}
	for _, name := range names {
		if _, exists := idx.records[name]; exists {
			continue
		}
		idx.records[name] = &PackageRecord{Name: name}
		idx.names = append(idx.names, name)
	}
	sort.Strings(idx.names)
	return idx
}

//Names returns the sorted list of package names.
func (idx *Index) Names() []string {
	return append([]string(nil), idx.names...)
}

//Get returns the record for the given package name.
func (idx *Index) Get(name string) (*PackageRecord, bool) {
	record, ok := idx.records[name]
	return record, ok
}

//Records returns all records, sorted by name.
func (idx *Index) Records() []*PackageRecord {
	result := make([]*PackageRecord, len(idx.names))
	for i, name := range idx.names {
		result[i] = idx.records[name]
	}
	return result
}

//Len returns the number of packages in the index.
func (idx *Index) Len() int {
	return len(idx.names)
}

//Open opens the RPM file of the given record for extraction.
func (r *PackageRecord) Open() (*rpm.Package, error) {
	if r.Path == "" {
		return nil, common.Errorf(common.RepositoryError, r.Name, "no RPM file is known for this package")
	}
	pkg, err := rpm.Open(r.Path)
	if err != nil {
		return nil, common.Wrap(common.RepositoryError, r.Path, err)
	}
	return pkg, nil
}
