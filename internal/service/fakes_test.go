package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lodestone-registry/lodestone/internal/data"
	"github.com/lodestone-registry/lodestone/internal/domain/event"
	"github.com/lodestone-registry/lodestone/internal/domain/model"
	"github.com/lodestone-registry/lodestone/internal/vcs"
)

// fakePackages is an in-memory core.PackageRepository.
type fakePackages struct {
	mu     sync.Mutex
	nextID int64
	byID   map[int64]*model.Package
	byName map[string]*model.Package

	createErr error

	markedGone   []int64
	clearedGone  []int64
	stamped      map[int64]time.Time
	metadata     map[int64]*vcs.RepoMetadata
	subDirs      map[int64]string
	notifiedSet  map[int64]bool
}

func newFakePackages() *fakePackages {
	return &fakePackages{
		byID:        map[int64]*model.Package{},
		byName:      map[string]*model.Package{},
		stamped:     map[int64]time.Time{},
		metadata:    map[int64]*vcs.RepoMetadata{},
		subDirs:     map[int64]string{},
		notifiedSet: map[int64]bool{},
	}
}

func (f *fakePackages) add(pkg *model.Package) *model.Package {
	f.mu.Lock()
	defer f.mu.Unlock()
	if pkg.ID == 0 {
		f.nextID++
		pkg.ID = f.nextID
	} else if pkg.ID > f.nextID {
		f.nextID = pkg.ID
	}
	f.byID[pkg.ID] = pkg
	f.byName[strings.ToLower(pkg.Name)] = pkg
	return pkg
}

func (f *fakePackages) Create(_ context.Context, req *model.CreatePackageRequest) (*model.Package, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.mu.Lock()
	if _, exists := f.byName[strings.ToLower(req.Name)]; exists {
		f.mu.Unlock()
		return nil, fmt.Errorf("package %s already exists", req.Name)
	}
	f.mu.Unlock()
	pkg := &model.Package{
		Name:         req.Name,
		Repository:   req.Repository,
		ParentID:     req.ParentID,
		SubDirectory: req.SubDirectory,
		AutoUpdated:  true,
	}
	return f.add(pkg), nil
}

func (f *fakePackages) GetByID(_ context.Context, id int64) (*model.Package, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pkg, ok := f.byID[id]
	if !ok {
		return nil, data.ErrPackageNotFound
	}
	cp := *pkg
	return &cp, nil
}

func (f *fakePackages) GetByName(_ context.Context, name string) (*model.Package, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pkg, ok := f.byName[strings.ToLower(name)]
	if !ok {
		return nil, data.ErrPackageNotFound
	}
	cp := *pkg
	return &cp, nil
}

func (f *fakePackages) StampSynced(_ context.Context, id int64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stamped[id] = at
	if pkg, ok := f.byID[id]; ok {
		t := at
		pkg.CrawledAt = &t
	}
	return nil
}

func (f *fakePackages) UpdateMetadata(_ context.Context, id int64, meta *vcs.RepoMetadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metadata[id] = meta
	return nil
}

func (f *fakePackages) UpdateSubDirectory(_ context.Context, id int64, subDirectory string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subDirs[id] = subDirectory
	if pkg, ok := f.byID[id]; ok {
		sd := subDirectory
		pkg.SubDirectory = &sd
	}
	return nil
}

func (f *fakePackages) MarkRemoteGone(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markedGone = append(f.markedGone, id)
	if pkg, ok := f.byID[id]; ok {
		now := time.Now()
		pkg.RemoteGoneAt = &now
	}
	return nil
}

func (f *fakePackages) ClearRemoteGone(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clearedGone = append(f.clearedGone, id)
	if pkg, ok := f.byID[id]; ok {
		pkg.RemoteGoneAt = nil
	}
	return nil
}

func (f *fakePackages) SetFailureNotified(_ context.Context, id int64, notified bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifiedSet[id] = notified
	return nil
}

// fakeVersions is an in-memory core.VersionRepository.
type fakeVersions struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]*model.Version

	// now, when set, supplies soft-delete timestamps.
	now func() time.Time

	links map[int64]map[model.LinkKind]map[string]string

	nextTagID   int64
	tagsByName  map[string]int64
	versionTags map[int64]map[string]int64

	nextAuthorID   int64
	authors        map[int64]*model.Author
	versionAuthors map[int64][]int64

	createErr error
	listErr   error
}

func newFakeVersions() *fakeVersions {
	return &fakeVersions{
		rows:           map[int64]*model.Version{},
		links:          map[int64]map[model.LinkKind]map[string]string{},
		tagsByName:     map[string]int64{},
		versionTags:    map[int64]map[string]int64{},
		authors:        map[int64]*model.Author{},
		versionAuthors: map[int64][]int64{},
	}
}

func (f *fakeVersions) add(v *model.Version) *model.Version {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v.ID == 0 {
		f.nextID++
		v.ID = f.nextID
	} else if v.ID > f.nextID {
		f.nextID = v.ID
	}
	f.rows[v.ID] = v
	return v
}

func (f *fakeVersions) get(id int64) *model.Version {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[id]
}

func (f *fakeVersions) ListByPackage(_ context.Context, packageID int64) ([]*model.Version, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Version
	for _, v := range f.rows {
		if v.PackageID == packageID {
			cp := *v
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeVersions) Create(_ context.Context, v *model.Version) (*model.Version, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	cp := *v
	return f.add(&cp), nil
}

func (f *fakeVersions) Update(_ context.Context, v *model.Version) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *v
	cp.SoftDeletedAt = nil
	f.rows[v.ID] = &cp
	return nil
}

func (f *fakeVersions) UpdateDist(_ context.Context, id int64, distType, distURL, distRef, distChecksum string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.rows[id]
	if !ok {
		return data.ErrVersionNotFound
	}
	v.DistType = distType
	v.DistURL = distURL
	v.DistRef = distRef
	v.DistChecksum = distChecksum
	return nil
}

func (f *fakeVersions) BatchTouch(_ context.Context, ids []int64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		if v, ok := f.rows[id]; ok {
			v.UpdatedAt = at
		}
	}
	return nil
}

func (f *fakeVersions) clock() time.Time {
	if f.now != nil {
		return f.now()
	}
	return time.Now()
}

func (f *fakeVersions) SoftDelete(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.rows[id]
	if !ok {
		return data.ErrVersionNotFound
	}
	now := f.clock()
	v.SoftDeletedAt = &now
	return nil
}

func (f *fakeVersions) HardDelete(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, id)
	delete(f.links, id)
	delete(f.versionTags, id)
	delete(f.versionAuthors, id)
	return nil
}

func (f *fakeVersions) DeleteAllForPackage(_ context.Context, packageID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, v := range f.rows {
		if v.PackageID == packageID {
			delete(f.rows, id)
			delete(f.links, id)
			delete(f.versionTags, id)
			delete(f.versionAuthors, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeVersions) ListLinks(_ context.Context, versionID int64, kind model.LinkKind) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]string{}
	for target, constraint := range f.links[versionID][kind] {
		out[target] = constraint
	}
	return out, nil
}

func (f *fakeVersions) DeleteLinks(_ context.Context, versionID int64, kind model.LinkKind, targetNames []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, name := range targetNames {
		delete(f.links[versionID][kind], name)
	}
	return nil
}

func (f *fakeVersions) DeleteAllLinks(_ context.Context, versionID int64, kind model.LinkKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if kinds, ok := f.links[versionID]; ok {
		delete(kinds, kind)
	}
	return nil
}

func (f *fakeVersions) InsertLinks(_ context.Context, versionID int64, kind model.LinkKind, links map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.links[versionID] == nil {
		f.links[versionID] = map[model.LinkKind]map[string]string{}
	}
	if f.links[versionID][kind] == nil {
		f.links[versionID][kind] = map[string]string{}
	}
	for target, constraint := range links {
		f.links[versionID][kind][target] = constraint
	}
	return nil
}

func (f *fakeVersions) ListTags(_ context.Context, versionID int64) (map[string]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]int64{}
	for name, id := range f.versionTags[versionID] {
		out[name] = id
	}
	return out, nil
}

func (f *fakeVersions) EnsureTag(_ context.Context, name string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.tagsByName[name]; ok {
		return id, nil
	}
	f.nextTagID++
	f.tagsByName[name] = f.nextTagID
	return f.nextTagID, nil
}

func (f *fakeVersions) AttachTag(_ context.Context, versionID, tagID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.versionTags[versionID] == nil {
		f.versionTags[versionID] = map[string]int64{}
	}
	for name, id := range f.tagsByName {
		if id == tagID {
			f.versionTags[versionID][name] = tagID
		}
	}
	return nil
}

func (f *fakeVersions) DetachTag(_ context.Context, versionID, tagID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for name, id := range f.versionTags[versionID] {
		if id == tagID {
			delete(f.versionTags[versionID], name)
		}
	}
	return nil
}

func (f *fakeVersions) ListAuthors(_ context.Context, versionID int64) ([]*model.Author, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Author
	for _, id := range f.versionAuthors[versionID] {
		if a, ok := f.authors[id]; ok {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeVersions) FindAuthor(_ context.Context, a *model.Author) (*model.Author, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, have := range f.authors {
		if have.IdentityKey() == a.IdentityKey() {
			cp := *have
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeVersions) CreateAuthor(_ context.Context, a *model.Author) (*model.Author, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextAuthorID++
	cp := *a
	cp.ID = f.nextAuthorID
	f.authors[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (f *fakeVersions) AttachAuthor(_ context.Context, versionID, authorID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.versionAuthors[versionID] {
		if id == authorID {
			return nil
		}
	}
	f.versionAuthors[versionID] = append(f.versionAuthors[versionID], authorID)
	return nil
}

func (f *fakeVersions) ConfirmAuthor(_ context.Context, authorID int64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.authors[authorID]; ok {
		t := at
		a.LastConfirmedAt = &t
	}
	return nil
}

// fakeLocks is an in-memory core.LockProvider.
type fakeLocks struct {
	mu       sync.Mutex
	held     map[string]bool
	acquired []string
	released []string
	// contended keys always report the lock as held elsewhere.
	contended map[string]bool
	acqErr    error
}

func newFakeLocks() *fakeLocks {
	return &fakeLocks{held: map[string]bool{}, contended: map[string]bool{}}
}

func (f *fakeLocks) Acquire(_ context.Context, key string, _ time.Duration) (*data.Lock, error) {
	if f.acqErr != nil {
		return nil, f.acqErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.contended[key] || f.held[key] {
		return nil, nil
	}
	f.held[key] = true
	f.acquired = append(f.acquired, key)
	return &data.Lock{Key: key, Token: "tok-" + key}, nil
}

func (f *fakeLocks) Release(_ context.Context, lock *data.Lock) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.held, lock.Key)
	f.released = append(f.released, lock.Key)
	return nil
}

// fakeEvents records emitted domain events.
type fakeEvents struct {
	mu      sync.Mutex
	created []*event.PackageCreated
	changed []*event.VersionsChanged
	sinkErr error
}

func (f *fakeEvents) PackageCreated(_ context.Context, ev *event.PackageCreated) error {
	if f.sinkErr != nil {
		return f.sinkErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, ev)
	return nil
}

func (f *fakeEvents) VersionsChanged(_ context.Context, ev *event.VersionsChanged) error {
	if f.sinkErr != nil {
		return f.sinkErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changed = append(f.changed, ev)
	return nil
}
