package delta

import "sort"

// Snapshot is the materialized live file set at one version: an immutable
// value structure derived by replaying the log. Snapshots never point back
// into the log; the cache is keyed by version number alone.
type Snapshot struct {
	Version    int64
	Timestamp  int64
	Metadata   *Metadata
	Files      map[string]AddFile
	Tombstones []RemoveFile
}

func newSnapshot() *Snapshot {
	return &Snapshot{
		Version: -1,
		Files:   make(map[string]AddFile),
	}
}

func (s *Snapshot) clone() *Snapshot {
	out := &Snapshot{
		Version:   s.Version,
		Timestamp: s.Timestamp,
		Metadata:  s.Metadata,
		Files:     make(map[string]AddFile, len(s.Files)),
	}
	for k, v := range s.Files {
		out.Files[k] = v
	}
	out.Tombstones = append(out.Tombstones, s.Tombstones...)
	return out
}

// apply folds one commit's actions into the snapshot.
func (s *Snapshot) apply(version int64, actions []Action) {
	s.Version = version
	for _, a := range actions {
		switch {
		case a.CommitInfo != nil:
			s.Timestamp = a.CommitInfo.Timestamp
		case a.MetaData != nil:
			s.Metadata = a.MetaData
		case a.Add != nil:
			s.Files[a.Add.Path] = *a.Add
		case a.Remove != nil:
			delete(s.Files, a.Remove.Path)
			s.Tombstones = append(s.Tombstones, *a.Remove)
		}
	}
}

// Contains reports whether the path is live at this snapshot.
func (s *Snapshot) Contains(path string) bool {
	_, ok := s.Files[path]
	return ok
}

// LiveFiles returns the live files ordered by path.
func (s *Snapshot) LiveFiles() []AddFile {
	files := make([]AddFile, 0, len(s.Files))
	for _, f := range s.Files {
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files
}

// TotalRows sums the recorded row counts of the live files.
func (s *Snapshot) TotalRows() int64 {
	var total int64
	for _, f := range s.Files {
		if f.Stats != nil {
			total += f.Stats.NumRecords
		}
	}
	return total
}

// TotalSize sums the live file sizes in bytes.
func (s *Snapshot) TotalSize() int64 {
	var total int64
	for _, f := range s.Files {
		total += f.Size
	}
	return total
}
