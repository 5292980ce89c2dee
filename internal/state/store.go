package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"stageflow/internal/core"
)

// ErrNotFound is returned when a run record, checkpoint or failure record
// does not exist on disk.
var ErrNotFound = errors.New("state record not found")

const (
	runFile       = "run.json"
	failureFile   = "failure.json"
	checkpointDir = "checkpoints"
	recordExt     = ".json"
)

// Store keeps run state on the local file system:
//
//	<baseDir>/.stageflow/runs/<run-id>/run.json
//	<baseDir>/.stageflow/runs/<run-id>/failure.json
//	<baseDir>/.stageflow/runs/<run-id>/checkpoints/<stage>.json
//
// Every record is replaced atomically and synced before the call returns.
type Store struct {
	root string
}

func NewStore(baseDir string) (*Store, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, errors.New("baseDir is required")
	}
	return &Store{root: filepath.Join(baseDir, ".stageflow", "runs")}, nil
}

// record is anything the store persists.
type record interface {
	Validate() error
}

// dir returns the directory of one run after checking that the id is a
// plain file name.
func (s *Store) dir(runID string) (string, error) {
	if s == nil {
		return "", errors.New("nil Store")
	}
	if err := plainName("runID", runID); err != nil {
		return "", err
	}
	return filepath.Join(s.root, runID), nil
}

func plainName(what, v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("%s is required", what)
	}
	if core.ValidateArtifactName(v) != nil {
		return fmt.Errorf("%s %q is not usable as a file name", what, v)
	}
	return nil
}

// ListRunIDs returns the ids of all runs on disk in lexical order.
func (s *Store) ListRunIDs() ([]string, error) {
	if s == nil {
		return nil, errors.New("nil Store")
	}
	entries, err := os.ReadDir(s.root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && strings.TrimSpace(e.Name()) != "" {
			ids = append(ids, e.Name())
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *Store) SaveRun(run Run) error {
	dir, err := s.dir(run.RunID)
	if err != nil {
		return err
	}
	return save(filepath.Join(dir, runFile), "run", run)
}

func (s *Store) LoadRun(runID string) (Run, error) {
	dir, err := s.dir(runID)
	if err != nil {
		return Run{}, err
	}
	run, err := load[Run](filepath.Join(dir, runFile))
	if err != nil {
		return Run{}, fmt.Errorf("load run %s: %w", runID, err)
	}
	return run, nil
}

func (s *Store) SaveCheckpoint(runID string, checkpoint Checkpoint) error {
	dir, err := s.dir(runID)
	if err != nil {
		return err
	}
	if err := plainName("stage", checkpoint.Stage); err != nil {
		return err
	}
	// A stage that carries nothing forward is still serialized as [].
	if checkpoint.Artifacts == nil {
		checkpoint.Artifacts = []core.ArtifactRef{}
	}
	return save(filepath.Join(dir, checkpointDir, checkpoint.Stage+recordExt), "checkpoint", checkpoint)
}

func (s *Store) LoadCheckpoint(runID, stage string) (Checkpoint, error) {
	dir, err := s.dir(runID)
	if err != nil {
		return Checkpoint{}, err
	}
	if err := plainName("stage", stage); err != nil {
		return Checkpoint{}, err
	}
	cp, err := load[Checkpoint](filepath.Join(dir, checkpointDir, stage+recordExt))
	if err == nil && cp.Artifacts == nil {
		err = errors.New("artifacts must be an array (not null)")
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("load checkpoint %s/%s: %w", runID, stage, err)
	}
	return cp, nil
}

// LoadAllCheckpoints loads all checkpoint records for a run keyed by stage
// name. A run without checkpoints yields an empty map.
func (s *Store) LoadAllCheckpoints(runID string) (map[string]Checkpoint, error) {
	dir, err := s.dir(runID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(dir, checkpointDir))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	out := make(map[string]Checkpoint, len(entries))
	for _, e := range entries {
		stage, ok := strings.CutSuffix(e.Name(), recordExt)
		if e.IsDir() || !ok || strings.TrimSpace(stage) == "" {
			continue
		}
		if out[stage], err = s.LoadCheckpoint(runID, stage); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) SaveFailure(runID string, failure Failure) error {
	dir, err := s.dir(runID)
	if err != nil {
		return err
	}
	return save(filepath.Join(dir, failureFile), "failure", failure)
}

func (s *Store) LoadFailure(runID string) (Failure, error) {
	dir, err := s.dir(runID)
	if err != nil {
		return Failure{}, err
	}
	f, err := load[Failure](filepath.Join(dir, failureFile))
	if err != nil {
		return Failure{}, fmt.Errorf("load failure %s: %w", runID, err)
	}
	return f, nil
}

// DeleteRun removes every record of a run. Deleting an unknown run is a no-op.
func (s *Store) DeleteRun(runID string) error {
	dir, err := s.dir(runID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete run %s: %w", runID, err)
	}
	return syncDir(s.root)
}

func save(path, what string, v record) error {
	if err := v.Validate(); err != nil {
		return fmt.Errorf("invalid %s: %w", what, err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", what, err)
	}
	if err := replaceFile(path, append(data, '\n')); err != nil {
		return fmt.Errorf("write %s: %w", what, err)
	}
	return nil
}

// load decodes path strictly: unknown fields and trailing content are
// errors, and the decoded record must validate.
func load[T record](path string) (T, error) {
	var v T
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return v, fmt.Errorf("%w: %s", ErrNotFound, filepath.Base(path))
	}
	if err != nil {
		return v, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return v, err
	}
	if dec.Decode(new(json.RawMessage)) != io.EOF {
		return v, errors.New("invalid JSON: trailing content")
	}
	if err := v.Validate(); err != nil {
		return v, fmt.Errorf("invalid record on disk: %w", err)
	}
	return v, nil
}

// replaceFile writes data to a temporary sibling, syncs it and renames it
// over path. Every directory it had to create is synced as well.
func replaceFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	created, err := mkdirs(dir)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	if err := finishTemp(tmp, data); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}

	for _, d := range append([]string{dir}, created...) {
		if err := syncDir(d); err != nil {
			return err
		}
	}
	return nil
}

func finishTemp(tmp *os.File, data []byte) error {
	_, err := tmp.Write(data)
	if err == nil {
		err = tmp.Chmod(0o644)
	}
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	return err
}

// mkdirs creates dir and its missing parents, returning the parents of the
// newly created directories, innermost first.
func mkdirs(dir string) ([]string, error) {
	var parents []string
	for d := dir; ; {
		if _, err := os.Stat(d); err == nil {
			break
		}
		parent := filepath.Dir(d)
		if parent == d {
			break
		}
		parents = append(parents, parent)
		d = parent
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return parents, nil
}

func syncDir(dir string) error {
	f, err := os.Open(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
