package clockid

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/swarmguard/taskorch/internal/apperr"
)

const component = "clockid"

var (
	projectIDPattern    = regexp.MustCompile(`^PID-[A-Z0-9-]+-\d{3,}$`)
	epicIDPattern       = regexp.MustCompile(`^E\d{3,}$`)
	taskIDPattern       = regexp.MustCompile(`^T\d{4,}$`)
	dependencyIDPattern = regexp.MustCompile(`^DEP-.+-.+-\d{3,}$`)
	jobIDPattern        = regexp.MustCompile(`^J\d{4,}$`)
	workflowIDPattern   = regexp.MustCompile(`^W\d{4,}$`)

	projectNameAllowed = regexp.MustCompile(`^[A-Za-z0-9 _-]+$`)
	stopWords          = map[string]bool{
		"the": true, "a": true, "an": true, "of": true, "and": true,
		"for": true, "to": true, "in": true, "on": true,
	}
)

// counters is the JSON document persisted atomically in <base>/counters.json.
type counters struct {
	Projects     map[string]int `json:"projects"` // normalized project name -> last issued counter
	NextEpic     int            `json:"next_epic"`
	NextTask     int            `json:"next_task"`
	NextJob      int            `json:"next_job"`
	NextWorkflow int            `json:"next_workflow"`
	Dependencies map[string]int `json:"dependencies"` // "fromTaskId:toTaskId" -> last issued counter

	// Extra preserves any fields written by a newer version of this
	// document so a round-trip through an older binary does not drop data.
	Extra map[string]json.RawMessage `json:"-"`
}

// countersAlias has the same shape as counters but none of its methods,
// letting MarshalJSON/UnmarshalJSON recurse into the struct's own fields
// without looping back into themselves.
type countersAlias counters

// knownCountersFields lists the json tags counters declares directly, so
// UnmarshalJSON knows which top-level keys belong in Extra instead.
var knownCountersFields = map[string]bool{
	"projects":      true,
	"next_epic":     true,
	"next_task":     true,
	"next_job":      true,
	"next_workflow": true,
	"dependencies":  true,
}

func (c counters) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(countersAlias(c))
	if err != nil {
		return nil, err
	}
	if len(c.Extra) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range c.Extra {
		if knownCountersFields[k] {
			continue
		}
		merged[k] = v
	}
	return json.Marshal(merged)
}

func (c *counters) UnmarshalJSON(data []byte) error {
	var alias countersAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k := range raw {
		if knownCountersFields[k] {
			delete(raw, k)
		}
	}
	if len(raw) > 0 {
		alias.Extra = raw
	}
	*c = counters(alias)
	return nil
}

// IDGenerator issues the hierarchical ID families described in the data
// model, serializing every increment through a process-wide mutex and
// persisting the counter document with a temp-file + rename write, the same
// durability idiom the state store uses for its bbolt-adjacent documents.
type IDGenerator struct {
	mu         sync.Mutex
	path       string
	maxRetries int
	doc        counters

	existsProject    func(id string) bool
	existsEpic       func(id string) bool
	existsTask       func(id string) bool
	existsDependency func(id string) bool
	existsJob        func(id string) bool
	existsWorkflow   func(id string) bool
}

// NewIDGenerator loads (or initializes) the counter document at
// <baseDir>/counters.json. The exists* callbacks let the ID service consult
// the state store to detect and skip over already-used IDs (e.g. restored
// from an older counters.json snapshot) before granting a new one.
func NewIDGenerator(baseDir string, maxRetries int) (*IDGenerator, error) {
	if maxRetries <= 0 {
		maxRetries = 100
	}
	g := &IDGenerator{
		path:             filepath.Join(baseDir, "counters.json"),
		maxRetries:       maxRetries,
		existsProject:    func(string) bool { return false },
		existsEpic:       func(string) bool { return false },
		existsTask:       func(string) bool { return false },
		existsDependency: func(string) bool { return false },
		existsJob:        func(string) bool { return false },
		existsWorkflow:   func(string) bool { return false },
	}
	if err := g.load(); err != nil {
		return nil, err
	}
	return g, nil
}

// SetExistenceCheckers wires the generator to the state store so collisions
// against already-persisted IDs are detected, not just against this
// process's in-memory counters.
func (g *IDGenerator) SetExistenceCheckers(project, epic, task, dependency, job, workflow func(id string) bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if project != nil {
		g.existsProject = project
	}
	if epic != nil {
		g.existsEpic = epic
	}
	if task != nil {
		g.existsTask = task
	}
	if dependency != nil {
		g.existsDependency = dependency
	}
	if job != nil {
		g.existsJob = job
	}
	if workflow != nil {
		g.existsWorkflow = workflow
	}
}

func (g *IDGenerator) load() error {
	data, err := os.ReadFile(g.path)
	if os.IsNotExist(err) {
		g.doc = counters{Projects: map[string]int{}, Dependencies: map[string]int{}, NextEpic: 1, NextTask: 1}
		return nil
	}
	if err != nil {
		return apperr.Wrap(apperr.Internal, component, "load", err)
	}
	var doc counters
	if err := json.Unmarshal(data, &doc); err != nil {
		return apperr.Wrap(apperr.Internal, component, "load", err)
	}
	if doc.Projects == nil {
		doc.Projects = map[string]int{}
	}
	if doc.Dependencies == nil {
		doc.Dependencies = map[string]int{}
	}
	if doc.NextEpic == 0 {
		doc.NextEpic = 1
	}
	if doc.NextTask == 0 {
		doc.NextTask = 1
	}
	if doc.NextJob == 0 {
		doc.NextJob = 1
	}
	if doc.NextWorkflow == 0 {
		doc.NextWorkflow = 1
	}
	g.doc = doc
	return nil
}

// persist writes the counter document atomically: write to a temp file in
// the same directory, fsync, then rename over the target path.
func (g *IDGenerator) persist() error {
	data, err := json.MarshalIndent(g.doc, "", "  ")
	if err != nil {
		return apperr.Wrap(apperr.Internal, component, "persist", err)
	}
	dir := filepath.Dir(g.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperr.Wrap(apperr.Internal, component, "persist", err)
	}
	tmp, err := os.CreateTemp(dir, "counters-*.json.tmp")
	if err != nil {
		return apperr.Wrap(apperr.Internal, component, "persist", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return apperr.Wrap(apperr.Internal, component, "persist", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return apperr.Wrap(apperr.Internal, component, "persist", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return apperr.Wrap(apperr.Internal, component, "persist", err)
	}
	if err := os.Rename(tmpPath, g.path); err != nil {
		os.Remove(tmpPath)
		return apperr.Wrap(apperr.Internal, component, "persist", err)
	}
	return nil
}

// ValidateProjectName enforces the 2-50 char, [A-Za-z0-9 _-] rule. On
// rejection the returned error carries a suggested shorter name with stop
// words dropped and truncated to the allowed length.
func ValidateProjectName(name string) error {
	if len(name) < 2 {
		return apperr.New(apperr.Validation, component, "ValidateProjectName", "project name too short").
			WithMetadata("suggested", suggestProjectName(name))
	}
	if len(name) > 50 {
		return apperr.New(apperr.Validation, component, "ValidateProjectName", "project name too long").
			WithMetadata("suggested", suggestProjectName(name))
	}
	if !projectNameAllowed.MatchString(name) {
		return apperr.New(apperr.Validation, component, "ValidateProjectName", "project name contains disallowed characters").
			WithMetadata("suggested", suggestProjectName(name))
	}
	return nil
}

func suggestProjectName(name string) string {
	words := strings.FieldsFunc(name, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9')
	})
	kept := make([]string, 0, len(words))
	for _, w := range words {
		if stopWords[strings.ToLower(w)] {
			continue
		}
		kept = append(kept, w)
	}
	if len(kept) == 0 {
		kept = words
	}
	suggestion := strings.Join(kept, "-")
	if len(suggestion) < 2 {
		suggestion = "project"
	}
	if len(suggestion) > 20 {
		suggestion = suggestion[:20]
	}
	return suggestion
}

func normalizeProjectName(name string) string {
	upper := strings.ToUpper(name)
	var b strings.Builder
	for _, r := range upper {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('-')
		}
	}
	normalized := strings.Trim(b.String(), "-")
	for strings.Contains(normalized, "--") {
		normalized = strings.ReplaceAll(normalized, "--", "-")
	}
	if len(normalized) > 20 {
		normalized = strings.Trim(normalized[:20], "-")
	}
	return normalized
}

// NextProjectID issues the next PID-<UPPER_NAME>-<NNN> ID for name.
func (g *IDGenerator) NextProjectID(name string) (string, error) {
	if err := ValidateProjectName(name); err != nil {
		return "", err
	}
	norm := normalizeProjectName(name)

	g.mu.Lock()
	defer g.mu.Unlock()

	counter := g.doc.Projects[norm]
	for attempt := 0; attempt < g.maxRetries; attempt++ {
		counter++
		id := fmt.Sprintf("PID-%s-%03d", norm, counter)
		if !g.existsProject(id) {
			g.doc.Projects[norm] = counter
			if err := g.persist(); err != nil {
				return "", err
			}
			return id, nil
		}
	}
	return "", apperr.New(apperr.ResourceExhausted, component, "NextProjectID", "IdExhausted").WithMetadata("name", name)
}

// NextEpicID issues the next E<NNN> ID.
func (g *IDGenerator) NextEpicID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	counter := g.doc.NextEpic
	for attempt := 0; attempt < g.maxRetries; attempt++ {
		id := fmt.Sprintf("E%03d", counter)
		counter++
		if !g.existsEpic(id) {
			g.doc.NextEpic = counter
			if err := g.persist(); err != nil {
				return "", err
			}
			return id, nil
		}
	}
	return "", apperr.New(apperr.ResourceExhausted, component, "NextEpicID", "IdExhausted")
}

// NextTaskID issues the next globally unique T<NNNN> ID.
func (g *IDGenerator) NextTaskID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	counter := g.doc.NextTask
	for attempt := 0; attempt < g.maxRetries; attempt++ {
		id := fmt.Sprintf("T%04d", counter)
		counter++
		if !g.existsTask(id) {
			g.doc.NextTask = counter
			if err := g.persist(); err != nil {
				return "", err
			}
			return id, nil
		}
	}
	return "", apperr.New(apperr.ResourceExhausted, component, "NextTaskID", "IdExhausted")
}

// NextJobID issues the next J<NNNN> ID for an externally observable job.
func (g *IDGenerator) NextJobID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	counter := g.doc.NextJob
	for attempt := 0; attempt < g.maxRetries; attempt++ {
		id := fmt.Sprintf("J%04d", counter)
		counter++
		if !g.existsJob(id) {
			g.doc.NextJob = counter
			if err := g.persist(); err != nil {
				return "", err
			}
			return id, nil
		}
	}
	return "", apperr.New(apperr.ResourceExhausted, component, "NextJobID", "IdExhausted")
}

// NextWorkflowID issues the next W<NNNN> ID for a workflow.
func (g *IDGenerator) NextWorkflowID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	counter := g.doc.NextWorkflow
	for attempt := 0; attempt < g.maxRetries; attempt++ {
		id := fmt.Sprintf("W%04d", counter)
		counter++
		if !g.existsWorkflow(id) {
			g.doc.NextWorkflow = counter
			if err := g.persist(); err != nil {
				return "", err
			}
			return id, nil
		}
	}
	return "", apperr.New(apperr.ResourceExhausted, component, "NextWorkflowID", "IdExhausted")
}

// NextDependencyID issues the next DEP-<from>-<to>-<NNN> ID.
func (g *IDGenerator) NextDependencyID(from, to string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := from + ":" + to
	counter := g.doc.Dependencies[key]
	for attempt := 0; attempt < g.maxRetries; attempt++ {
		counter++
		id := fmt.Sprintf("DEP-%s-%s-%03d", from, to, counter)
		if !g.existsDependency(id) {
			g.doc.Dependencies[key] = counter
			if err := g.persist(); err != nil {
				return "", err
			}
			return id, nil
		}
	}
	return "", apperr.New(apperr.ResourceExhausted, component, "NextDependencyID", "IdExhausted").WithMetadata("from", from, "to", to)
}

func IsValidProjectID(id string) bool    { return projectIDPattern.MatchString(id) }
func IsValidEpicID(id string) bool       { return epicIDPattern.MatchString(id) }
func IsValidTaskID(id string) bool       { return taskIDPattern.MatchString(id) }
func IsValidDependencyID(id string) bool { return dependencyIDPattern.MatchString(id) }
func IsValidJobID(id string) bool        { return jobIDPattern.MatchString(id) }
func IsValidWorkflowID(id string) bool   { return workflowIDPattern.MatchString(id) }
