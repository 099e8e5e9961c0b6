package core

import (
	"regexp"
	"strings"
	"time"

	"cronwrap/internal/schedule"
)

var (
	commandPattern = regexp.MustCompile(`^[A-Za-z0-9_./][A-Za-z0-9_./-]*$`)
	actionPattern  = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)
	paramPattern   = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)
)

// Param is one named argument of a task, passed to the command as --name=value.
type Param struct {
	Name  string `json:"name" yaml:"name"`
	Value string `json:"value" yaml:"value"`
}

// Task is a scheduled command invocation. It is immutable after NewTask returns.
type Task struct {
	id      string
	name    string
	command string
	action  string
	params  []Param
	spec    schedule.Spec
	unique  bool
	output  string
	hash    string
}

// TaskOption configures a task during construction.
type TaskOption func(*Task) error

// WithName sets the display name.
func WithName(name string) TaskOption {
	return func(t *Task) error {
		t.name = strings.TrimSpace(name)
		return nil
	}
}

// WithCron parses expr as the task's schedule.
func WithCron(expr string) TaskOption {
	return func(t *Task) error {
		spec, err := schedule.Parse(expr)
		if err != nil {
			return err
		}
		t.spec = spec
		return nil
	}
}

// WithSchedule uses an already parsed schedule, e.g. schedule.Daily().
func WithSchedule(spec schedule.Spec) TaskOption {
	return func(t *Task) error {
		if spec.IsZero() {
			return &InvalidTaskDefinitionError{Field: "schedule", Reason: "empty schedule"}
		}
		t.spec = spec
		return nil
	}
}

// Unique refuses a new start while a previous run is still recorded as running.
func Unique() TaskOption {
	return func(t *Task) error {
		t.unique = true
		return nil
	}
}

// WithUnique is Unique with an explicit flag.
func WithUnique(unique bool) TaskOption {
	return func(t *Task) error {
		t.unique = unique
		return nil
	}
}

// WithOutput appends the command's stdout and stderr to path.
func WithOutput(path string) TaskOption {
	return func(t *Task) error {
		t.output = strings.TrimSpace(path)
		return nil
	}
}

// WithHasher selects the identity digest by name (see HashNames).
func WithHasher(name string) TaskOption {
	return func(t *Task) error {
		t.hash = name
		return nil
	}
}

// NewTask validates the execution descriptor, applies options and derives the identity.
// Schedule and definition errors are returned here, never at tick time.
func NewTask(command, action string, params []Param, opts ...TaskOption) (*Task, error) {
	command = strings.TrimSpace(command)
	action = strings.TrimSpace(action)
	if !commandPattern.MatchString(command) {
		return nil, &InvalidTaskDefinitionError{Field: "command", Value: command, Reason: "malformed command name"}
	}
	if action != "" && !actionPattern.MatchString(action) {
		return nil, &InvalidTaskDefinitionError{Field: "action", Value: action, Reason: "malformed action name"}
	}
	seen := make(map[string]struct{}, len(params))
	for _, p := range params {
		if !paramPattern.MatchString(p.Name) {
			return nil, &InvalidTaskDefinitionError{Field: "param", Value: p.Name, Reason: "malformed parameter name"}
		}
		if _, dup := seen[p.Name]; dup {
			return nil, &InvalidTaskDefinitionError{Field: "param", Value: p.Name, Reason: "duplicate parameter"}
		}
		seen[p.Name] = struct{}{}
	}

	t := &Task{
		command: command,
		action:  action,
		params:  append([]Param(nil), params...),
		hash:    DefaultHash,
	}
	for _, opt := range opts {
		if err := opt(t); err != nil {
			return nil, err
		}
	}
	if t.spec.IsZero() {
		t.spec = schedule.MustParse(schedule.EveryMinuteExpr)
	}
	id, err := Identity(t.hash, t.command, t.action, t.params)
	if err != nil {
		return nil, err
	}
	t.id = id
	return t, nil
}

func (t *Task) Identity() string { return t.id }

// DisplayName returns the configured name, or the identity when none was set.
func (t *Task) DisplayName() string {
	if t.name != "" {
		return t.name
	}
	return t.id
}

func (t *Task) Command() string { return t.command }
func (t *Task) Action() string  { return t.action }

// Params returns a copy of the parameters in declaration order.
func (t *Task) Params() []Param { return append([]Param(nil), t.params...) }

func (t *Task) IsUnique() bool { return t.unique }
func (t *Task) Output() string { return t.output }

// Hasher names the digest the identity was computed with.
func (t *Task) Hasher() string { return t.hash }

// Schedule returns the schedule expression.
func (t *Task) Schedule() string { return t.spec.String() }

// Spec returns the parsed schedule.
func (t *Task) Spec() schedule.Spec { return t.spec }

// CanRun reports whether the schedule matches now. The day of week is taken from now
// as given, so callers pick the location.
func (t *Task) CanRun(now time.Time) bool {
	return t.spec.Match(now)
}

// Args renders the command-line arguments: the action, if any, then --name=value pairs.
func (t *Task) Args() []string {
	args := make([]string, 0, len(t.params)+1)
	if t.action != "" {
		args = append(args, t.action)
	}
	for _, p := range t.params {
		args = append(args, "--"+p.Name+"="+p.Value)
	}
	return args
}
