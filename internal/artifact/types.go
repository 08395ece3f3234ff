package artifact

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Output is the submitted value of one declared step output. Exactly one
// shape is active: a single path, or a list of paths.
type Output struct {
	paths []string
	list  bool
}

// Single returns an output holding one path.
func Single(path string) Output {
	return Output{paths: []string{path}}
}

// List returns an output holding a list of paths. An empty list is valid and
// distinct from the zero Output.
func List(paths ...string) Output {
	clone := make([]string, len(paths))
	copy(clone, paths)
	return Output{paths: clone, list: true}
}

// IsList reports whether the output was submitted as a list of paths.
func (o Output) IsList() bool {
	return o.list
}

// IsZero reports whether the output carries no value at all.
func (o Output) IsZero() bool {
	return !o.list && len(o.paths) == 0
}

// Path returns the single path, or "" for list outputs.
func (o Output) Path() string {
	if o.list || len(o.paths) == 0 {
		return ""
	}
	return o.paths[0]
}

// Paths returns every path carried by the output.
func (o Output) Paths() []string {
	if len(o.paths) == 0 {
		return nil
	}
	clone := make([]string, len(o.paths))
	copy(clone, o.paths)
	return clone
}

// String renders the output for human-readable summaries.
func (o Output) String() string {
	if o.list {
		return "[" + strings.Join(o.paths, ", ") + "]"
	}
	return o.Path()
}

// MarshalJSON encodes single outputs as a string and lists as an array.
func (o Output) MarshalJSON() ([]byte, error) {
	if o.list {
		paths := o.paths
		if paths == nil {
			paths = []string{}
		}
		return json.Marshal(paths)
	}
	return json.Marshal(o.Path())
}

// UnmarshalJSON accepts either a JSON string or an array of strings. A JSON
// null leaves the zero Output.
func (o *Output) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*o = Output{}
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var paths []string
		if err := json.Unmarshal(trimmed, &paths); err != nil {
			return fmt.Errorf("artifact: decode path list: %w", err)
		}
		*o = List(paths...)
		return nil
	}
	var path string
	if err := json.Unmarshal(trimmed, &path); err != nil {
		return fmt.Errorf("artifact: output must be a path or a list of paths: %w", err)
	}
	*o = Single(path)
	return nil
}

// Outputs maps declared output names to submitted values.
type Outputs map[string]Output

// Clone returns a copy of the map.
func (o Outputs) Clone() Outputs {
	if o == nil {
		return nil
	}
	out := make(Outputs, len(o))
	for name, value := range o {
		out[name] = Output{paths: value.Paths(), list: value.list}
	}
	return out
}

// Merge copies every entry of other into o, overwriting on collision.
func (o Outputs) Merge(other Outputs) {
	for name, value := range other {
		o[name] = Output{paths: value.Paths(), list: value.list}
	}
}

// Names returns the output names in sorted order.
func (o Outputs) Names() []string {
	names := make([]string, 0, len(o))
	for name := range o {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AllPaths returns every path across all outputs, ordered by output name.
func (o Outputs) AllPaths() []string {
	var paths []string
	for _, name := range o.Names() {
		paths = append(paths, o[name].paths...)
	}
	return paths
}

// FileCount returns the total number of paths across all outputs.
func (o Outputs) FileCount() int {
	count := 0
	for _, value := range o {
		count += len(value.paths)
	}
	return count
}
