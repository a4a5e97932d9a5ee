package tagging

import (
	"fmt"
	"sort"
	"strings"
)

// TagDelete is the value that marks a tag for deletion in a TagOps set.
// It contains a NUL byte, which is never a valid provider tag value.
const TagDelete = "\x00delete"

// TagOps is a proposed tag write: key to new value, or key to TagDelete.
type TagOps map[string]string

// Delete marks key for deletion.
func (ops TagOps) Delete(key string) {
	ops[key] = TagDelete
}

// Changes is the classification of a TagOps set against the current tags.
type Changes struct {
	// Added are tags absent from the current set.
	Added map[string]string

	// Updated are tags present with a different value.
	Updated map[string]string

	// Deleted are keys present in the current set and marked TagDelete.
	Deleted []string
}

// Empty reports whether the write changes nothing.
func (c Changes) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Deleted) == 0
}

// Keys returns every changed key in sorted order.
func (c Changes) Keys() []string {
	keys := make([]string, 0, len(c.Added)+len(c.Updated)+len(c.Deleted))
	for k := range c.Added {
		keys = append(keys, k)
	}
	for k := range c.Updated {
		keys = append(keys, k)
	}
	keys = append(keys, c.Deleted...)
	sort.Strings(keys)
	return keys
}

// Classify splits ops into additions, updates and deletions relative to
// current. Writes of an unchanged value and deletions of absent keys are
// dropped.
func Classify(current map[string]string, ops TagOps) Changes {
	c := Changes{
		Added:   make(map[string]string),
		Updated: make(map[string]string),
	}
	for k, v := range ops {
		old, present := current[k]
		switch {
		case v == TagDelete:
			if present {
				c.Deleted = append(c.Deleted, k)
			}
		case !present:
			c.Added[k] = v
		case old != v:
			c.Updated[k] = v
		}
	}
	sort.Strings(c.Deleted)
	return c
}

// Project returns a copy of current with the classified changes applied.
func Project(current map[string]string, c Changes) map[string]string {
	out := make(map[string]string, len(current)+len(c.Added))
	for k, v := range current {
		out[k] = v
	}
	for _, k := range c.Deleted {
		delete(out, k)
	}
	for k, v := range c.Added {
		out[k] = v
	}
	for k, v := range c.Updated {
		out[k] = v
	}
	return out
}

// SplitTaskList splits a task list tag value on commas and whitespace.
func SplitTaskList(value string) []string {
	fields := strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || isSpace(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// TaskListContains reports whether task appears in a task list tag value.
func TaskListContains(value, task string) bool {
	for _, t := range SplitTaskList(value) {
		if t == task {
			return true
		}
	}
	return false
}

// RemoveTask removes task from a task list tag value. It returns the new
// value and whether any tasks remain.
func RemoveTask(value, task string) (string, bool) {
	tasks := SplitTaskList(value)
	kept := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if t != task {
			kept = append(kept, t)
		}
	}
	return strings.Join(kept, ","), len(kept) > 0
}

// ParseTagList parses "name=value,name2=value2" into a TagOps set. A name
// without '=' gets an empty value. Value "" after "=" is kept as empty;
// the literal value "{delete}" marks the tag for deletion.
func ParseTagList(s string) (TagOps, error) {
	ops := make(TagOps)
	for _, item := range splitUnescaped(s, ',') {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		name, value, _ := strings.Cut(item, "=")
		name = unescape(strings.TrimSpace(name))
		value = unescape(strings.TrimSpace(value))
		if name == "" {
			return nil, fmt.Errorf("tag without name in %q", s)
		}
		if value == "{delete}" {
			value = TagDelete
		}
		ops[name] = value
	}
	return ops, nil
}

func unescape(s string) string {
	if !strings.Contains(s, "\\") {
		return s
	}
	var b strings.Builder
	escaped := false
	for _, r := range s {
		if !escaped && r == '\\' {
			escaped = true
			continue
		}
		escaped = false
		b.WriteRune(r)
	}
	return b.String()
}
