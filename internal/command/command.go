// Package command builds argument vectors for external tools.
//
// The builder never validates flags, it only preserves the insertion order.
// String renders a shell-quoted form which is meant for display and logs,
// commands are always executed from the argument vector returned by Build.
package command

import (
	"fmt"

	"github.com/kballard/go-shellquote"
)

type Builder struct {
	args []string
}

// New returns a builder starting with base, typically a binary name
func New(base ...string) *Builder {
	return &Builder{
		args: append([]string(nil), base...),
	}
}

// Arg appends positional arguments
func (b *Builder) Arg(args ...string) *Builder {
	b.args = append(b.args, args...)
	return b
}

// Flag appends a flag. A nil value or true appends the bare flag, false
// appends nothing and any other value appends the flag followed by the
// value in its default string form.
func (b *Builder) Flag(name string, value any) *Builder {
	switch v := value.(type) {
	case nil:
		b.args = append(b.args, name)
	case bool:
		if v {
			b.args = append(b.args, name)
		}
	default:
		b.args = append(b.args, name, fmt.Sprint(v))
	}
	return b
}

// KeyValue appends a single key<sep>value token
func (b *Builder) KeyValue(key string, value any, sep string) *Builder {
	b.args = append(b.args, key+sep+fmt.Sprint(value))
	return b
}

// Build returns a copy of the argument vector
func (b *Builder) Build() []string {
	return append([]string(nil), b.args...)
}

// String returns the shell-quoted command line
func (b *Builder) String() string {
	return Join(b.args)
}

// Join returns the shell-quoted form of argv
func Join(argv []string) string {
	return shellquote.Join(argv...)
}
