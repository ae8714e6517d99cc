package slug

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSlugify(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Ada Lovelace", "ada-lovelace"},
		{"", ""},
		{"Grace   Hopper", "grace-hopper"},
		{"Tab\tand\nNewline", "tab-and-newline"},
		{"  padded  ", "-padded-"},
		{"O'Brien, Conan!", "obrien-conan"},
		{"Mary-Jane Watson", "mary-jane-watson"},
		{"Zoë Ångström", "zo-ngstrm"},
		{"Class 2B", "class-2b"},
		{"Non\u00a0Breaking", "non-breaking"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Slugify(tt.in))
		})
	}
}

func TestSlugifyIdempotent(t *testing.T) {
	for _, name := range []string{"Ada Lovelace", "  x  y ", "Ünïcödé Näme", "a--b", "Émile Zola 3rd"} {
		once := Slugify(name)
		assert.Equal(t, once, Slugify(once), name)
	}
}
