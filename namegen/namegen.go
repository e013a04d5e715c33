package namegen

import (
	vendor "github.com/anandvarma/namegen"
)

var gen = vendor.New()

// ID is a short human-readable identifier used for runs, collections and nodes.
type ID string

func Get() ID {
	return ID(gen.Get())
}

func (id ID) String() string {
	return string(id)
}
