// Package compdef compiles computation definitions from CUE.
//
// A definition names a computation kind, the argument entries it expects
// in order, the audience context of its encrypted input, the shape of its
// output and the callback action its result drives. Definitions are
// registered once by an administrative command; dispatch refuses kinds
// that are not registered.
//
// The embedded definitions.cue carries the schema (#Definition) and the
// four built-in computations.
package compdef
