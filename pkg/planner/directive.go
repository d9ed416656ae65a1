// Package planner implements C4: applying an ordered list of user
// directives to a parttable.Table to produce a new, valid table, plus the
// side-effect plan of which data partitions must be erased afterwards.
//
// A directive is a small data value, applied in sequence: Apply folds a
// list of them over a parttable.Table one at a time. Each Directive is
// matched by an explicit type switch in apply() - there is no dynamic
// partition lookup by string reflection.
package planner

import "github.com/glenn20/esp32part/pkg/parttable"

// Directive is a single planning instruction produced by C9.
type Directive interface {
	isDirective()
}

// ResizeFlash sets the flash size; the last partition grows/shrinks to fill.
type ResizeFlash struct{ Size uint64 }

// TableTemplate replaces the partition list with a named canonical layout.
type TableTemplate struct{ Name string } // "default", "original", "ota"

// LayoutEntry is one row of a TableLayout directive. A Size of 0 on the
// last entry means "all remaining space".
type LayoutEntry struct {
	Name    string
	Type    parttable.Type
	Subtype uint8
	Size    uint64
}

// TableLayout builds a table from scratch starting at offset 0x9000.
type TableLayout struct{ Entries []LayoutEntry }

// AddPart inserts a new partition.
type AddPart struct {
	Name       string
	Type       parttable.Type
	Subtype    uint8
	HasOffset  bool
	Offset     uint64
	Size       uint64
}

// DeletePart removes entries by name.
type DeletePart struct{ Names []string }

// ResizePart grows or shrinks a partition; Size == 0 means "grow to fill".
type ResizePart struct {
	Name string
	Size uint64
}

// RenamePart is pure metadata.
type RenamePart struct{ Old, New string }

// AppSize resizes every app-type partition.
type AppSize struct{ Size uint64 }

func (ResizeFlash) isDirective()   {}
func (TableTemplate) isDirective() {}
func (TableLayout) isDirective()   {}
func (AddPart) isDirective()       {}
func (DeletePart) isDirective()    {}
func (ResizePart) isDirective()    {}
func (RenamePart) isDirective()    {}
func (AppSize) isDirective()       {}
