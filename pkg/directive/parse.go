// Package directive implements C9: parsing the CLI's size literals and
// partition/add-spec strings into the structured planner.Directive values
// C4 consumes. Each flag value is parsed against a small fixed grammar
// rather than a dynamic name lookup, so every error can name the exact
// offending token.
package directive

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/glenn20/esp32part/pkg/esperrors"
	"github.com/glenn20/esp32part/pkg/parttable"
	"github.com/glenn20/esp32part/pkg/planner"
)

// ParseSize parses a size literal: an integer with an optional "0x" prefix
// and an optional case-insensitive suffix B (block, 0x1000), K (1024) or
// M (1024*1024).
func ParseSize(s string) (uint64, error) {
	orig := s
	if s == "" {
		return 0, &esperrors.UserError{What: "empty size literal"}
	}
	multiplier := uint64(1)
	last := s[len(s)-1]
	switch last {
	case 'b', 'B':
		multiplier = parttable.BlockSize
		s = s[:len(s)-1]
	case 'k', 'K':
		multiplier = 1024
		s = s[:len(s)-1]
	case 'm', 'M':
		multiplier = 1024 * 1024
		s = s[:len(s)-1]
	}
	if s == "" {
		return 0, &esperrors.UserError{What: "size literal " + strconv.Quote(orig) + " has a suffix but no digits"}
	}

	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		base = 16
		s = s[2:]
	}
	n, err := strconv.ParseUint(s, base, 64)
	if err != nil {
		return 0, &esperrors.UserError{What: "invalid size literal " + strconv.Quote(orig)}
	}
	return n * multiplier, nil
}

// FormatSize renders n the way error messages and table rendering do,
// using humanize for the human-readable part alongside the exact hex value
// (e.g. "0x600000 (6.3 MB)").
func FormatSize(n uint64) string {
	return "0x" + strconv.FormatUint(n, 16) + " (" + humanize.Bytes(n) + ")"
}

// NameValue is one entry of a top-level comma-separated list, optionally
// carrying a "=value" suffix (--resize NAME=SIZE, --rename OLD=NEW).
type NameValue struct {
	Name  string
	Value string // "" if no "=value" was given
}

// splitTopLevel splits s on "," - the only top-level delimiter; "-" is
// never a delimiter, so partition names may contain it.
func splitTopLevel(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// ParseNameList parses a bare comma-separated list of partition names, e.g.
// the argument to --delete or --erase.
func ParseNameList(s string) ([]string, error) {
	var out []string
	for _, tok := range splitTopLevel(s) {
		if tok == "" {
			return nil, &esperrors.UserError{What: "empty partition name in list " + strconv.Quote(s)}
		}
		out = append(out, tok)
	}
	return out, nil
}

// ParseNameValueList parses "NAME[=VALUE][,...]", used by --resize and
// --rename.
func ParseNameValueList(s string) ([]NameValue, error) {
	var out []NameValue
	for _, tok := range splitTopLevel(s) {
		if tok == "" {
			return nil, &esperrors.UserError{What: "empty entry in list " + strconv.Quote(s)}
		}
		if idx := strings.IndexByte(tok, '='); idx >= 0 {
			name, val := tok[:idx], tok[idx+1:]
			if name == "" || val == "" {
				return nil, &esperrors.UserError{What: "malformed NAME=VALUE entry " + strconv.Quote(tok)}
			}
			out = append(out, NameValue{Name: name, Value: val})
		} else {
			out = append(out, NameValue{Name: tok})
		}
	}
	return out, nil
}

// ParseResizeDirectives parses the --resize argument into ResizePart
// directives (size literal, or 0 when VALUE is "0" or omitted is not
// allowed - VALUE is required for --resize).
func ParseResizeDirectives(s string) ([]planner.Directive, error) {
	nvs, err := ParseNameValueList(s)
	if err != nil {
		return nil, err
	}
	var out []planner.Directive
	for _, nv := range nvs {
		if nv.Value == "" {
			return nil, &esperrors.UserError{What: "--resize entry " + strconv.Quote(nv.Name) + " is missing a =SIZE value"}
		}
		size, err := ParseSize(nv.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, planner.ResizePart{Name: nv.Name, Size: size})
	}
	return out, nil
}

// ParseRenameDirectives parses the --rename argument ("OLD=NEW[,...]").
func ParseRenameDirectives(s string) ([]planner.Directive, error) {
	nvs, err := ParseNameValueList(s)
	if err != nil {
		return nil, err
	}
	var out []planner.Directive
	for _, nv := range nvs {
		if nv.Value == "" {
			return nil, &esperrors.UserError{What: "--rename entry " + strconv.Quote(nv.Name) + " is missing a =NEWNAME value"}
		}
		out = append(out, planner.RenamePart{Old: nv.Name, New: nv.Value})
	}
	return out, nil
}

// ParseDeleteDirective parses the --delete argument into a single
// DeletePart directive.
func ParseDeleteDirective(s string) (planner.Directive, error) {
	names, err := ParseNameList(s)
	if err != nil {
		return nil, err
	}
	return planner.DeletePart{Names: names}, nil
}

// ParseAddSpec parses one "NAME:SUBTYPE:OFFSET:SIZE" add-spec. OFFSET may
// be empty (meaning "next free aligned slot").
func ParseAddSpec(s string) (planner.AddPart, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 4 {
		return planner.AddPart{}, &esperrors.UserError{What: "--add spec " + strconv.Quote(s) + " must have the form NAME:SUBTYPE:OFFSET:SIZE"}
	}
	name, subtypeStr, offsetStr, sizeStr := parts[0], parts[1], parts[2], parts[3]
	if name == "" {
		return planner.AddPart{}, &esperrors.UserError{What: "--add spec " + strconv.Quote(s) + " has an empty NAME"}
	}
	typ, subtype, err := parseSubtype(subtypeStr)
	if err != nil {
		return planner.AddPart{}, err
	}
	size, err := ParseSize(sizeStr)
	if err != nil {
		return planner.AddPart{}, err
	}
	add := planner.AddPart{Name: name, Type: typ, Subtype: subtype, Size: size}
	if offsetStr != "" {
		offset, err := ParseSize(offsetStr)
		if err != nil {
			return planner.AddPart{}, err
		}
		add.HasOffset = true
		add.Offset = offset
	}
	return add, nil
}

// ParseAddDirectives parses the --add argument (comma-separated add-specs)
// into AddPart directives.
func ParseAddDirectives(s string) ([]planner.Directive, error) {
	var out []planner.Directive
	for _, tok := range splitTopLevel(s) {
		if tok == "" {
			continue
		}
		add, err := ParseAddSpec(tok)
		if err != nil {
			return nil, err
		}
		out = append(out, add)
	}
	return out, nil
}

var namedSubtypes = map[string][2]uint8{
	"factory":  {uint8(parttable.TypeApp), parttable.SubtypeFactory},
	"test":     {uint8(parttable.TypeApp), parttable.SubtypeTest},
	"ota":      {uint8(parttable.TypeData), parttable.SubtypeOtaData},
	"nvs":      {uint8(parttable.TypeData), parttable.SubtypeNvs},
	"phy":      {uint8(parttable.TypeData), parttable.SubtypePhy},
	"nvs_keys": {uint8(parttable.TypeData), parttable.SubtypeNvsKeys},
	"fat":      {uint8(parttable.TypeData), parttable.SubtypeFat},
	"littlefs": {uint8(parttable.TypeData), parttable.SubtypeLittleFS},
	"coredump": {uint8(parttable.TypeData), parttable.SubtypeCoredump},
}

// ParseCSV parses the ESP-IDF gen_esp32part.py-style partition-table CSV
// format ("--from-csv"): one "name, type, subtype[, offset], size[, flags]"
// row per line, comment lines starting with "#" and blank lines ignored.
// The offset column, when present, is accepted but ignored: TableLayout
// always packs entries sequentially from 0x9000, so only the relative
// order and size of rows matters. A blank or "0" size on the last row
// means "all remaining space".
func ParseCSV(data string) ([]planner.LayoutEntry, error) {
	var out []planner.LayoutEntry
	for lineNo, line := range strings.Split(data, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ",")
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		var sizeStr string
		switch len(fields) {
		case 4:
			sizeStr = fields[3]
		case 5, 6:
			sizeStr = fields[4]
		default:
			return nil, &esperrors.UserError{What: fmt.Sprintf("csv line %d: expected 4-6 fields, got %d", lineNo+1, len(fields))}
		}
		name, typeStr, subtypeStr := fields[0], fields[1], fields[2]
		if name == "" {
			return nil, &esperrors.UserError{What: fmt.Sprintf("csv line %d: empty partition name", lineNo+1)}
		}
		typ, subtype, err := parseCSVType(typeStr, subtypeStr)
		if err != nil {
			return nil, err
		}
		var size uint64
		if sizeStr != "" {
			size, err = ParseSize(sizeStr)
			if err != nil {
				return nil, err
			}
		}
		out = append(out, planner.LayoutEntry{Name: name, Type: typ, Subtype: subtype, Size: size})
	}
	return out, nil
}

// parseCSVType accepts either the named-subtype shorthand ("app"/"data"
// paired with "factory"/"ota_3"/"nvs"/...) or raw hex type/subtype bytes, as
// gen_esp32part.py itself does.
func parseCSVType(typeStr, subtypeStr string) (parttable.Type, uint8, error) {
	switch strings.ToLower(typeStr) {
	case "app", "0x0", "0":
		return parseAppCSVSubtype(subtypeStr)
	case "data", "0x1", "1":
		if v, ok := namedSubtypes[strings.ToLower(subtypeStr)]; ok && v[0] == uint8(parttable.TypeData) {
			return parttable.TypeData, v[1], nil
		}
		n, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(subtypeStr), "0x"), 16, 8)
		if err != nil {
			return 0, 0, &esperrors.UserError{What: "unrecognized data subtype " + strconv.Quote(subtypeStr)}
		}
		return parttable.TypeData, uint8(n), nil
	default:
		return 0, 0, &esperrors.UserError{What: "unrecognized partition type " + strconv.Quote(typeStr)}
	}
}

func parseAppCSVSubtype(s string) (parttable.Type, uint8, error) {
	typ, subtype, err := parseSubtype(strings.ToLower(s))
	if err != nil || typ != parttable.TypeApp {
		return 0, 0, &esperrors.UserError{What: "unrecognized app subtype " + strconv.Quote(s)}
	}
	return typ, subtype, nil
}

// parseSubtype parses a human subtype name (e.g. "fat", "ota_3") into its
// (Type, subtype-byte) pair.
func parseSubtype(s string) (parttable.Type, uint8, error) {
	if strings.HasPrefix(s, "ota_") {
		n, err := strconv.ParseUint(s[len("ota_"):], 10, 8)
		if err != nil || n > 15 {
			return 0, 0, &esperrors.UserError{What: "invalid ota slot subtype " + strconv.Quote(s)}
		}
		return parttable.TypeApp, parttable.SubtypeOta0 + uint8(n), nil
	}
	if v, ok := namedSubtypes[s]; ok {
		return parttable.Type(v[0]), v[1], nil
	}
	return 0, 0, &esperrors.UserError{What: "unknown partition subtype " + strconv.Quote(s)}
}
