package planner

import (
	"fmt"

	"github.com/glenn20/esp32part/pkg/esperrors"
	"github.com/glenn20/esp32part/pkg/parttable"
)

// DefaultAppSize is the ota_N app-slot size used by the built-in "ota"
// table template; the non-OTA templates size factory to fill up to
// vfsStart instead. 2 MiB matches the upstream esp-idf default partition CSVs.
const DefaultAppSize uint32 = 0x200000

// vfsStart is the fixed start offset of the trailing data partition in the
// non-OTA templates (factory@0x10000/0x1f0000, vfs@0x200000/...).
const vfsStart uint32 = 0x200000

func buildTemplate(name string, flashSize uint64) ([]parttable.Record, error) {
	switch name {
	case "default":
		return []parttable.Record{
			{Type: parttable.TypeData, Subtype: parttable.SubtypeNvs, Offset: 0x9000, Size: 0x10000 - 0x9000, Name: "nvs"},
			{Type: parttable.TypeApp, Subtype: parttable.SubtypeFactory, Offset: 0x10000, Size: vfsStart - 0x10000, Name: "factory"},
			{Type: parttable.TypeData, Subtype: parttable.SubtypeLittleFS, Offset: vfsStart, Size: uint32(flashSize) - vfsStart, Name: "vfs"},
		}, nil
	case "original":
		return []parttable.Record{
			{Type: parttable.TypeData, Subtype: parttable.SubtypeNvs, Offset: 0x9000, Size: 0x6000, Name: "nvs"},
			{Type: parttable.TypeData, Subtype: parttable.SubtypePhy, Offset: 0xf000, Size: 0x1000, Name: "phy_init"},
			{Type: parttable.TypeApp, Subtype: parttable.SubtypeFactory, Offset: 0x10000, Size: vfsStart - 0x10000, Name: "factory"},
			{Type: parttable.TypeData, Subtype: parttable.SubtypeLittleFS, Offset: vfsStart, Size: uint32(flashSize) - vfsStart, Name: "vfs"},
		}, nil
	case "ota":
		ota0Offset := uint32(0x10000)
		ota1Offset := ota0Offset + DefaultAppSize
		vfs := ota1Offset + DefaultAppSize
		return []parttable.Record{
			{Type: parttable.TypeData, Subtype: parttable.SubtypeNvs, Offset: 0x9000, Size: 0x5000, Name: "nvs"},
			{Type: parttable.TypeData, Subtype: parttable.SubtypeOtaData, Offset: 0xe000, Size: 0x2000, Name: "otadata"},
			{Type: parttable.TypeApp, Subtype: parttable.SubtypeOta0 + 0, Offset: ota0Offset, Size: DefaultAppSize, Name: "ota_0"},
			{Type: parttable.TypeApp, Subtype: parttable.SubtypeOta0 + 1, Offset: ota1Offset, Size: DefaultAppSize, Name: "ota_1"},
			{Type: parttable.TypeData, Subtype: parttable.SubtypeLittleFS, Offset: vfs, Size: uint32(flashSize) - vfs, Name: "vfs"},
		}, nil
	default:
		return nil, &esperrors.LayoutError{Code: esperrors.UnknownPartition, Reason: fmt.Sprintf("unknown table template %q", name)}
	}
}
