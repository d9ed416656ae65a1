package planner

import (
	"testing"

	"github.com/glenn20/esp32part/pkg/parttable"
	"github.com/stretchr/testify/require"
)

// fixtureTable reproduces the ESP32_GENERIC-20231005-v1.21.0.bin default
// layout: nvs@0x9000/0x6000, phy_init@0xf000/0x1000,
// factory@0x10000/0x1f0000, vfs@0x200000/0x200000, flash_size=4MB.
func fixtureTable() *parttable.Table {
	return &parttable.Table{
		FlashSize:   4 * 1024 * 1024,
		TableOffset: parttable.TableOffset,
		Records: []parttable.Record{
			{Type: parttable.TypeData, Subtype: parttable.SubtypeNvs, Offset: 0x9000, Size: 0x6000, Name: "nvs"},
			{Type: parttable.TypeData, Subtype: parttable.SubtypePhy, Offset: 0xf000, Size: 0x1000, Name: "phy_init"},
			{Type: parttable.TypeApp, Subtype: parttable.SubtypeFactory, Offset: 0x10000, Size: 0x1f0000, Name: "factory"},
			{Type: parttable.TypeData, Subtype: parttable.SubtypeLittleFS, Offset: 0x200000, Size: 0x200000, Name: "vfs"},
		},
	}
}

func TestScenario1FixtureIsValid(t *testing.T) {
	require.NoError(t, fixtureTable().Validate())
}

func TestScenario2ResizeFlashAndVfs(t *testing.T) {
	old := fixtureTable()
	newTable, err := Apply(old, []Directive{
		ResizeFlash{Size: 8 * 1024 * 1024},
		ResizePart{Name: "vfs", Size: 0},
	})
	require.NoError(t, err)

	vfs := newTable.FindByName("vfs")
	require.NotNil(t, vfs)
	require.Equal(t, uint32(0x800000-0x200000), vfs.Size)

	// Other partitions unchanged.
	nvs := newTable.FindByName("nvs")
	require.Equal(t, uint32(0x9000), nvs.Offset)
	require.Equal(t, uint32(0x6000), nvs.Size)
	factory := newTable.FindByName("factory")
	require.Equal(t, uint32(0x10000), factory.Offset)
	require.Equal(t, uint32(0x1f0000), factory.Size)
}

func TestScenario3OtaTemplate(t *testing.T) {
	old := fixtureTable()
	old.FlashSize = 8 * 1024 * 1024
	newTable, err := Apply(old, []Directive{TableTemplate{Name: "ota"}})
	require.NoError(t, err)

	cases := []struct {
		name   string
		offset uint32
		size   uint32
	}{
		{"nvs", 0x9000, 0x5000},
		{"otadata", 0xe000, 0x2000},
		{"ota_0", 0x10000, 0x200000},
		{"ota_1", 0x210000, 0x200000},
		{"vfs", 0x410000, 0x3f0000},
	}
	for _, c := range cases {
		r := newTable.FindByName(c.name)
		require.NotNilf(t, r, "missing partition %q", c.name)
		require.Equalf(t, c.offset, r.Offset, "%s offset", c.name)
		require.Equalf(t, c.size, r.Size, "%s size", c.name)
	}
	require.NoError(t, newTable.Validate())
}

func TestScenario4DeletePhyAndGrowNvs(t *testing.T) {
	old := fixtureTable()
	newTable, err := Apply(old, []Directive{
		DeletePart{Names: []string{"phy_init"}},
		ResizePart{Name: "nvs", Size: 0},
	})
	require.NoError(t, err)

	nvs := newTable.FindByName("nvs")
	require.Equal(t, uint32(0x9000), nvs.Offset)
	require.Equal(t, uint32(0x7000), nvs.Size)

	factory := newTable.FindByName("factory")
	require.Equal(t, uint32(0x10000), factory.Offset)

	require.Nil(t, newTable.FindByName("phy_init"))
	require.NoError(t, newTable.Validate())
}

func TestScenario5AddOverlapFails(t *testing.T) {
	old := fixtureTable()
	_, err := Apply(old, []Directive{
		AddPart{Name: "vfs2", Type: parttable.TypeData, Subtype: parttable.SubtypeFat, HasOffset: true, Offset: 0x200000, Size: 1024 * 1024},
	})
	require.Error(t, err)
}

func TestZeroGrowOnlyOncePerPass(t *testing.T) {
	old := fixtureTable()
	_, err := Apply(old, []Directive{
		ResizePart{Name: "nvs", Size: 0},
		ResizePart{Name: "vfs", Size: 0},
	})
	require.Error(t, err)
}

func TestRenameDuplicateRejected(t *testing.T) {
	old := fixtureTable()
	_, err := Apply(old, []Directive{RenamePart{Old: "nvs", New: "vfs"}})
	require.Error(t, err)
}

func TestAppSizeResizesAllAppPartitions(t *testing.T) {
	old := fixtureTable()
	newTable, err := Apply(old, []Directive{AppSize{Size: 0x100000}})
	require.NoError(t, err)
	factory := newTable.FindByName("factory")
	require.Equal(t, uint32(0x100000), factory.Size)
	vfs := newTable.FindByName("vfs")
	// vfs slides left by the amount factory shrank.
	require.Equal(t, uint32(0x10000+0x100000), vfs.Offset)
}

func TestSideEffectsTouchedPartitions(t *testing.T) {
	old := fixtureTable()
	newTable, err := Apply(old, []Directive{
		ResizeFlash{Size: 8 * 1024 * 1024},
		ResizePart{Name: "vfs", Size: 0},
	})
	require.NoError(t, err)

	touched, warnings := SideEffects(old, newTable)
	require.Len(t, warnings, 0)
	require.Len(t, touched, 1)
	require.Equal(t, "vfs", touched[0].Name)
}
