package planner

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/glenn20/esp32part/pkg/esperrors"
	"github.com/glenn20/esp32part/pkg/parttable"
)

// validate checks table invariants (no overlaps, everything within flash
// bounds, app partitions aligned) against st's working records and
// aggregates every violation found, so a caller sees the full set of
// problems in one LayoutError-bearing report rather than just the first.
func (st *state) validate() error {
	var result *multierror.Error

	sortByOffset(st.records)
	seen := map[string]bool{}
	hasApp := false
	otaCount, otadataCount := 0, 0
	var prevEnd uint32 = uint32(st.tableOffset) + parttable.TableSize

	for _, r := range st.records {
		if r.Name == "" || len(r.Name) > 15 {
			result = multierror.Append(result, &esperrors.LayoutError{
				Code: esperrors.InvalidName, Reason: fmt.Sprintf("invalid partition name %q", r.Name)})
		}
		if seen[r.Name] {
			result = multierror.Append(result, &esperrors.LayoutError{
				Code: esperrors.DuplicateName, Reason: fmt.Sprintf("duplicate partition name %q", r.Name)})
		}
		seen[r.Name] = true

		if r.Offset%parttable.BlockSize != 0 || r.Size%parttable.BlockSize != 0 {
			result = multierror.Append(result, &esperrors.LayoutError{
				Code: esperrors.BadAlignment, Reason: fmt.Sprintf(
					"partition %q: offset/size must be a multiple of %#x", r.Name, parttable.BlockSize)})
		}

		if r.Type == parttable.TypeApp {
			hasApp = true
			if r.Offset%parttable.AppAlign != 0 {
				result = multierror.Append(result, &esperrors.LayoutError{
					Code: esperrors.BadAlignment, Reason: fmt.Sprintf(
						"app partition %q: offset must be a multiple of %#x", r.Name, parttable.AppAlign)})
			}
			if r.Subtype >= parttable.SubtypeOta0 && r.Subtype <= 0x1F {
				otaCount++
			}
		} else if r.Type == parttable.TypeData && r.Subtype == parttable.SubtypeOtaData {
			otadataCount++
		}

		if r.Offset < prevEnd {
			result = multierror.Append(result, &esperrors.LayoutError{
				Code: esperrors.Overlap, Reason: fmt.Sprintf("partition %q overlaps the preceding entry", r.Name)})
		}
		if uint64(r.End()) > st.flashSize {
			result = multierror.Append(result, &esperrors.LayoutError{
				Code: esperrors.Overflow, Reason: fmt.Sprintf(
					"partition %q ends at %#x, beyond flash size %#x", r.Name, r.End(), st.flashSize)})
		}
		prevEnd = r.End()
	}

	if !hasApp {
		result = multierror.Append(result, &esperrors.LayoutError{Code: esperrors.MissingApp, Reason: "table has no app partition"})
	}
	if otaCount > 0 && otadataCount != 1 {
		result = multierror.Append(result, &esperrors.LayoutError{Code: esperrors.MissingOtadata, Reason: "table has ota_N app partitions but not exactly one otadata partition"})
	}

	return result.ErrorOrNil()
}
