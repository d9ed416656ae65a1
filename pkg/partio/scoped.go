package partio

import (
	"github.com/glenn20/esp32part/pkg/flashio"
	"github.com/glenn20/esp32part/pkg/parttable"
)

// With opens a PartitionIO scoped to record on dev, runs fn, and always
// flushes dev afterwards - including when fn returns an error - an
// explicit open/run/flush helper that covers every exit path.
func With(dev flashio.FlashIO, record parttable.Record, fn func(*PartitionIO) error) (err error) {
	p := Open(dev, record)
	defer func() {
		if ferr := dev.Flush(); ferr != nil && err == nil {
			err = ferr
		}
	}()
	return fn(p)
}
