package littlefs

import "sync"

// CachedDevice wraps a BlockDevice with a write-back block cache, to
// coalesce the small, frequent 4KiB writes LittleFS issues over a slow
// serial link. Reads and writes within a cached block never touch the
// underlying device until Sync. EraseBlock drops the erased block from the
// cache; writes made to the underlying device by any other path are not
// detected, and cached blocks stay stale until Invalidate is called.
type CachedDevice struct {
	BlockDevice
	mu    sync.Mutex
	cache map[uint32]*cacheEntry
}

type cacheEntry struct {
	data  []byte
	dirty bool
}

// NewCachedDevice wraps dev with an empty cache.
func NewCachedDevice(dev BlockDevice) *CachedDevice {
	return &CachedDevice{BlockDevice: dev, cache: map[uint32]*cacheEntry{}}
}

func (c *CachedDevice) ReadBlock(block, off uint32, buf []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, err := c.entry(block)
	if err != nil {
		return err
	}
	copy(buf, e.data[off:int(off)+len(buf)])
	return nil
}

func (c *CachedDevice) ProgBlock(block, off uint32, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, err := c.entry(block)
	if err != nil {
		return err
	}
	copy(e.data[off:], data)
	e.dirty = true
	return nil
}

func (c *CachedDevice) entry(block uint32) (*cacheEntry, error) {
	if e, ok := c.cache[block]; ok {
		return e, nil
	}
	data := make([]byte, c.BlockDevice.BlockSize())
	if err := c.BlockDevice.ReadBlock(block, 0, data); err != nil {
		return nil, err
	}
	e := &cacheEntry{data: data}
	c.cache[block] = e
	return e, nil
}

func (c *CachedDevice) EraseBlock(block uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.BlockDevice.EraseBlock(block); err != nil {
		return err
	}
	delete(c.cache, block)
	return nil
}

// Sync flushes every dirty cached block to the underlying device.
func (c *CachedDevice) Sync() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for block, e := range c.cache {
		if !e.dirty {
			continue
		}
		if err := c.BlockDevice.ProgBlock(block, 0, e.data); err != nil {
			return err
		}
		e.dirty = false
	}
	return c.BlockDevice.Sync()
}

// Invalidate drops every cached block, forcing the next read to go to the
// underlying device. Call this after any write that bypasses the cache.
func (c *CachedDevice) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = map[uint32]*cacheEntry{}
}
