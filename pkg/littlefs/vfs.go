package littlefs

import (
	"io"
	"os"
	"path"
	"strings"

	"github.com/glenn20/esp32part/pkg/esperrors"
	"github.com/glenn20/esp32part/pkg/firmware"
	"github.com/glenn20/esp32part/pkg/parttable"
)

// DF is one partition's usage report, as returned by VFS.Df.
type DF struct {
	Partition   string
	UsedBlocks  uint32
	TotalBlocks uint32
	BlockSize   uint32
}

// mount pairs a bound Device with the Filesystem mounted onto it.
type mount struct {
	dev *Device
	fs  Filesystem
}

// VFS resolves partition-qualified paths like "vfs2:/dir" against a
// Firmware's littlefs-subtype partitions and exposes the ls/cat/get/put/
// mkdir/rm/rename/mkfs/grow/df surface. newFS constructs a fresh,
// unmounted Filesystem instance per partition - the caller supplies it,
// since the actual LittleFS binding lives outside this module.
type VFS struct {
	fw          *firmware.Firmware
	newFS       func() Filesystem
	mounts      map[string]*mount
	cache       bool
	defaultPart string
}

// New builds a VFS over fw. newFS must return a fresh Filesystem each call.
// withCache wraps every bound Device in a write-back CachedDevice.
func New(fw *firmware.Firmware, newFS func() Filesystem, withCache bool) *VFS {
	return &VFS{fw: fw, newFS: newFS, mounts: map[string]*mount{}, cache: withCache}
}

// splitPath separates an optional "partition:" prefix from the rest of the
// path. A bare path (no colon) resolves against the default partition.
func splitPath(p string) (partition, rest string) {
	if i := strings.IndexByte(p, ':'); i >= 0 {
		return p[:i], p[i+1:]
	}
	return "", p
}

// defaultPartition returns the sole littlefs-subtype partition in the
// table. Ambiguous (more than one) or absent tables require every path to
// be partition-qualified.
func (v *VFS) defaultPartition() (string, error) {
	if v.defaultPart != "" {
		return v.defaultPart, nil
	}
	var found string
	count := 0
	for _, r := range v.fw.Table().Records {
		if r.Type == parttable.TypeData && r.Subtype == parttable.SubtypeLittleFS {
			found = r.Name
			count++
		}
	}
	if count == 0 {
		return "", &esperrors.NotFound{Name: "(default littlefs partition)"}
	}
	if count > 1 {
		return "", &esperrors.UserError{What: "multiple littlefs partitions present; paths must be partition-qualified (name:/path)"}
	}
	v.defaultPart = found
	return found, nil
}

// resolve opens (mounting lazily) the Filesystem for p's partition and
// returns it alongside the partition-relative path.
func (v *VFS) resolve(p string) (*mount, string, error) {
	name, rest := splitPath(p)
	if name == "" {
		var err error
		name, err = v.defaultPartition()
		if err != nil {
			return nil, "", err
		}
	}
	m, err := v.mountOf(name)
	if err != nil {
		return nil, "", err
	}
	if rest == "" {
		rest = "/"
	}
	return m, rest, nil
}

// bind opens name's partition and wraps it as a BlockDevice, returning both
// the concrete Device (for Grow, which needs the underlying block count)
// and the device the Filesystem should mount (possibly cache-wrapped).
func (v *VFS) bind(name string) (*Device, BlockDevice, error) {
	pio, err := v.fw.OpenPartition(name)
	if err != nil {
		return nil, nil, err
	}
	concrete := NewDevice(pio)
	var dev BlockDevice = concrete
	if v.cache {
		dev = NewCachedDevice(concrete)
	}
	return concrete, dev, nil
}

func (v *VFS) mountOf(name string) (*mount, error) {
	if m, ok := v.mounts[name]; ok {
		return m, nil
	}
	concrete, dev, err := v.bind(name)
	if err != nil {
		return nil, err
	}
	fs := v.newFS()
	if err := fs.Mount(dev); err != nil {
		return nil, &esperrors.FsError{Cause: err}
	}
	m := &mount{dev: concrete, fs: fs}
	v.mounts[name] = m
	return m, nil
}

// Mkfs formats the named partition's filesystem, replacing any contents.
func (v *VFS) Mkfs(name string) error {
	concrete, dev, err := v.bind(name)
	if err != nil {
		return err
	}
	fs := v.newFS()
	if err := fs.Format(dev); err != nil {
		return &esperrors.FsError{Cause: err}
	}
	if err := fs.Mount(dev); err != nil {
		return &esperrors.FsError{Cause: err}
	}
	v.mounts[name] = &mount{dev: concrete, fs: fs}
	return nil
}

// Grow increases the named partition's reported LittleFS block count.
// blocks == 0 grows to the partition's full current capacity.
func (v *VFS) Grow(name string, blocks uint32) error {
	m, ok := v.mounts[name]
	if !ok {
		if _, err := v.mountOf(name); err != nil {
			return err
		}
		m = v.mounts[name]
	}
	return m.dev.Grow(blocks)
}

// Ls lists each of paths, returning the directory entries (or, for a file
// path, its own Info) keyed by the original path string.
func (v *VFS) Ls(paths []string) (map[string][]Info, error) {
	out := map[string][]Info{}
	for _, p := range paths {
		m, rest, err := v.resolve(p)
		if err != nil {
			return nil, err
		}
		info, err := m.fs.Stat(rest)
		if err != nil {
			return nil, err
		}
		if !info.IsDir {
			out[p] = []Info{info}
			continue
		}
		entries, err := m.fs.ReadDir(rest)
		if err != nil {
			return nil, err
		}
		out[p] = entries
	}
	return out, nil
}

// Cat returns path's full contents.
func (v *VFS) Cat(p string) ([]byte, error) {
	m, rest, err := v.resolve(p)
	if err != nil {
		return nil, err
	}
	f, err := m.fs.Open(rest)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// Mkdir creates path. If parents, missing intermediate directories are
// created too (mkdir -p semantics); otherwise a missing parent is an error.
func (v *VFS) Mkdir(p string, parents bool) error {
	m, rest, err := v.resolve(p)
	if err != nil {
		return err
	}
	if !parents {
		return m.fs.Mkdir(rest)
	}
	cur := "/"
	for _, part := range strings.Split(strings.Trim(rest, "/"), "/") {
		if part == "" {
			continue
		}
		cur = path.Join(cur, part)
		if _, err := m.fs.Stat(cur); err == nil {
			continue
		}
		if err := m.fs.Mkdir(cur); err != nil {
			return err
		}
	}
	return nil
}

// Rm removes each of paths. If recursive, directories are removed along
// with their contents; otherwise a non-empty directory is an error left to
// the underlying Filesystem to report.
func (v *VFS) Rm(paths []string, recursive bool) error {
	for _, p := range paths {
		m, rest, err := v.resolve(p)
		if err != nil {
			return err
		}
		if err := v.removeOne(m, rest, recursive); err != nil {
			return err
		}
	}
	return nil
}

func (v *VFS) removeOne(m *mount, p string, recursive bool) error {
	info, err := m.fs.Stat(p)
	if err != nil {
		return err
	}
	if info.IsDir && recursive {
		entries, err := m.fs.ReadDir(p)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := v.removeOne(m, path.Join(p, e.Name), recursive); err != nil {
				return err
			}
		}
	}
	return m.fs.Remove(p)
}

// Rename moves oldpath to newpath within the same partition.
func (v *VFS) Rename(oldpath, newpath string) error {
	m, oldRest, err := v.resolve(oldpath)
	if err != nil {
		return err
	}
	m2, newRest, err := v.resolve(newpath)
	if err != nil {
		return err
	}
	if m2.fs != m.fs {
		return &esperrors.UserError{What: "rename across partitions is not supported"}
	}
	return m.fs.Rename(oldRest, newRest)
}

// Get copies src (a littlefs path) to dst on the host filesystem, following
// the same cp -r destination semantics as Put: if dst ends in "/" or
// already exists as a directory, src's basename is appended to it.
func (v *VFS) Get(src, dst string) error {
	m, rest, err := v.resolve(src)
	if err != nil {
		return err
	}
	info, err := m.fs.Stat(rest)
	if err != nil {
		return err
	}
	dst = resolveCpDest(dst, path.Base(rest), isHostDir(dst))
	if info.IsDir {
		return v.getDir(m, rest, dst)
	}
	data, err := v.Cat(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

func (v *VFS) getDir(m *mount, src, dst string) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	entries, err := m.fs.ReadDir(src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		childSrc := path.Join(src, e.Name)
		childDst := dst + "/" + e.Name
		if e.IsDir {
			if err := v.getDir(m, childSrc, childDst); err != nil {
				return err
			}
			continue
		}
		f, err := m.fs.Open(childSrc)
		if err != nil {
			return err
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return err
		}
		if err := os.WriteFile(childDst, data, 0o644); err != nil {
			return err
		}
	}
	return nil
}

// Put copies src (on the host filesystem) to dst (a littlefs path), with
// cp -r destination semantics: if dst ends in "/" or exists as a directory,
// src's basename is appended.
func (v *VFS) Put(src, dst string) error {
	fi, err := os.Stat(src)
	if err != nil {
		return err
	}
	m, rest, err := v.resolve(dst)
	if err != nil {
		return err
	}
	destIsDir := strings.HasSuffix(rest, "/")
	if !destIsDir {
		if info, err := m.fs.Stat(rest); err == nil && info.IsDir {
			destIsDir = true
		}
	}
	if destIsDir {
		rest = path.Join(rest, path.Base(src))
	}
	if fi.IsDir() {
		return v.putDir(m, src, rest)
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	f, err := m.fs.Create(rest)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(data)
	return err
}

func (v *VFS) putDir(m *mount, src, dst string) error {
	if err := m.fs.Mkdir(dst); err != nil {
		if _, statErr := m.fs.Stat(dst); statErr != nil {
			return err
		}
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		childSrc := src + "/" + e.Name()
		childDst := path.Join(dst, e.Name())
		if e.IsDir() {
			if err := v.putDir(m, childSrc, childDst); err != nil {
				return err
			}
			continue
		}
		data, err := os.ReadFile(childSrc)
		if err != nil {
			return err
		}
		f, err := m.fs.Create(childDst)
		if err != nil {
			return err
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			return err
		}
		f.Close()
	}
	return nil
}

// Df reports usage for every currently mounted partition.
func (v *VFS) Df() ([]DF, error) {
	out := make([]DF, 0, len(v.mounts))
	for name, m := range v.mounts {
		used, total, err := m.fs.Usage()
		if err != nil {
			return nil, err
		}
		out = append(out, DF{Partition: name, UsedBlocks: used, TotalBlocks: total, BlockSize: BlockSize})
	}
	return out, nil
}

// Close unmounts every mounted partition.
func (v *VFS) Close() error {
	var firstErr error
	for name, m := range v.mounts {
		if err := m.fs.Unmount(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(v.mounts, name)
	}
	return firstErr
}

func isHostDir(p string) bool {
	if strings.HasSuffix(p, "/") {
		return true
	}
	fi, err := os.Stat(p)
	return err == nil && fi.IsDir()
}

func resolveCpDest(dst, base string, dstIsDir bool) string {
	if dstIsDir {
		return strings.TrimSuffix(dst, "/") + "/" + base
	}
	return dst
}
