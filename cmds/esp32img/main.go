// The esp32img command inspects and rewrites ESP32 flash images and
// partition tables (C10), either in an on-disk image file or on a live
// serial-attached device.
//
// Synopsis:
//     esp32img FILENAME [options]
//
// FILENAME is either a path to an image file, or a short-form serial
// device abbreviation (u0, a1, ... on POSIX; c3 on Windows) that expands
// to a platform serial device path.
//
// Examples:
//     esp32img firmware.bin
//     esp32img firmware.bin --table ota --flash-size 8M
//     esp32img u0 --ota-update new-app.bin
//     esp32img firmware.bin --fs "mkfs:vfs" --fs "put:local.txt:/local.txt"
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/jessevdk/go-flags"

	"github.com/glenn20/esp32part/pkg/directive"
	"github.com/glenn20/esp32part/pkg/esperrors"
	"github.com/glenn20/esp32part/pkg/firmware"
	"github.com/glenn20/esp32part/pkg/flashio"
	"github.com/glenn20/esp32part/pkg/imagehdr"
	"github.com/glenn20/esp32part/pkg/littlefs"
	"github.com/glenn20/esp32part/pkg/logx"
	"github.com/glenn20/esp32part/pkg/ota"
	"github.com/glenn20/esp32part/pkg/partio"
	"github.com/glenn20/esp32part/pkg/planner"
	"github.com/glenn20/esp32part/pkg/parttable"
	"github.com/glenn20/esp32part/pkg/render"
)

// NewStub constructs the serial-bootloader Stub a device target needs.
// The protocol library is an external collaborator: esp32img depends
// only on the flashio.Stub interface, never a concrete transport, so an
// embedding program can replace this var with a real implementation.
// Left unconfigured, device targets fail with a clear error instead of
// silently doing nothing.
var NewStub = func(devicePath string, baud int, method string) (flashio.Stub, error) {
	return nil, &esperrors.UserError{
		What: "no serial-bootloader Stub is configured; device target " + devicePath + " cannot be opened",
	}
}

// NewFilesystem constructs a fresh littlefs.Filesystem for each mounted
// partition. The real LittleFS binding is an external collaborator: an
// embedding program replaces this var with one wrapping the real
// implementation. Left unconfigured, every littlefs operation fails
// clearly instead of nil-panicking.
var NewFilesystem = func() littlefs.Filesystem { return unconfiguredFS{} }

var errNoFSBinding = &esperrors.FsError{Cause: errors.New("no LittleFS filesystem binding configured")}

type unconfiguredFS struct{}

func (unconfiguredFS) Format(littlefs.BlockDevice) error      { return errNoFSBinding }
func (unconfiguredFS) Mount(littlefs.BlockDevice) error       { return errNoFSBinding }
func (unconfiguredFS) Unmount() error                         { return errNoFSBinding }
func (unconfiguredFS) Open(string) (littlefs.File, error)     { return nil, errNoFSBinding }
func (unconfiguredFS) Create(string) (littlefs.File, error)   { return nil, errNoFSBinding }
func (unconfiguredFS) Mkdir(string) error                     { return errNoFSBinding }
func (unconfiguredFS) Remove(string) error                    { return errNoFSBinding }
func (unconfiguredFS) Rename(string, string) error            { return errNoFSBinding }
func (unconfiguredFS) Stat(string) (littlefs.Info, error)     { return littlefs.Info{}, errNoFSBinding }
func (unconfiguredFS) ReadDir(string) ([]littlefs.Info, error) { return nil, errNoFSBinding }
func (unconfiguredFS) Usage() (used, total uint32, err error) { return 0, 0, errNoFSBinding }

// Options is the flat CLI surface, parsed by go-flags into a single
// struct rather than per-subcommand structs, since esp32img's flags are
// flat, not subcommanded.
type Options struct {
	FlashSize  string   `long:"flash-size" description:"Resize the flash (and its trailing partition) to this size, e.g. 4M, 8M"`
	AppSize    string   `long:"app-size" description:"Resize every app-type partition to this size"`
	Table      string   `long:"table" description:"Replace the partition table with a named template: default, original, ota"`
	Delete     string   `long:"delete" description:"Comma-separated partition names to delete"`
	Add        string   `long:"add" description:"Comma-separated NAME:SUBTYPE:OFFSET:SIZE specs to add"`
	Resize     string   `long:"resize" description:"Comma-separated NAME=SIZE entries"`
	Rename     string   `long:"rename" description:"Comma-separated OLD=NEW entries"`
	FromCSV    string   `long:"from-csv" description:"Replace the table from an ESP-IDF gen_esp32part.py-style CSV file"`
	Erase      string   `long:"erase" description:"Comma-separated partition names to erase (fill with 0xFF)"`
	EraseFS    string   `long:"erase-fs" description:"Comma-separated littlefs partition names to erase and reformat"`
	Read       string   `long:"read" description:"PART:FILE - dump a partition's bytes to a host file"`
	Write      string   `long:"write" description:"FILE:PART - write a host file's bytes into a partition"`
	ExtractApp string   `long:"extract-app" description:"PART:FILE - extract the trimmed app image from a partition to a host file"`
	OtaUpdate  string   `long:"ota-update" description:"Path to a new app image to write into the inactive OTA slot"`
	Flash      string   `long:"flash" description:"Path to a whole image to write onto a device target, bypassing the partition table"`
	Trim       bool     `long:"trim" description:"Trim the image file (--output, else the input) to a 16-byte boundary past the last non-0xFF byte"`
	TrimBlocks bool     `long:"trimblocks" description:"Trim the image file (--output, else the input) to a 4KiB boundary"`
	Fs         []string `long:"fs" description:"A littlefs VFS command (ls|cat|get|put|mkdir|rm|rename|mkfs|grow|df:ARGS); repeatable"`
	CheckApp   bool     `long:"check-app" description:"Make app image hash mismatches fatal instead of a warning"`
	NoRollback bool     `long:"no-rollback" description:"Mark the new OTA slot Valid instead of PendingVerify"`
	NoReset    bool     `long:"no-reset" description:"Suppress the hard reset on device close"`
	Baud       int      `long:"baud" default:"115200" description:"Serial baud rate for device targets"`
	Method     string   `long:"method" description:"Serial connection method for device targets"`
	Output     string   `long:"output" short:"o" description:"Write the resulting image to this path instead of modifying the input in place"`
	JSON       bool     `long:"json" description:"Render the partition table as JSON instead of a table"`
	Quiet      bool     `short:"q" long:"quiet" description:"Suppress warnings"`
	Debug      bool     `short:"d" long:"debug" description:"Enable debug logging"`
	Log        string   `long:"log" description:"Write logs to this file instead of stderr"`

	Args struct {
		Filename string `positional-arg-name:"filename"`
	} `positional-args:"yes" required:"1"`
}

func main() {
	var opts Options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Exit(1)
	}

	if err := run(&opts); err != nil {
		fmt.Fprintln(os.Stderr, "esp32img: "+err.Error())
		os.Exit(esperrors.ExitCode(err))
	}
}

func run(opts *Options) error {
	logw := io.Writer(os.Stderr)
	if opts.Log != "" {
		f, err := os.OpenFile(opts.Log, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return &esperrors.DeviceError{Cause: err}
		}
		defer f.Close()
		logw = f
	}
	var log logx.Logger = logx.New(logw, opts.Debug)
	if opts.Quiet {
		log = logx.Discard
	}

	ctx := context.Background()
	target := opts.Args.Filename

	fw, path, err := openTarget(ctx, target, opts, log)
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := checkAppPartitions(fw, opts, log); err != nil {
		return err
	}
	if err := applyTableDirectives(fw, opts); err != nil {
		return err
	}
	if err := runErase(ctx, fw, opts); err != nil {
		return err
	}
	if err := runEraseFS(fw, opts); err != nil {
		return err
	}
	if err := runRead(fw, opts); err != nil {
		return err
	}
	if err := runWrite(fw, opts); err != nil {
		return err
	}
	if err := runExtractApp(fw, opts); err != nil {
		return err
	}
	if err := runOtaUpdate(ctx, fw, opts, log); err != nil {
		return err
	}
	if err := runFlash(fw, opts); err != nil {
		return err
	}
	if err := runFsCommands(fw, opts); err != nil {
		return err
	}
	if err := trimOutput(fw, path, opts); err != nil {
		return err
	}

	return renderTable(fw, opts)
}

// openTarget opens filename either as a file-backed or device-backed
// Firmware, recognizing the short-form device abbreviations. The
// returned path is "" for a device target, and the file actually opened
// (honoring --output) for a file target.
func openTarget(ctx context.Context, target string, opts *Options, log logx.Logger) (*firmware.Firmware, string, error) {
	if devicePath, ok := expandDevicePath(target); ok {
		stub, err := NewStub(devicePath, opts.Baud, opts.Method)
		if err != nil {
			return nil, "", err
		}
		fw, err := firmware.OpenDevice(ctx, stub, flashio.OpenDeviceOptions{NoReset: opts.NoReset, Logger: log})
		return fw, "", err
	}

	path := target
	if opts.Output != "" {
		data, err := os.ReadFile(target)
		if err != nil {
			return nil, "", &esperrors.DeviceError{Cause: err}
		}
		if err := os.WriteFile(opts.Output, data, 0o644); err != nil {
			return nil, "", &esperrors.DeviceError{Cause: err}
		}
		path = opts.Output
	}
	fw, err := firmware.OpenFile(path, log)
	return fw, path, err
}

// expandDevicePath recognizes the short-form serial device abbreviations:
// POSIX uN -> /dev/ttyUSBN, aN -> /dev/ttyACMN; Windows cN -> COMN. Any
// other filename is a plain path.
func expandDevicePath(name string) (string, bool) {
	if len(name) < 2 {
		return "", false
	}
	prefix, rest := name[:1], name[1:]
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return "", false
	}
	if runtime.GOOS == "windows" {
		if prefix == "c" {
			return fmt.Sprintf("COM%d", n), true
		}
		return "", false
	}
	switch prefix {
	case "u":
		return fmt.Sprintf("/dev/ttyUSB%d", n), true
	case "a":
		return fmt.Sprintf("/dev/ttyACM%d", n), true
	}
	return "", false
}

// checkAppPartitions validates every app-type partition's appended
// SHA-256: a mismatch is a warning unless --check-app, in which case it
// is fatal.
func checkAppPartitions(fw *firmware.Firmware, opts *Options, log logx.Logger) error {
	for _, r := range fw.Table().Records {
		if r.Type != parttable.TypeApp {
			continue
		}
		pio, err := fw.OpenPartition(r.Name)
		if err != nil {
			return err
		}
		hdrBuf := make([]byte, imagehdr.HeaderSize)
		if _, err := pio.ReadAt(hdrBuf, 0); err != nil {
			continue
		}
		if h, err := imagehdr.Parse(hdrBuf); err != nil || !h.HasHash() {
			continue
		}
		size, err := imagehdr.SizeOfImage(pio, 0)
		if err != nil {
			continue
		}
		if err := imagehdr.ValidateHash(pio, 0, int64(size)); err != nil {
			if opts.CheckApp {
				return err
			}
			log.Warnf("app partition %s: %v", r.Name, err)
		}
	}
	return nil
}

// applyTableDirectives folds every table-shaping flag into directives, in
// flash-size/app-size/table/from-csv/delete/add/resize/rename order, and
// applies them in one pass.
func applyTableDirectives(fw *firmware.Firmware, opts *Options) error {
	var directives []planner.Directive

	if opts.FlashSize != "" {
		size, err := directive.ParseSize(opts.FlashSize)
		if err != nil {
			return err
		}
		directives = append(directives, planner.ResizeFlash{Size: size})
	}
	if opts.AppSize != "" {
		size, err := directive.ParseSize(opts.AppSize)
		if err != nil {
			return err
		}
		directives = append(directives, planner.AppSize{Size: size})
	}
	if opts.Table != "" {
		directives = append(directives, planner.TableTemplate{Name: opts.Table})
	}
	if opts.FromCSV != "" {
		data, err := os.ReadFile(opts.FromCSV)
		if err != nil {
			return &esperrors.DeviceError{Cause: err}
		}
		entries, err := directive.ParseCSV(string(data))
		if err != nil {
			return err
		}
		directives = append(directives, planner.TableLayout{Entries: entries})
	}
	if opts.Delete != "" {
		d, err := directive.ParseDeleteDirective(opts.Delete)
		if err != nil {
			return err
		}
		directives = append(directives, d)
	}
	if opts.Add != "" {
		ds, err := directive.ParseAddDirectives(opts.Add)
		if err != nil {
			return err
		}
		directives = append(directives, ds...)
	}
	if opts.Resize != "" {
		ds, err := directive.ParseResizeDirectives(opts.Resize)
		if err != nil {
			return err
		}
		directives = append(directives, ds...)
	}
	if opts.Rename != "" {
		ds, err := directive.ParseRenameDirectives(opts.Rename)
		if err != nil {
			return err
		}
		directives = append(directives, ds...)
	}

	if len(directives) == 0 {
		return nil
	}
	return fw.Apply(directives)
}

func runErase(ctx context.Context, fw *firmware.Firmware, opts *Options) error {
	if opts.Erase == "" {
		return nil
	}
	names, err := directive.ParseNameList(opts.Erase)
	if err != nil {
		return err
	}
	for _, name := range names {
		pio, err := fw.OpenPartition(name)
		if err != nil {
			return err
		}
		if err := pio.Erase(ctx, 0, uint64(pio.Record().Size), nil); err != nil {
			return err
		}
	}
	return nil
}

func runEraseFS(fw *firmware.Firmware, opts *Options) error {
	if opts.EraseFS == "" {
		return nil
	}
	names, err := directive.ParseNameList(opts.EraseFS)
	if err != nil {
		return err
	}
	v := littlefs.New(fw, NewFilesystem, false)
	defer v.Close()
	for _, name := range names {
		if err := v.Mkfs(name); err != nil {
			return err
		}
	}
	return nil
}

func splitPartFile(s, flagName string) (string, string, error) {
	i := strings.IndexByte(s, ':')
	if i < 0 {
		return "", "", &esperrors.UserError{What: flagName + " must have the form PART:FILE"}
	}
	return s[:i], s[i+1:], nil
}

func runRead(fw *firmware.Firmware, opts *Options) error {
	if opts.Read == "" {
		return nil
	}
	part, path, err := splitPartFile(opts.Read, "--read")
	if err != nil {
		return err
	}
	pio, err := fw.OpenPartition(part)
	if err != nil {
		return err
	}
	r, err := pio.Reader()
	if err != nil {
		return err
	}
	out, err := os.Create(path)
	if err != nil {
		return &esperrors.DeviceError{Cause: err}
	}
	defer out.Close()
	if _, err := io.Copy(out, r); err != nil {
		return &esperrors.DeviceError{Cause: err}
	}
	return nil
}

func runWrite(fw *firmware.Firmware, opts *Options) error {
	if opts.Write == "" {
		return nil
	}
	path, part, err := splitPartFile(opts.Write, "--write")
	if err != nil {
		return err
	}
	in, err := os.Open(path)
	if err != nil {
		return &esperrors.DeviceError{Cause: err}
	}
	defer in.Close()

	pio, err := fw.OpenPartition(part)
	if err != nil {
		return err
	}
	w, err := pio.Writer()
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, in); err != nil {
		return &esperrors.DeviceError{Cause: err}
	}
	return w.Commit()
}

func runExtractApp(fw *firmware.Firmware, opts *Options) error {
	if opts.ExtractApp == "" {
		return nil
	}
	part, path, err := splitPartFile(opts.ExtractApp, "--extract-app")
	if err != nil {
		return err
	}
	pio, err := fw.OpenPartition(part)
	if err != nil {
		return err
	}
	r, err := pio.Reader()
	if err != nil {
		return err
	}
	out, err := os.Create(path)
	if err != nil {
		return &esperrors.DeviceError{Cause: err}
	}
	defer out.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return &esperrors.DeviceError{Cause: err}
	}
	trimmed := partio.Trim(data)
	if _, err := out.Write(trimmed); err != nil {
		return &esperrors.DeviceError{Cause: err}
	}
	return nil
}

func runOtaUpdate(ctx context.Context, fw *firmware.Firmware, opts *Options, log logx.Logger) error {
	if opts.OtaUpdate == "" {
		return nil
	}
	f, err := os.Open(opts.OtaUpdate)
	if err != nil {
		return &esperrors.DeviceError{Cause: err}
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return &esperrors.DeviceError{Cause: err}
	}
	engine := ota.New(fw, log)
	return engine.Update(ctx, f, uint64(fi.Size()), opts.NoRollback, nil)
}

func runFlash(fw *firmware.Firmware, opts *Options) error {
	if opts.Flash == "" {
		return nil
	}
	data, err := os.ReadFile(opts.Flash)
	if err != nil {
		return &esperrors.DeviceError{Cause: err}
	}
	_, err = fw.WriteAt(data, 0)
	return err
}

// runFsCommands dispatches each --fs entry as one colon-separated littlefs
// VFS operation: CMD:ARG[:ARG...].
func runFsCommands(fw *firmware.Firmware, opts *Options) error {
	if len(opts.Fs) == 0 {
		return nil
	}
	v := littlefs.New(fw, NewFilesystem, false)
	defer v.Close()
	for _, cmd := range opts.Fs {
		if err := runOneFsCommand(v, cmd); err != nil {
			return err
		}
	}
	return nil
}

func runOneFsCommand(v *littlefs.VFS, cmd string) error {
	parts := strings.Split(cmd, ":")
	if len(parts) == 0 {
		return nil
	}
	op, args := parts[0], parts[1:]
	switch op {
	case "mkfs":
		if err := argErr(len(args), 1, op, nil); err != nil {
			return err
		}
		return v.Mkfs(args[0])
	case "grow":
		return v.Grow(args[0], 0)
	case "ls":
		entries, err := v.Ls(args)
		if err != nil {
			return err
		}
		render.Ls(os.Stdout, entries)
		return nil
	case "cat":
		data, err := v.Cat(args[0])
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	case "mkdir":
		return v.Mkdir(args[0], true)
	case "rm":
		return v.Rm(args, true)
	case "rename":
		return v.Rename(args[0], args[1])
	case "get":
		return v.Get(args[0], args[1])
	case "put":
		return v.Put(args[0], args[1])
	case "df":
		df, err := v.Df()
		if err != nil {
			return err
		}
		render.Df(os.Stdout, df)
		return nil
	default:
		return &esperrors.UserError{What: "unknown --fs command " + strconv.Quote(op)}
	}
}

func argErr(got, want int, op string, err error) error {
	if got < want {
		return &esperrors.UserError{What: op + " requires at least " + strconv.Itoa(want) + " argument(s)"}
	}
	return err
}

// trimOutput applies --trim/--trimblocks to the whole output image: file
// targets only, since a device has no "file length" to shrink. fw must
// already be closed-safe to re-read from disk by the time this runs.
func trimOutput(fw *firmware.Firmware, path string, opts *Options) error {
	if path == "" || (!opts.Trim && !opts.TrimBlocks) {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return &esperrors.DeviceError{Cause: err}
	}
	trimmed := data
	if opts.TrimBlocks {
		trimmed = partio.TrimBlocks(data)
	} else if opts.Trim {
		trimmed = partio.Trim(data)
	}
	if len(trimmed) == len(data) {
		return nil
	}
	if err := os.Truncate(path, int64(len(trimmed))); err != nil {
		return &esperrors.DeviceError{Cause: err}
	}
	return nil
}

func renderTable(fw *firmware.Firmware, opts *Options) error {
	if opts.JSON {
		return render.JSON(os.Stdout, fw.Table())
	}
	render.Table(os.Stdout, fw.Table())
	return nil
}
