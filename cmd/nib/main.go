// Nib host - loads a bootstrap image and runs its entry binding
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
	"gopkg.in/yaml.v3"

	"github.com/chazu/nib/imagestore"
	"github.com/chazu/nib/manifest"
	"github.com/chazu/nib/vm"
)

var hostLog = commonlog.GetLogger("nib.host")

// Exit codes.
const (
	exitOK        = 0
	exitException = 1
	exitUsage     = 2
	exitFatal     = 3
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

type options struct {
	config  string
	image   string
	store   string
	name    string
	save    string
	delete  string
	entry   string
	verbose int
	stats   bool
	list    bool
}

// usesStore reports whether the command needs an image store even when
// none is configured.
func (o *options) usesStore() bool {
	return o.save != "" || o.delete != "" || o.list
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	o := &options{}
	fs := flag.NewFlagSet("nib", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.config, "config", "", "Path to nib.toml (default: search upward from the working directory)")
	fs.StringVar(&o.image, "image", "", "Image file to load")
	fs.StringVar(&o.store, "store", "", "Image store database")
	fs.StringVar(&o.name, "name", "default", "Name of the image to load from the store")
	fs.StringVar(&o.save, "save", "", "Save the root environment to the store under this name after running")
	fs.BoolVar(&o.list, "list", false, "List the images in the store and exit")
	fs.StringVar(&o.delete, "delete", "", "Delete the named image from the store and exit")
	fs.StringVar(&o.entry, "entry", "", "Binding to call (default: the image's entry)")
	fs.IntVar(&o.verbose, "v", 0, "Log verbosity (0 = errors only)")
	fs.BoolVar(&o.stats, "stats", false, "Print heap statistics as YAML on exit")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: nib [options]\n\n")
		fmt.Fprintf(stderr, "Loads a bootstrap image and calls its entry binding.\n\n")
		fmt.Fprintf(stderr, "Options:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nExamples:\n")
		fmt.Fprintf(stderr, "  nib -image app.image              # Run the image's entry\n")
		fmt.Fprintf(stderr, "  nib -image app.image -save app     # Run, then store the result as 'app'\n")
		fmt.Fprintf(stderr, "  nib -store images.db -name app     # Run a stored image\n")
		fmt.Fprintf(stderr, "  nib -list                          # List images in the default store\n")
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	return o, nil
}

func loadManifest(o *options) (*manifest.Manifest, error) {
	if o.config != "" {
		return manifest.LoadFile(o.config)
	}
	m, err := manifest.FindAndLoad(".")
	if err != nil {
		return nil, err
	}
	if m == nil {
		return manifest.Default(), nil
	}
	return m, nil
}

func configureLogging(m *manifest.Manifest, o *options) {
	verbosity := m.Log.Verbosity
	if o.verbose > verbosity {
		verbosity = o.verbose
	}
	var path *string
	if f := m.LogFile(); f != "" {
		path = &f
	}
	commonlog.Configure(verbosity, path)
}

func run(args []string, stdout, stderr io.Writer) (code int) {
	o, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}

	m, err := loadManifest(o)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}
	configureLogging(m, o)

	h := vm.NewHeap(m.HeapConfig())
	in := vm.NewInterpreter(h, m.VMConfig())
	defer in.Close()

	defer func() {
		if r := recover(); r != nil {
			var fatal *vm.FatalError
			if err, ok := r.(error); ok && errors.As(err, &fatal) {
				fmt.Fprintf(stderr, "%s\n", fatal.Error())
				code = exitFatal
				return
			}
			panic(r)
		}
	}()

	root := h.RootEnv()
	if err := installHost(h, root, stdout); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFatal
	}

	store, err := openStore(o, m)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}
	if store != nil {
		defer store.Close()
	}

	switch {
	case o.list:
		if err := listImages(stdout, store); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitFatal
		}
		return exitOK
	case o.delete != "":
		if err := store.Delete(o.delete); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitUsage
		}
		hostLog.Noticef("deleted image %s from %s", o.delete, store.Path())
		return exitOK
	}

	info, err := loadImage(h, root, o, m, store)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}

	entry := o.entry
	if entry == "" {
		entry = info.Entry
	}
	if entry == "" {
		entry = m.Image.Entry
	}

	code = exitOK
	result, err := callEntry(in, root, entry)
	if err != nil {
		reportException(stderr, h.AsException(err))
		code = exitException
	} else {
		hostLog.Infof("%s returned %s", entry, h.SprintLimit(result, 200))
		// A small integer result becomes the exit code
		if result.Type() == vm.TypeInt && result.AsInt() >= 0 && result.AsInt() < 126 {
			code = int(result.AsInt())
		}
	}

	if o.save != "" {
		data, _, err := h.WriteImage(root, entry)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitFatal
		}
		if _, err := store.Put(o.save, data); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitFatal
		}
	}

	if o.stats {
		h.Collect()
		enc := yaml.NewEncoder(stdout)
		if err := enc.Encode(h.Stats()); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
		}
		enc.Close()
	}
	return code
}

// installHost binds the core natives plus the host's own output natives.
// File access is left to embedders.
func installHost(h *vm.Heap, root vm.Ref, stdout io.Writer) error {
	if err := h.InstallCore(root); err != nil {
		return err
	}
	display := func(newline bool) vm.NativeFunc {
		return func(c *vm.NativeCall) (vm.Value, error) {
			parts := make([]string, len(c.Args))
			for i, a := range c.Args {
				parts[i] = c.Heap.Display(a)
			}
			fmt.Fprint(stdout, strings.Join(parts, " "))
			if newline {
				fmt.Fprintln(stdout)
			}
			return vm.Nil, nil
		}
	}
	if _, err := h.AddNative(root, "print", "[...args]", "Write args to standard output", display(false)); err != nil {
		return err
	}
	if _, err := h.AddNative(root, "println", "[...args]", "Write args and a newline to standard output", display(true)); err != nil {
		return err
	}
	for _, name := range []string{"file/read read-file", "file/write write-file", "load"} {
		if err := h.NotAvailable(root, name); err != nil {
			return err
		}
	}
	return nil
}

// openStore opens the store named by -store or the manifest. Commands
// that only make sense with a store fall back to imagestore.DefaultPath.
func openStore(o *options, m *manifest.Manifest) (*imagestore.Store, error) {
	path := o.store
	if path == "" {
		path = m.StorePath()
	}
	if path == "" && o.usesStore() {
		var err error
		if path, err = imagestore.DefaultPath(); err != nil {
			return nil, err
		}
	}
	if path == "" {
		return nil, nil
	}
	return imagestore.Open(path)
}

func listImages(w io.Writer, store *imagestore.Store) error {
	entries, err := store.List()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSIZE\tDIGEST\tCREATED")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%d\t%.12s\t%s\n", e.Name, e.Size, e.Digest, e.Created.Format(time.RFC3339))
	}
	return tw.Flush()
}

func loadImage(h *vm.Heap, root vm.Ref, o *options, m *manifest.Manifest, store *imagestore.Store) (vm.ImageInfo, error) {
	var data []byte
	path := o.image
	if path == "" && store == nil {
		path = m.ImagePath()
	}
	switch {
	case path != "":
		b, err := os.ReadFile(path)
		if err != nil {
			return vm.ImageInfo{}, fmt.Errorf("reading image: %w", err)
		}
		data = b
	case store != nil:
		b, _, err := store.Get(o.name)
		if err != nil {
			return vm.ImageInfo{}, err
		}
		data = b
	default:
		return vm.ImageInfo{}, fmt.Errorf("no image given (use -image or -store)")
	}
	return h.LoadImage(root, data)
}

func callEntry(in *vm.Interpreter, root vm.Ref, entry string) (vm.Value, error) {
	h := in.Heap()
	fn, err := h.LookupName(root, entry)
	if err != nil {
		return vm.Nil, err
	}
	return in.Apply(root, fn, nil)
}

// reportException prints an unhandled exception, in colour when stderr is
// a terminal.
func reportException(w io.Writer, e *vm.Exception) {
	hostLog.Errorf("unhandled exception: %s", e.Error())
	red, reset := "", ""
	if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		red, reset = "\x1b[31m", "\x1b[0m"
	}
	fmt.Fprintf(w, "%sUnhandled exception: %s%s\n", red, e.Error(), reset)
	fmt.Fprint(w, e.FormatTrace())
}
