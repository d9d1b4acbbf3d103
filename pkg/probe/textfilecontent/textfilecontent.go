// Package textfilecontent implements the text file content probe: it walks
// the files named by an object, matches a regular expression against their
// content and collects one item per selected match instance.
package textfilecontent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/chainguard-dev/clog"

	"github.com/imjasonh/itemcache/pkg/collect"
	"github.com/imjasonh/itemcache/pkg/item"
)

// ItemKind is the kind of the items this probe produces.
const ItemKind = "textfilecontent_item"

// ErrInvalidObject is returned for objects the probe cannot evaluate.
var ErrInvalidObject = errors.New("textfilecontent: invalid object")

// Operation compares a match instance number with Instance.Value.
type Operation string

const (
	OpEquals             Operation = "equals"
	OpNotEqual           Operation = "not equal"
	OpGreaterThan        Operation = "greater than"
	OpGreaterThanOrEqual Operation = "greater than or equal"
	OpLessThan           Operation = "less than"
	OpLessThanOrEqual    Operation = "less than or equal"
)

// Instance selects which matches of the pattern become items. Instances are
// numbered from 1 in file order.
type Instance struct {
	Operation Operation
	Value     int64
}

// AllInstances selects every match.
func AllInstances() Instance {
	return Instance{Operation: OpGreaterThanOrEqual, Value: 1}
}

// Wants reports whether instance n is selected.
func (i Instance) Wants(n int64) bool {
	switch i.Operation {
	case OpEquals, "":
		return n == i.Value
	case OpNotEqual:
		return n != i.Value
	case OpGreaterThan:
		return n > i.Value
	case OpGreaterThanOrEqual:
		return n >= i.Value
	case OpLessThan:
		return n < i.Value
	case OpLessThanOrEqual:
		return n <= i.Value
	}
	return false
}

// Behaviors tune matching and traversal.
type Behaviors struct {
	IgnoreCase bool
	Multiline  bool
	Singleline bool

	// MaxDepth limits recursion below Path; negative means unlimited.
	MaxDepth int
	// RecurseDown enables descending into subdirectories of Path.
	RecurseDown bool
}

// DefaultBehaviors returns multiline matching without recursion.
func DefaultBehaviors() Behaviors {
	return Behaviors{Multiline: true, MaxDepth: -1}
}

// Object is one text file content check.
type Object struct {
	ID string

	// Either Filepath, or Path plus a Filename regular expression matched
	// against base names.
	Filepath string
	Path     string
	Filename string

	Pattern   string
	Instance  Instance
	Behaviors Behaviors

	// Exclude lists path prefixes that are never read.
	Exclude []string

	// Root is where the scanned file system is mounted, for example an
	// unpacked image. Files are read below Root but reported by their path
	// inside it. Empty means the host file system.
	Root string
}

// Stats summarizes one probe run.
type Stats struct {
	FilesScanned int
	Matches      int
	Accepted     int
	Filtered     int
	Dropped      int
}

type probe struct {
	obj      Object
	root     string
	pctx     *collect.Context
	pattern  *regexp.Regexp
	filename *regexp.Regexp
	stats    Stats
}

// Run evaluates obj and collects its items through pctx. Problems with
// individual files are recorded on the collection and do not stop the walk.
func Run(ctx context.Context, pctx *collect.Context, obj Object) (Stats, error) {
	log := clog.FromContext(ctx)

	p, err := newProbe(pctx, obj)
	if err != nil {
		if aerr := pctx.AddError(ctx, err.Error()); aerr != nil {
			return Stats{}, errors.Join(err, aerr)
		}
		return Stats{}, err
	}

	// Relative paths inside a mounted root have no working directory to
	// resolve against other than the root itself.
	cwd := ""
	if p.root != "" {
		cwd = "/"
	}
	if obj.Filepath != "" {
		path := NormalizePath(obj.Filepath, cwd)
		err = p.processFile(ctx, filepath.Dir(path), filepath.Base(path))
	} else {
		err = p.walk(ctx, NormalizePath(obj.Path, cwd))
	}

	log.Debugf("Object %s: scanned %d files, %d matches, %d accepted, %d filtered, %d dropped",
		obj.ID, p.stats.FilesScanned, p.stats.Matches, p.stats.Accepted, p.stats.Filtered, p.stats.Dropped)
	return p.stats, err
}

func newProbe(pctx *collect.Context, obj Object) (*probe, error) {
	if obj.Pattern == "" {
		return nil, fmt.Errorf("%w: pattern is required", ErrInvalidObject)
	}
	if obj.Filepath == "" && (obj.Path == "" || obj.Filename == "") {
		return nil, fmt.Errorf("%w: filepath or path and filename are required", ErrInvalidObject)
	}

	var flags string
	if obj.Behaviors.IgnoreCase {
		flags += "i"
	}
	if obj.Behaviors.Multiline {
		flags += "m"
	}
	if obj.Behaviors.Singleline {
		flags += "s"
	}
	expr := obj.Pattern
	if flags != "" {
		expr = "(?" + flags + ")" + expr
	}
	pattern, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: compiling pattern '%s': %w", ErrInvalidObject, obj.Pattern, err)
	}

	p := &probe{obj: obj, pctx: pctx, pattern: pattern}
	if obj.Root != "" {
		p.root = strings.TrimSuffix(filepath.Clean(obj.Root), "/")
	}
	if obj.Filepath == "" {
		p.filename, err = regexp.Compile(obj.Filename)
		if err != nil {
			return nil, fmt.Errorf("%w: compiling filename '%s': %w", ErrInvalidObject, obj.Filename, err)
		}
	}
	return p, nil
}

// onDisk maps a reported path to where it lives on the local file system.
func (p *probe) onDisk(path string) string {
	return p.root + path
}

// reported maps a local file system path below the root back to the path
// items report.
func (p *probe) reported(path string) string {
	if p.root == "" {
		return path
	}
	if rel := strings.TrimPrefix(path, p.root); rel != "" {
		return rel
	}
	return "/"
}

// walk visits the files below root whose base name matches the filename
// expression, honoring the recursion behaviors. root and every path handled
// here are reported paths.
func (p *probe) walk(ctx context.Context, root string) error {
	return filepath.WalkDir(p.onDisk(root), func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		path = p.reported(path)
		if err != nil {
			if path == root {
				// A missing search root is an empty result, not an error.
				return fs.SkipDir
			}
			return nil
		}
		if IsExcluded(path, p.obj.Exclude) || (d.IsDir() && IsExcluded(path+"/", p.obj.Exclude)) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			if path == root {
				return nil
			}
			if !p.obj.Behaviors.RecurseDown {
				return fs.SkipDir
			}
			if limit := p.obj.Behaviors.MaxDepth; limit >= 0 && depth(root, path) > limit {
				return fs.SkipDir
			}
			return nil
		}

		if !p.filename.MatchString(d.Name()) {
			return nil
		}
		return p.processFile(ctx, filepath.Dir(path), d.Name())
	})
}

func depth(root, path string) int {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return 0
	}
	return strings.Count(rel, string(filepath.Separator)) + 1
}

// processFile matches the pattern against one file. Files that vanished or
// are not regular are skipped silently; open and read failures are recorded
// on the collection.
func (p *probe) processFile(ctx context.Context, dir, name string) error {
	whole := joinFilepath(dir, name)
	if IsExcluded(whole, p.obj.Exclude) {
		return nil
	}

	st, err := os.Stat(p.onDisk(whole))
	if err != nil || !st.Mode().IsRegular() {
		return nil
	}

	buf, op, err := readFile(p.onDisk(whole))
	if err != nil {
		return p.pctx.AddError(ctx, fmt.Sprintf("%s: '%s' %v.", op, whole, err))
	}
	p.stats.FilesScanned++

	var instance int64
	for _, loc := range p.pattern.FindAllSubmatchIndex(buf, -1) {
		instance++
		p.stats.Matches++
		if !p.obj.Instance.Wants(instance) {
			continue
		}

		it := p.newItem(dir, name, instance, submatches(buf, loc))
		res, err := p.pctx.Collect(ctx, it)
		switch res {
		case collect.ResultAccepted:
			p.stats.Accepted++
		case collect.ResultFiltered:
			p.stats.Filtered++
		case collect.ResultDropped:
			p.stats.Dropped++
		default:
			return fmt.Errorf("collecting item from %s: %w", whole, err)
		}
	}
	return nil
}

// readFile returns the content of path. On failure op names the call that
// failed, open() or read().
func readFile(path string) (buf []byte, op string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "open()", err
	}
	defer f.Close()

	buf, err = io.ReadAll(f)
	if err != nil {
		return nil, "read()", err
	}
	return buf, "", nil
}

// submatches returns the text of the match followed by every participating
// group, in order.
func submatches(buf []byte, loc []int) []string {
	out := make([]string, 0, len(loc)/2)
	for i := 0; i+1 < len(loc); i += 2 {
		if loc[i] < 0 {
			continue
		}
		out = append(out, string(buf[loc[i]:loc[i+1]]))
	}
	return out
}

func (p *probe) newItem(dir, name string, instance int64, subs []string) *item.Item {
	entities := []item.Entity{
		item.String("filepath", joinFilepath(dir, name)),
		item.String("path", dir),
		item.String("filename", name),
		item.String("pattern", p.obj.Pattern),
		item.Int("instance", instance),
		item.String("line", p.obj.Pattern),
		item.String("text", subs[0]),
	}
	for _, s := range subs[1:] {
		entities = append(entities, item.String("subexpression", s))
	}
	return item.New(ItemKind, item.StatusExists, entities...)
}
