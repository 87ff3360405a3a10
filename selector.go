package mergefs

import (
	"context"
	"strings"

	"github.com/gobwas/glob"
)

// FileSelector filters files during a tree walk. Selectors compose with
// And, Or and Not.
//
//	files, err := mergefs.ListWithSelector(ctx, dir, mergefs.And(
//	    mergefs.Glob("*.jpg"),
//	    mergefs.FuncSelector(func(f *mergefs.FileInfo) bool {
//	        return f.Size < 10*1024*1024
//	    }),
//	), true)
type FileSelector interface {
	// Match returns true if the file should be included in results.
	Match(file *FileInfo) bool

	// TraverseDescendants returns true if directory descendants should be
	// traversed. Only called for directories.
	TraverseDescendants(file *FileInfo) bool
}

// ListWithSelector walks dir and returns the regular files the selector
// matches. With recursive the walk descends into every directory the
// selector lets it traverse. Through a MountTable the walk crosses mount
// points like any other directory.
func ListWithSelector(ctx context.Context, dir File, selector FileSelector, recursive bool) ([]File, error) {
	if selector == nil {
		selector = All()
	}

	var results []File
	if err := listRecursive(ctx, dir, selector, recursive, &results); err != nil {
		return nil, err
	}
	return results, nil
}

func listRecursive(ctx context.Context, dir File, selector FileSelector, recursive bool, results *[]File) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	files, err := dir.ListFiles(ctx)
	if err != nil {
		return err
	}

	for _, f := range files {
		info, err := f.Stat(ctx)
		if err != nil {
			if IsNotExist(err) {
				continue // removed while walking
			}
			return err
		}

		if info.IsDir() {
			if recursive && selector.TraverseDescendants(info) {
				if err := listRecursive(ctx, f, selector, recursive, results); err != nil {
					return err
				}
			}
			continue
		}
		if selector.Match(info) {
			*results = append(*results, f)
		}
	}
	return nil
}

// ============================================================================
// Built-in Selectors
// ============================================================================

// AllSelector matches all files and traverses all directories.
type AllSelector struct{}

func (s AllSelector) Match(file *FileInfo) bool               { return true }
func (s AllSelector) TraverseDescendants(file *FileInfo) bool { return true }

// All returns a selector that matches all files.
func All() FileSelector {
	return AllSelector{}
}

type globSelector struct {
	pattern glob.Glob
	onPath  bool
}

// Glob creates a selector from a glob pattern. Patterns without a "/" match
// the file name; patterns with one match the full path, where "**" crosses
// directory boundaries and "*" does not. An invalid pattern matches nothing.
//
//	Glob("*.txt")            // all .txt files
//	Glob("image_????.jpg")   // image_0001.jpg, etc.
//	Glob("/data/**/*.json")  // JSON files anywhere below /data
//	Glob("*.{jpg,png}")      // alternatives
func Glob(pattern string) FileSelector {
	onPath := strings.Contains(pattern, "/")
	var g glob.Glob
	var err error
	if onPath {
		g, err = glob.Compile(pattern, '/')
	} else {
		g, err = glob.Compile(pattern)
	}
	if err != nil {
		return FuncSelector(func(*FileInfo) bool { return false })
	}
	return &globSelector{pattern: g, onPath: onPath}
}

func (s *globSelector) Match(file *FileInfo) bool {
	if s.onPath {
		return s.pattern.Match(file.Path)
	}
	return s.pattern.Match(file.Name)
}

func (s *globSelector) TraverseDescendants(file *FileInfo) bool {
	return true
}

type depthSelector struct {
	maxDepth int
	basePath string
}

// Depth limits traversal to maxDepth levels below basePath.
// Depth 1 = immediate children only.
func Depth(maxDepth int, basePath string) FileSelector {
	return &depthSelector{
		maxDepth: maxDepth,
		basePath: strings.TrimSuffix(CleanPath(basePath), "/"),
	}
}

func (s *depthSelector) getDepth(path string) int {
	rel := strings.TrimPrefix(path, s.basePath)
	rel = strings.Trim(rel, "/")
	if rel == "" {
		return 0
	}
	return strings.Count(rel, "/") + 1
}

func (s *depthSelector) Match(file *FileInfo) bool {
	return s.getDepth(file.Path) <= s.maxDepth
}

func (s *depthSelector) TraverseDescendants(file *FileInfo) bool {
	return s.getDepth(file.Path) < s.maxDepth
}

// ============================================================================
// Composable Selectors (And, Or, Not)
// ============================================================================

type andSelector struct {
	selectors []FileSelector
}

// And matches only if ALL selectors match. It traverses a directory only
// when every selector would.
func And(selectors ...FileSelector) FileSelector {
	return &andSelector{selectors: selectors}
}

func (s *andSelector) Match(file *FileInfo) bool {
	for _, sel := range s.selectors {
		if !sel.Match(file) {
			return false
		}
	}
	return true
}

func (s *andSelector) TraverseDescendants(file *FileInfo) bool {
	for _, sel := range s.selectors {
		if !sel.TraverseDescendants(file) {
			return false
		}
	}
	return true
}

type orSelector struct {
	selectors []FileSelector
}

// Or matches if ANY selector matches.
func Or(selectors ...FileSelector) FileSelector {
	return &orSelector{selectors: selectors}
}

func (s *orSelector) Match(file *FileInfo) bool {
	for _, sel := range s.selectors {
		if sel.Match(file) {
			return true
		}
	}
	return false
}

func (s *orSelector) TraverseDescendants(file *FileInfo) bool {
	for _, sel := range s.selectors {
		if sel.TraverseDescendants(file) {
			return true
		}
	}
	return false
}

type notSelector struct {
	selector FileSelector
}

// Not inverts a selector's match result.
func Not(selector FileSelector) FileSelector {
	return &notSelector{selector: selector}
}

func (s *notSelector) Match(file *FileInfo) bool {
	return !s.selector.Match(file)
}

func (s *notSelector) TraverseDescendants(file *FileInfo) bool {
	return true
}

type funcSelector struct {
	matchFn    func(*FileInfo) bool
	traverseFn func(*FileInfo) bool
}

// FuncSelector creates a selector from a custom function.
func FuncSelector(fn func(*FileInfo) bool) FileSelector {
	return &funcSelector{
		matchFn:    fn,
		traverseFn: func(*FileInfo) bool { return true },
	}
}

// FuncSelectorFull creates a selector with custom match and traverse functions.
func FuncSelectorFull(matchFn, traverseFn func(*FileInfo) bool) FileSelector {
	return &funcSelector{
		matchFn:    matchFn,
		traverseFn: traverseFn,
	}
}

func (s *funcSelector) Match(file *FileInfo) bool               { return s.matchFn(file) }
func (s *funcSelector) TraverseDescendants(file *FileInfo) bool { return s.traverseFn(file) }
