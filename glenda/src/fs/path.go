package fs

import (
	"strings"

	"glenda/src/defs"
)

func splitPath(path string) ([]string, defs.Err_t) {
	if path == "" || path[0] != '/' {
		return nil, -defs.EINVAL
	}
	var comps []string
	for _, c := range strings.Split(path, "/") {
		if c == "" {
			continue
		}
		if len(c) > maxNameLen {
			return nil, -defs.ENAMETOOLONG
		}
		comps = append(comps, c)
	}
	return comps, 0
}

// / Path_to_inode implements spec.md §4.9's path_to_inode("/a/b/c"):
// / walks from the root inode (a kernel global, independent of any
// / process's current directory), failing on any missing component.
func (fs *Fs_t) Path_to_inode(path string) (defs.Inum_t, defs.Err_t) {
	comps, err := splitPath(path)
	if err != 0 {
		return 0, err
	}
	cur := fs.root
	for _, c := range comps {
		next, err := fs.Dentry_search(cur, c)
		if err != 0 {
			return 0, -defs.ENOENT
		}
		cur = next
	}
	return cur, 0
}

// / Path_to_parent implements spec.md §4.9's path_to_parent("/a/b/c",
// / out_tail): returns the inode of "/a/b" and the trailing component
// / "c". An empty path, a path not starting with "/", or a component
// / exceeding 60 bytes fails with -1.
func (fs *Fs_t) Path_to_parent(path string) (defs.Inum_t, string, defs.Err_t) {
	comps, err := splitPath(path)
	if err != 0 || len(comps) == 0 {
		return 0, "", -defs.EINVAL
	}
	cur := fs.root
	for _, c := range comps[:len(comps)-1] {
		next, err := fs.Dentry_search(cur, c)
		if err != 0 {
			return 0, "", -defs.ENOENT
		}
		cur = next
	}
	return cur, comps[len(comps)-1], 0
}
