package fs

import "glenda/src/defs"

// / Prepare_root implements spec.md §6's prepare_root (syscall 40): seeds
// / the root directory's self-referencing "." and ".." entries if they
// / are not already present, the one piece of on-disk state a freshly
// / formatted image needs before path_to_inode("/") or any dentry_create
// / under it can succeed. A no-op on an already-seeded root.
func (fs *Fs_t) Prepare_root() defs.Err_t {
	fs.rootLk.Lock()
	defer fs.rootLk.Unlock()
	if _, err := fs.Dentry_search(fs.root, "."); err == 0 {
		return 0
	}
	if err := fs.Dentry_create(fs.root, fs.root, "."); err != 0 {
		return err
	}
	return fs.Dentry_create(fs.root, fs.root, "..")
}
