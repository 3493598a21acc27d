// Package watcher reports changes inside a watched tree.
//
// Two kinds of change matter for the status cache. Work tree events (a file
// created, modified, removed) are reported with their tree relative path.
// Movement of repository history (HEAD, a branch ref, packed-refs, which is
// how a commit or a git-annex location update shows up) is reported as a
// single OpRepoChange event; everything else under .git is ignored.
//
// fsnotify is used when available with a polling fallback for file systems
// that do not deliver events. Events are debounced and delivered in batches.
//
//	w, err := watcher.NewHybridWatcher(watcher.DefaultOptions())
//	if err != nil {
//	    return err
//	}
//	go w.Start(ctx, root)
//	for batch := range w.Events() {
//	    for _, ev := range batch {
//	        if ev.Operation == watcher.OpRepoChange {
//	            // run an incremental scan
//	        }
//	    }
//	}
package watcher
