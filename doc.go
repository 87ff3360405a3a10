// Package mergefs composes heterogeneous storage backends into one virtual
// namespace and exposes its files as random-access byte streams.
//
// Backends implement the small path-addressed [Driver] primitive set;
// [NewFilesystem] lifts a Driver into the full [File] capability interface
// (recursive copy and delete, move, touch, whole-file contents). Files are
// lazy handles: obtaining one never touches the backend.
//
// # Storage Backends
//
//   - In-memory (github.com/gobeaver/mergefs/driver/memory)
//   - Local filesystem (github.com/gobeaver/mergefs/driver/local)
//   - ZIP archives, read-only (github.com/gobeaver/mergefs/driver/zip)
//   - SFTP (github.com/gobeaver/mergefs/driver/sftp)
//   - BoltDB file (github.com/gobeaver/mergefs/driver/bolt)
//   - Any afero.Fs (github.com/gobeaver/mergefs/driver/aferofs)
//
// Each backend, and the ninep server, is its own Go module, so importing
// the core package does not pull in SFTP, BoltDB or 9P dependencies.
// Importing a backend package registers it for [ParseMounts].
//
// # Mounting
//
// A [MountTable] resolves a virtual path to the mounted filesystem with the
// longest prefix covering it on a segment boundary; "/data" covers
// "/data/x" but not "/database". The root mount is the fallback.
//
//	disk, err := local.New("/srv/data")
//	table := mergefs.NewMountTable()
//	table.Mount("/", mergefs.NewFilesystem(memory.New(), cfg))
//	table.Mount("/data", mergefs.NewFilesystem(disk, cfg))
//
//	f, err := table.GetFile("/data/report.txt")
//	// f.Pathname() == "/data/report.txt"
//	// f.(*mergefs.MergedFile).Real().Pathname() == "/report.txt"
//
// Files obtained from the table are [*MergedFile] values. Their Parent steps
// out of a mount into the enclosing one and their listings include the
// mount points below them.
//
// # Streams
//
// [Stream] implements fopen-style access on any File:
//
//	s, err := table.OpenStream(ctx, "/data/log.txt", "a+")
//	defer s.Close()
//	s.Write([]byte("line\n"))
//
// [MountTable.EnableStreaming] registers the table under a scheme://host
// pair so a host I/O layer can address files by URL through the
// [StreamWrapper] (see the ninep package for a 9P server built on it).
//
// # Optional Capabilities
//
// Drivers and files may implement optional capability interfaces. Use type
// assertions to check for support:
//
//	if watcher, ok := driver.(mergefs.CanWatch); ok {
//	    token, err := watcher.Watch(ctx, "**/*.json")
//	}
//
// # Configuration
//
// [Config] is an immutable value built with [ConfigBuilder]. [GetSettings]
// loads the environment representation:
//
//	MERGEFS_BASE_PATH=./storage
//	MERGEFS_MOUNTS=/=memory,/data=local,/archive=zip:ro,/remote=sftp:cache
//	MERGEFS_STRICT_MOUNTS=false
//	MERGEFS_BUFFER_SIZE=65536
//
// [Init] and [Table] manage a process-wide table built from those settings.
// The ":cache" flag wraps a driver with [Cached], which serves Stat and
// ReadDir from memory until a write through the table invalidates them.
//
// # Error Handling
//
// Errors wrap the sentinels of this package in a [*PathError]:
//
//	if errors.Is(err, mergefs.ErrNoSuchMount) { ... }
//	if mergefs.IsNotExist(err) { ... }
package mergefs
