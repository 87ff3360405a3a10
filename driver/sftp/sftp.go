// Package sftp implements a mergefs driver for a remote directory reached
// over SFTP.
package sftp

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/gobeaver/beaver-kit/config"
	"github.com/gobeaver/mergefs"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Adapter is a mergefs.Driver over an SFTP connection.
type Adapter struct {
	mu       sync.Mutex
	client   *sftp.Client
	sshConn  *ssh.Client
	basePath string
	config   Config

	// PollInterval is used by Watch; SFTP has no change notifications.
	PollInterval time.Duration
}

// Config holds SFTP connection configuration
type Config struct {
	Host       string
	Port       int
	Username   string
	Password   string
	PrivateKey []byte // PEM encoded private key
	BasePath   string
	// HostKeyCallback verifies the server key; nil accepts any key.
	HostKeyCallback ssh.HostKeyCallback
}

// Settings is the environment representation of an SFTP connection.
type Settings struct {
	Host       string `env:"MERGEFS_SFTP_HOST"`
	Port       int    `env:"MERGEFS_SFTP_PORT,default:22"`
	Username   string `env:"MERGEFS_SFTP_USERNAME"`
	Password   string `env:"MERGEFS_SFTP_PASSWORD"`
	PrivateKey string `env:"MERGEFS_SFTP_PRIVATE_KEY"` // Path to private key file
	BasePath   string `env:"MERGEFS_SFTP_BASE_PATH"`
}

// GetSettings returns SFTP settings loaded from environment
func GetSettings() (*Settings, error) {
	s := &Settings{}
	if err := config.Load(s); err != nil {
		return nil, err
	}
	return s, nil
}

// Config converts the settings, reading the private key file if one is set.
func (s *Settings) Config() (Config, error) {
	if s.Host == "" {
		return Config{}, fmt.Errorf("SFTP host is required")
	}
	cfg := Config{
		Host:     s.Host,
		Port:     s.Port,
		Username: s.Username,
		Password: s.Password,
		BasePath: s.BasePath,
	}
	if s.PrivateKey != "" {
		keyData, err := os.ReadFile(s.PrivateKey)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read private key: %w", err)
		}
		cfg.PrivateKey = keyData
	}
	return cfg, nil
}

// New dials the server and returns a connected adapter.
func New(cfg Config) (*Adapter, error) {
	a := &Adapter{config: cfg, basePath: cfg.BasePath}
	if err := a.connect(); err != nil {
		return nil, err
	}
	return a, nil
}

// NewFromClient wraps an established SFTP client. The adapter does not
// reconnect it.
func NewFromClient(client *sftp.Client, basePath string) *Adapter {
	return &Adapter{client: client, basePath: basePath}
}

// connect establishes SSH and SFTP connections
func (a *Adapter) connect() error {
	hostKey := a.config.HostKeyCallback
	if hostKey == nil {
		hostKey = ssh.InsecureIgnoreHostKey()
	}
	sshConfig := &ssh.ClientConfig{
		User:            a.config.Username,
		HostKeyCallback: hostKey,
	}

	if len(a.config.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(a.config.PrivateKey)
		if err != nil {
			return fmt.Errorf("failed to parse private key: %w", err)
		}
		sshConfig.Auth = append(sshConfig.Auth, ssh.PublicKeys(signer))
	}
	if a.config.Password != "" {
		sshConfig.Auth = append(sshConfig.Auth, ssh.Password(a.config.Password))
	}
	if len(sshConfig.Auth) == 0 {
		return fmt.Errorf("no authentication method provided")
	}

	port := a.config.Port
	if port == 0 {
		port = 22
	}

	sshConn, err := ssh.Dial("tcp", fmt.Sprintf("%s:%d", a.config.Host, port), sshConfig)
	if err != nil {
		return fmt.Errorf("failed to connect to SSH: %w", err)
	}

	client, err := sftp.NewClient(sshConn)
	if err != nil {
		sshConn.Close()
		return fmt.Errorf("failed to create SFTP client: %w", err)
	}

	a.sshConn = sshConn
	a.client = client
	return nil
}

// Close closes the SFTP and SSH connections
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []error
	if a.client != nil {
		if err := a.client.Close(); err != nil {
			errs = append(errs, err)
		}
		a.client = nil
	}
	if a.sshConn != nil {
		if err := a.sshConn.Close(); err != nil {
			errs = append(errs, err)
		}
		a.sshConn = nil
	}
	return errors.Join(errs...)
}

// conn returns the live client, redialing a dropped connection when the
// adapter owns its dialing.
func (a *Adapter) conn() (*sftp.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.config.Host == "" {
		if a.client == nil {
			return nil, fmt.Errorf("sftp: connection closed")
		}
		return a.client, nil
	}
	if a.client != nil {
		if _, err := a.client.Getwd(); err == nil {
			return a.client, nil
		}
		a.client.Close()
		a.client = nil
	}
	if a.sshConn != nil {
		a.sshConn.Close()
		a.sshConn = nil
	}
	if err := a.connect(); err != nil {
		return nil, err
	}
	return a.client, nil
}

// fullPath maps a driver name below the base path. Names are cleaned
// against "/" first so they cannot climb out of it.
func (a *Adapter) fullPath(name string) string {
	clean := path.Clean("/" + name)
	if a.basePath == "" {
		return clean
	}
	return path.Join(a.basePath, clean)
}

func (a *Adapter) toInfo(client *sftp.Client, name, full string, info os.FileInfo) *mergefs.FileInfo {
	fi := &mergefs.FileInfo{
		Name:    path.Base(name),
		Path:    name,
		Size:    info.Size(),
		Mode:    info.Mode(),
		ModTime: info.ModTime(),
	}
	if info.IsDir() {
		fi.Size = 0
	}
	if st, ok := info.Sys().(*sftp.FileStat); ok {
		fi.Owner = strconv.FormatUint(uint64(st.UID), 10)
		fi.Group = strconv.FormatUint(uint64(st.GID), 10)
		fi.AccessTime = time.Unix(int64(st.Atime), 0)
	}
	if li, err := client.Lstat(full); err == nil && li.Mode()&fs.ModeSymlink != 0 {
		if target, err := client.ReadLink(full); err == nil {
			fi.LinkTarget = target
		}
	}
	return fi
}

func (a *Adapter) Stat(ctx context.Context, name string) (*mergefs.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	client, err := a.conn()
	if err != nil {
		return nil, &mergefs.PathError{Op: "stat", Path: name, Err: err}
	}
	full := a.fullPath(name)
	info, err := client.Stat(full)
	if err != nil {
		return nil, mergefs.TranslateError("stat", name, err)
	}
	return a.toInfo(client, name, full, info), nil
}

func (a *Adapter) ReadDir(ctx context.Context, name string) ([]mergefs.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	client, err := a.conn()
	if err != nil {
		return nil, &mergefs.PathError{Op: "readdir", Path: name, Err: err}
	}
	full := a.fullPath(name)
	entries, err := client.ReadDir(full)
	if err != nil {
		return nil, mergefs.TranslateError("readdir", name, err)
	}
	infos := make([]mergefs.FileInfo, 0, len(entries))
	for _, e := range entries {
		child := path.Join(name, e.Name())
		infos = append(infos, *a.toInfo(client, child, path.Join(full, e.Name()), e))
	}
	return infos, nil
}

// OpenFile returns the remote *sftp.File, which already provides positional
// reads and writes, truncation and sync.
func (a *Adapter) OpenFile(ctx context.Context, name string, flag int, perm fs.FileMode) (mergefs.Content, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	client, err := a.conn()
	if err != nil {
		return nil, &mergefs.PathError{Op: "open", Path: name, Err: err}
	}
	full := a.fullPath(name)

	// SFTPv3 has no distinct status for an existing target, so O_EXCL and
	// directory checks happen here.
	info, statErr := client.Stat(full)
	switch {
	case statErr == nil && info.IsDir():
		return nil, &mergefs.PathError{Op: "open", Path: name, Err: mergefs.ErrIsDir}
	case statErr == nil && flag&os.O_CREATE != 0 && flag&os.O_EXCL != 0:
		return nil, &mergefs.PathError{Op: "open", Path: name, Err: mergefs.ErrExist}
	}

	f, err := client.OpenFile(full, flag)
	if err != nil {
		return nil, mergefs.TranslateError("open", name, err)
	}
	if statErr != nil && flag&os.O_CREATE != 0 && perm != 0 {
		_ = f.Chmod(perm)
	}
	return f, nil
}

func (a *Adapter) Mkdir(ctx context.Context, name string, perm fs.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	client, err := a.conn()
	if err != nil {
		return &mergefs.PathError{Op: "mkdir", Path: name, Err: err}
	}
	full := a.fullPath(name)
	if _, err := client.Stat(full); err == nil {
		return &mergefs.PathError{Op: "mkdir", Path: name, Err: mergefs.ErrExist}
	}
	if err := client.Mkdir(full); err != nil {
		return mergefs.TranslateError("mkdir", name, err)
	}
	return nil
}

func (a *Adapter) Remove(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if path.Clean("/"+name) == "/" {
		return &mergefs.PathError{Op: "remove", Path: name, Err: mergefs.ErrNotAllowed}
	}
	client, err := a.conn()
	if err != nil {
		return &mergefs.PathError{Op: "remove", Path: name, Err: err}
	}
	full := a.fullPath(name)
	info, err := client.Lstat(full)
	if err != nil {
		return mergefs.TranslateError("remove", name, err)
	}
	if !info.IsDir() {
		return mergefs.TranslateError("remove", name, client.Remove(full))
	}
	entries, err := client.ReadDir(full)
	if err != nil {
		return mergefs.TranslateError("remove", name, err)
	}
	if len(entries) > 0 {
		return &mergefs.PathError{Op: "remove", Path: name, Err: mergefs.ErrNotEmpty}
	}
	return mergefs.TranslateError("remove", name, client.RemoveDirectory(full))
}

// Rename replaces an existing file target. The posix-rename extension is
// tried first; plain SFTP rename refuses existing targets.
func (a *Adapter) Rename(ctx context.Context, oldname, newname string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	client, err := a.conn()
	if err != nil {
		return &mergefs.PathError{Op: "rename", Path: oldname, Err: err}
	}
	src, dst := a.fullPath(oldname), a.fullPath(newname)
	if src == dst {
		return nil
	}
	if err := client.PosixRename(src, dst); err == nil {
		return nil
	}

	if info, err := client.Stat(dst); err == nil {
		if info.IsDir() {
			return &mergefs.PathError{Op: "rename", Path: newname, Err: mergefs.ErrIsDir}
		}
		if err := client.Remove(dst); err != nil {
			return mergefs.TranslateError("rename", newname, err)
		}
	}
	return mergefs.TranslateError("rename", oldname, client.Rename(src, dst))
}

func (a *Adapter) Chmod(ctx context.Context, name string, mode fs.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	client, err := a.conn()
	if err != nil {
		return &mergefs.PathError{Op: "chmod", Path: name, Err: err}
	}
	return mergefs.TranslateError("chmod", name, client.Chmod(a.fullPath(name), mode))
}

func (a *Adapter) Chtimes(ctx context.Context, name string, atime, mtime time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	client, err := a.conn()
	if err != nil {
		return &mergefs.PathError{Op: "chtimes", Path: name, Err: err}
	}
	return mergefs.TranslateError("chtimes", name, client.Chtimes(a.fullPath(name), atime, mtime))
}

// Chown implements mergefs.CanChown. SFTP carries numeric ids only; an
// empty owner or group keeps the current value.
func (a *Adapter) Chown(ctx context.Context, name, owner, group string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	client, err := a.conn()
	if err != nil {
		return &mergefs.PathError{Op: "chown", Path: name, Err: err}
	}
	full := a.fullPath(name)
	info, err := client.Stat(full)
	if err != nil {
		return mergefs.TranslateError("chown", name, err)
	}
	st, ok := info.Sys().(*sftp.FileStat)
	if !ok {
		return &mergefs.PathError{Op: "chown", Path: name, Err: mergefs.ErrNotSupported}
	}
	uid, gid := int(st.UID), int(st.GID)
	if owner != "" {
		if uid, err = strconv.Atoi(owner); err != nil {
			return &mergefs.PathError{Op: "chown", Path: name, Err: mergefs.ErrInvalidName}
		}
	}
	if group != "" {
		if gid, err = strconv.Atoi(group); err != nil {
			return &mergefs.PathError{Op: "chown", Path: name, Err: mergefs.ErrInvalidName}
		}
	}
	return mergefs.TranslateError("chown", name, client.Chown(full, uid, gid))
}

// Readlink implements mergefs.CanReadlink.
func (a *Adapter) Readlink(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	client, err := a.conn()
	if err != nil {
		return "", &mergefs.PathError{Op: "readlink", Path: name, Err: err}
	}
	target, err := client.ReadLink(a.fullPath(name))
	if err != nil {
		return "", mergefs.TranslateError("readlink", name, err)
	}
	return target, nil
}

// Watch implements mergefs.CanWatch by polling the modification time of the
// named file or directory. Patterns are taken literally.
func (a *Adapter) Watch(ctx context.Context, pattern string) (mergefs.ChangeToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	snapshot := func() (time.Time, bool) {
		info, err := a.Stat(ctx, pattern)
		if err != nil {
			return time.Time{}, false
		}
		return info.ModTime, true
	}
	initial, existed := snapshot()

	interval := a.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return mergefs.NewPollingChangeToken(ctx, mergefs.PollingConfig{
		Interval: interval,
		CheckFunc: func() bool {
			mtime, exists := snapshot()
			return exists != existed || !mtime.Equal(initial)
		},
	}), nil
}

var (
	_ mergefs.Driver      = (*Adapter)(nil)
	_ mergefs.CanChown    = (*Adapter)(nil)
	_ mergefs.CanReadlink = (*Adapter)(nil)
	_ mergefs.CanWatch    = (*Adapter)(nil)
	_ mergefs.Content     = (*sftp.File)(nil)
	_ mergefs.CanSync     = (*sftp.File)(nil)
)
