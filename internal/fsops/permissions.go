package fsops

import (
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"syscall"
)

// Permission and ownership diagnostics for filesystem failures.
//
// These are strictly a debug side channel: failures collecting context must
// never mask the original error, so everything here is best-effort.

func formatUID(uid int) string {
	if u, err := user.LookupId(strconv.Itoa(uid)); err == nil {
		return u.Username
	}
	return strconv.Itoa(uid)
}

func formatGID(gid int) string {
	if g, err := user.LookupGroupId(strconv.Itoa(gid)); err == nil {
		return g.Name
	}
	return strconv.Itoa(gid)
}

func logProcessIdentity(logger *slog.Logger, label string) {
	euid := os.Geteuid()
	egid := os.Getegid()

	groups, err := os.Getgroups()
	if err != nil {
		groups = nil
	}
	groupNames := make([]string, 0, len(groups))
	for _, g := range groups {
		groupNames = append(groupNames, fmt.Sprintf("%s(%d)", formatGID(g), g))
	}

	logger.Debug("permission context",
		slog.String("label", label),
		slog.String("euid", fmt.Sprintf("%s(%d)", formatUID(euid), euid)),
		slog.String("egid", fmt.Sprintf("%s(%d)", formatGID(egid), egid)),
		slog.Any("groups", groupNames))
}

func logPathStat(logger *slog.Logger, label, path string) {
	info, err := os.Lstat(path)
	if err != nil {
		logger.Debug("path permissions: stat failed",
			slog.String("label", label),
			slog.String("path", path),
			slog.String("error", err.Error()))
		return
	}

	attrs := []any{
		slog.String("label", label),
		slog.String("path", path),
		slog.String("mode", fmt.Sprintf("%#o", info.Mode().Perm())),
		slog.Bool("dir", info.IsDir()),
		slog.Bool("symlink", info.Mode()&os.ModeSymlink != 0),
	}
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		attrs = append(attrs,
			slog.String("owner", fmt.Sprintf("%s(%d)", formatUID(int(st.Uid)), st.Uid)),
			slog.String("group", fmt.Sprintf("%s(%d)", formatGID(int(st.Gid)), st.Gid)),
		)
	}
	logger.Debug("path permissions", attrs...)
}

// LogPathPermissionContext logs permission and ownership context for a path
// and its parent. Only call this from failure paths.
func LogPathPermissionContext(logger *slog.Logger, label, path string) {
	defer recoverContextPanic(logger, label)

	logProcessIdentity(logger, label)
	logPathStat(logger, label, path)
	logPathStat(logger, label, parentOf(path))
}

// LogTransferPermissionContext logs permission and ownership context for the
// source/destination/destination-parent triplet when a transfer fails.
func LogTransferPermissionContext(logger *slog.Logger, label, source, dest string, err error) {
	defer recoverContextPanic(logger, label)

	logProcessIdentity(logger, label)
	if err != nil {
		logger.Debug("transfer failure",
			slog.String("label", label),
			slog.String("error", err.Error()))
	}
	logPathStat(logger, label, source)
	logPathStat(logger, label, dest)
	logPathStat(logger, label, parentOf(dest))
}

func parentOf(path string) string {
	return filepath.Dir(path)
}

func recoverContextPanic(logger *slog.Logger, label string) {
	if r := recover(); r != nil {
		logger.Debug("permission context collection failed",
			slog.String("label", label),
			slog.Any("panic", r))
	}
}
