package appcontext

import (
	"context"

	"go.uber.org/zap"
)

// probeGit collects repository state for dir. A directory outside any
// repository yields a zero GitInfo; individual probe failures leave their
// field empty.
func (b *Builder) probeGit(ctx context.Context, dir string) GitInfo {
	info := GitInfo{}
	if dir == "" {
		return info
	}

	if _, err := runCommand(ctx, dir, "git", "rev-parse", "--git-dir"); err != nil {
		b.logger.Debug("not a git repository", zap.String("dir", dir), zap.Error(err))
		return info
	}
	info.IsRepo = true

	if branch, err := runCommand(ctx, dir, "git", "rev-parse", "--abbrev-ref", "HEAD"); err == nil {
		info.Branch = branch
	} else {
		b.logger.Debug("git branch probe failed", zap.Error(err))
	}

	if commit, err := runCommand(ctx, dir, "git", "rev-parse", "HEAD"); err == nil {
		if len(commit) > 8 {
			commit = commit[:8]
		}
		info.Commit = commit
	} else {
		b.logger.Debug("git commit probe failed", zap.Error(err))
	}

	if remote, err := runCommand(ctx, dir, "git", "config", "--get", "remote.origin.url"); err == nil {
		info.Repository = remote
	} else {
		b.logger.Debug("git remote probe failed", zap.Error(err))
	}

	return info
}
