// Package session implements the multi-step session operations that need
// crash safety: closing a session through its state chain, and provisioning
// an isolated git worktree for one. Each operation is registered with the
// recovery manager so a crashed run is resumed or rolled back by the next
// process, never replayed blindly.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/drover-dev/drover/internal/gitutil"
	"github.com/drover-dev/drover/internal/lifecycle/entity"
	"github.com/drover-dev/drover/internal/lifecycle/machine"
	"github.com/drover-dev/drover/internal/lifecycle/recovery"
	"github.com/drover-dev/drover/internal/lifecycle/track"
)

const (
	OpClose     = "session.close"
	OpProvision = "session.provision"
)

const defaultGitTimeout = 30 * time.Second

// Service drives session lifecycle operations. GitRepo is the repository
// worktrees are provisioned from; WorktreeRoot is where they are created.
type Service struct {
	Repo     *entity.Repository
	Engine   *machine.Engine
	Recovery *recovery.Manager
	Tracker  *track.Tracker

	GitRepo      string
	WorktreeRoot string
	GitTimeout   time.Duration
}

// NewService wires the service and registers its operations with the
// recovery manager.
func NewService(repo *entity.Repository, eng *machine.Engine, rec *recovery.Manager, tr *track.Tracker, gitRepo, worktreeRoot string) *Service {
	s := &Service{
		Repo:         repo,
		Engine:       eng,
		Recovery:     rec,
		Tracker:      tr,
		GitRepo:      gitRepo,
		WorktreeRoot: worktreeRoot,
		GitTimeout:   defaultGitTimeout,
	}
	rec.Register(s.closeOp())
	rec.Register(s.provisionOp())
	return s
}

func (s *Service) gitCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := s.GitTimeout
	if timeout <= 0 {
		timeout = defaultGitTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// BranchName is the session's dedicated branch.
func BranchName(id string) string { return "session/" + id }

// WorktreePath is the session's worktree directory under WorktreeRoot.
func (s *Service) WorktreePath(id string) string {
	return filepath.Join(s.WorktreeRoot, id)
}

// Close runs the session close chain under a durable marker: park the
// session in recovery, walk it through closing and validating to validated.
// A crash at any point leaves a marker the recovery manager can resolve.
func (s *Service) Close(ctx context.Context, id string) error {
	state, err := s.Repo.StateOf(id, entity.KindSession)
	if err != nil {
		return err
	}
	hash, err := recovery.HashFile(s.Repo.Path(entity.KindSession, state, id))
	if err != nil {
		return err
	}
	tx, err := s.Recovery.Begin(OpClose, id, entity.KindSession, hash)
	if err != nil {
		return err
	}
	return tx.Run(ctx)
}

// Provision creates the session's branch and worktree and records the
// worktree path on the entity, all under a durable marker. The source repo
// must be clean: branching from a dirty tree would bake uncommitted edits
// into the session's baseline.
func (s *Service) Provision(ctx context.Context, id string) error {
	if _, err := s.Repo.StateOf(id, entity.KindSession); err != nil {
		return err
	}
	gctx, cancel := s.gitCtx(ctx)
	clean, err := gitutil.IsClean(gctx, s.GitRepo)
	cancel()
	if err != nil {
		return err
	}
	if !clean {
		return fmt.Errorf("repo %s has uncommitted changes; commit or stash before provisioning", s.GitRepo)
	}
	tx, err := s.Recovery.Begin(OpProvision, id, entity.KindSession, "")
	if err != nil {
		return err
	}
	return tx.Run(ctx)
}

// closeOp parks the session out of active, then drives it through the
// declared close chain. Every step checks the current directory state first,
// so a resumed run picks up exactly where the dead process stopped.
func (s *Service) closeOp() recovery.Operation {
	return recovery.Operation{
		Name: OpClose,
		Steps: []recovery.Step{
			{
				Name:      "snapshot",
				Resumable: true,
				Run: func(ctx context.Context, tx *recovery.Tx) error {
					state, err := s.Repo.StateOf(tx.Marker.EntityID, entity.KindSession)
					if err != nil {
						return err
					}
					if state != "active" {
						// Already parked or further along.
						return nil
					}
					return s.Repo.MoveState(tx.Marker.EntityID, entity.KindSession, "active", "recovery")
				},
				Rollback: func(ctx context.Context, tx *recovery.Tx) error {
					state, err := s.Repo.StateOf(tx.Marker.EntityID, entity.KindSession)
					if err != nil {
						return err
					}
					if state != "recovery" {
						return nil
					}
					return s.Repo.MoveState(tx.Marker.EntityID, entity.KindSession, "recovery", "active")
				},
			},
			{
				Name:      "close",
				Resumable: true,
				Run: func(ctx context.Context, tx *recovery.Tx) error {
					state, err := s.Repo.StateOf(tx.Marker.EntityID, entity.KindSession)
					if err != nil {
						return err
					}
					if state != "recovery" {
						return nil
					}
					_, err = s.Engine.Apply(ctx, tx.Marker.EntityID, entity.KindSession, "closing", nil, false)
					return err
				},
			},
			{
				Name:      "validate",
				Resumable: true,
				Run: func(ctx context.Context, tx *recovery.Tx) error {
					return s.advanceToValidated(ctx, tx.Marker.EntityID)
				},
			},
		},
		// Before any state has been rewritten, a diverged entity file means
		// some other process touched the session after the marker was cut;
		// roll back rather than close someone else's edits. Once the close
		// step has run the content is expected to differ.
		Verify: func(m recovery.Marker) bool {
			if m.Cursor >= 1 {
				return true
			}
			state, err := s.Repo.StateOf(m.EntityID, entity.KindSession)
			if err != nil {
				return false
			}
			hash, err := recovery.HashFile(s.Repo.Path(entity.KindSession, state, m.EntityID))
			if err != nil {
				return false
			}
			return hash == m.ContentHash
		},
	}
}

func (s *Service) advanceToValidated(ctx context.Context, id string) error {
	for {
		state, err := s.Repo.StateOf(id, entity.KindSession)
		if err != nil {
			return err
		}
		var next string
		switch state {
		case "closing":
			next = "validating"
		case "validating":
			next = "validated"
		case "validated":
			return nil
		default:
			return fmt.Errorf("session %s: cannot validate from state %q", id, state)
		}
		if _, err := s.Engine.Apply(ctx, id, entity.KindSession, next, nil, false); err != nil {
			return err
		}
	}
}

// provisionOp creates branch and worktree, then records the worktree on the
// entity. All names derive from the session id alone, so a resumed run
// reconstructs them without extra marker payload.
func (s *Service) provisionOp() recovery.Operation {
	return recovery.Operation{
		Name: OpProvision,
		Steps: []recovery.Step{
			{
				Name:      "branch",
				Resumable: true,
				Run: func(ctx context.Context, tx *recovery.Tx) error {
					gctx, cancel := s.gitCtx(ctx)
					defer cancel()
					sha, err := gitutil.HeadSHA(gctx, s.GitRepo)
					if err != nil {
						return err
					}
					branch := BranchName(tx.Marker.EntityID)
					if gitutil.BranchExists(gctx, s.GitRepo, branch) {
						return nil
					}
					return gitutil.CreateBranchAt(gctx, s.GitRepo, branch, sha)
				},
				Rollback: func(ctx context.Context, tx *recovery.Tx) error {
					gctx, cancel := s.gitCtx(ctx)
					defer cancel()
					branch := BranchName(tx.Marker.EntityID)
					if !gitutil.BranchExists(gctx, s.GitRepo, branch) {
						return nil
					}
					return gitutil.DeleteBranch(gctx, s.GitRepo, branch)
				},
			},
			{
				Name:      "worktree",
				Resumable: true,
				Run: func(ctx context.Context, tx *recovery.Tx) error {
					gctx, cancel := s.gitCtx(ctx)
					defer cancel()
					dir := s.WorktreePath(tx.Marker.EntityID)
					if gitutil.IsRepo(gctx, dir) {
						return nil
					}
					if err := os.MkdirAll(s.WorktreeRoot, 0o755); err != nil {
						return err
					}
					return gitutil.AddWorktree(gctx, s.GitRepo, dir, BranchName(tx.Marker.EntityID))
				},
				Rollback: func(ctx context.Context, tx *recovery.Tx) error {
					gctx, cancel := s.gitCtx(ctx)
					defer cancel()
					dir := s.WorktreePath(tx.Marker.EntityID)
					if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
						return nil
					}
					return gitutil.RemoveWorktree(gctx, s.GitRepo, dir)
				},
			},
			{
				Name:      "record",
				Resumable: true,
				Run: func(ctx context.Context, tx *recovery.Tx) error {
					e, err := s.Repo.Get(tx.Marker.EntityID, entity.KindSession)
					if err != nil {
						return err
					}
					e.Worktree = s.WorktreePath(tx.Marker.EntityID)
					return s.Repo.Save(e)
				},
				Rollback: func(ctx context.Context, tx *recovery.Tx) error {
					e, err := s.Repo.Get(tx.Marker.EntityID, entity.KindSession)
					if err != nil {
						if errors.Is(err, entity.ErrNotFound) {
							return nil
						}
						return err
					}
					if e.Worktree == "" {
						return nil
					}
					e.Worktree = ""
					return s.Repo.Save(e)
				},
			},
		},
	}
}
