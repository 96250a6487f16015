package deploy

import (
	"context"
	"errors"
	"time"

	"github.com/Pavan0228/SnapDeploy/api/internal/repository"
	"github.com/Pavan0228/SnapDeploy/api/internal/worker"
)

func (s *Service) startWatch(deploymentID, projectID string, ref worker.Ref) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, ok := s.watches[deploymentID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(s.base)
	s.watches[deploymentID] = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.stopWatch(deploymentID)
		s.watch(ctx, deploymentID, projectID, ref)
	}()
}

func (s *Service) stopWatch(deploymentID string) {
	s.mu.Lock()
	cancel, ok := s.watches[deploymentID]
	delete(s.watches, deploymentID)
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *Service) activeWatches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watches)
}

// watch polls the worker until it exits. Errors are logged and never relaunch.
func (s *Service) watch(ctx context.Context, deploymentID, projectID string, ref worker.Ref) {
	logger := s.logger.With("deployment_id", deploymentID, "worker_ref", ref)
	ticker := time.NewTicker(s.opts.WatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		describeCtx, cancel := context.WithTimeout(ctx, s.opts.LaunchTimeout)
		st, err := s.launcher.Describe(describeCtx, ref)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, worker.ErrNotFound) {
				logger.Warn("watched worker disappeared")
				return
			}
			logger.Warn("failed to describe worker", "error", err)
			continue
		}
		if !st.State.Finished() {
			continue
		}
		if _, err := s.settle(ctx, deploymentID, projectID, ref, st); err != nil && !errors.Is(err, repository.ErrInvalidTransition) {
			logger.Error("failed to record worker exit", "state", st.State, "error", err)
		}
		return
	}
}
