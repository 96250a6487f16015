package deploy

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/Pavan0228/SnapDeploy/api/internal/domain"
	"github.com/Pavan0228/SnapDeploy/api/internal/worker"
)

func TestReconcilerTimesOutDeployments(t *testing.T) {
	now := time.Now()
	started := now.Add(-2 * time.Hour)
	deps := newDeploymentRepo(
		domain.Deployment{ID: "stuck", ProjectID: "p", Status: domain.StatusInProgress, WorkerRef: "build-stuck", CreatedAt: started, UpdatedAt: started, StartedAt: &started},
		domain.Deployment{ID: "fresh", ProjectID: "p", Status: domain.StatusInProgress, WorkerRef: "build-fresh", CreatedAt: now, UpdatedAt: now, StartedAt: &now},
	)
	launcher := &fakeLauncher{}
	launcher.setStatus("build-stuck", worker.Status{State: worker.StateRunning})
	pub := &fakePublisher{}
	svc := newTestService(projectRepo{}, deps, launcher, nil, pub, Options{})
	defer svc.Close()

	rec := NewReconciler(svc, deps, time.Minute, time.Hour, testLogger())
	rec.now = func() time.Time { return now }
	rec.runIteration(context.Background())

	if deps.status("stuck") != domain.StatusFailed {
		t.Fatalf("expected stuck deployment FAILED, got %s", deps.status("stuck"))
	}
	stored, _ := deps.GetDeploymentByID(context.Background(), "stuck")
	if !strings.Contains(stored.Error, "timed out after 3600s") {
		t.Fatalf("unexpected error text %q", stored.Error)
	}
	if deps.status("fresh") != domain.StatusInProgress {
		t.Fatalf("recent deployment must not be touched")
	}
	if msgs := pub.published(); len(msgs) != 1 || msgs[0].DeploymentID != "stuck" {
		t.Fatalf("expected terminal log for stuck deployment, got %+v", msgs)
	}
	if stopped := launcher.stoppedRefs(); len(stopped) != 1 || stopped[0] != "build-stuck" {
		t.Fatalf("expected timed out worker stopped, got %v", stopped)
	}
}

func TestReconcilerSettlesFinishedWorkers(t *testing.T) {
	now := time.Now()
	old := now.Add(-5 * time.Minute)
	deps := newDeploymentRepo(
		domain.Deployment{ID: "exited", ProjectID: "p", Status: domain.StatusInProgress, WorkerRef: "build-exited", CreatedAt: old, UpdatedAt: old, StartedAt: &old},
	)
	launcher := &fakeLauncher{}
	launcher.setStatus("build-exited", worker.Status{State: worker.StateFailed, ExitCode: 1})
	pub := &fakePublisher{}
	svc := newTestService(projectRepo{}, deps, launcher, nil, pub, Options{})
	defer svc.Close()

	rec := NewReconciler(svc, deps, time.Minute, 0, testLogger())
	rec.now = func() time.Time { return now }
	rec.runIteration(context.Background())

	if deps.status("exited") != domain.StatusFailed {
		t.Fatalf("expected FAILED, got %s", deps.status("exited"))
	}
	stored, _ := deps.GetDeploymentByID(context.Background(), "exited")
	if stored.Error != "worker exited with code 1" {
		t.Fatalf("unexpected error text %q", stored.Error)
	}
	if len(pub.published()) != 1 {
		t.Fatalf("expected one terminal log line")
	}
}

func TestFormatDuration(t *testing.T) {
	cases := map[time.Duration]string{
		0:                       "0s",
		30 * time.Minute:        "1800s",
		1500 * time.Millisecond: "1500ms",
	}
	for in, want := range cases {
		if got := formatDuration(in); got != want {
			t.Fatalf("formatDuration(%s) = %q, want %q", in, got, want)
		}
	}
}
