package runner_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"testing/synctest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.trai.ch/stagehand/internal/core/domain"
	"go.trai.ch/stagehand/internal/core/ports"
	"go.trai.ch/stagehand/internal/core/ports/mocks"
	"go.trai.ch/stagehand/internal/engine/runner"
	"go.uber.org/mock/gomock"
)

const stateDir = "/state"

type fixture struct {
	runner  *runner.Runner
	backend *mocks.MockBackend
	hasher  *mocks.MockHasher
	records *mocks.MockStageRecordStore
	images  *mocks.MockImageStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)

	vertex := mocks.NewMockVertex(ctrl)
	vertex.EXPECT().Complete(gomock.Any()).AnyTimes()
	vertex.EXPECT().Cached().AnyTimes()

	telemetry := mocks.NewMockTelemetry(ctrl)
	telemetry.EXPECT().
		Record(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ string, _ ...ports.VertexOption) (context.Context, ports.Vertex) {
			return ctx, vertex
		}).
		AnyTimes()

	f := &fixture{
		backend: mocks.NewMockBackend(ctrl),
		hasher:  mocks.NewMockHasher(ctrl),
		records: mocks.NewMockStageRecordStore(ctrl),
		images:  mocks.NewMockImageStore(ctrl),
	}
	f.hasher.EXPECT().
		ComputeStageHash(gomock.Any()).
		DoAndReturn(func(req ports.StageRequest) (string, error) {
			return "hash-" + req.Pipeline.Name + "-" + req.Stage.Name, nil
		}).
		AnyTimes()
	f.runner = runner.NewRunner(f.hasher, f.records, f.images, telemetry)
	return f
}

// chain builds a pipeline whose stages each derive from the one before.
func chain(t *testing.T, name string, stages ...string) *domain.Pipeline {
	t.Helper()
	p := domain.NewPipeline(name, name+":latest")
	base := "debian:buster-slim"
	for _, s := range stages {
		require.NoError(t, p.AddStage(&domain.Stage{
			Name:         s,
			Base:         base,
			Instructions: []domain.Instruction{domain.Cmd{Args: []string{"/bin/" + s}}},
		}))
		base = domain.StageBasePrefix + s
	}
	return p
}

func request(f *fixture, cfg domain.BuildConfig, pipelines ...*domain.Pipeline) runner.Request {
	return runner.Request{
		Backend:   f.backend,
		Pipelines: pipelines,
		Config:    cfg,
		Lock:      domain.NewLockfile(),
		StateDir:  stateDir,
		RunID:     "run-1",
	}
}

func built(ref string) domain.StageResult {
	return domain.StageResult{Ref: ref, Digest: "sha256:" + ref}
}

func TestRunner_Run_SequentialStages(t *testing.T) {
	f := newFixture(t)
	p := chain(t, "ci", "flatc", "env")

	gomock.InOrder(
		f.backend.EXPECT().BuildStage(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, req ports.StageRequest) (domain.StageResult, error) {
				assert.Equal(t, "flatc", req.Stage.Name)
				assert.Equal(t, "hash-ci-flatc", req.InputHash)
				assert.Empty(t, req.Imports)
				return built("flatc-ref"), nil
			}),
		f.backend.EXPECT().BuildStage(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, req ports.StageRequest) (domain.StageResult, error) {
				assert.Equal(t, "env", req.Stage.Name)
				assert.Equal(t, built("flatc-ref"), req.Imports["flatc"])
				return built("env-ref"), nil
			}),
	)
	f.records.EXPECT().Get(stateDir, "ci", gomock.Any()).Return(nil, nil).Times(2)
	f.records.EXPECT().Put(stateDir, gomock.Any()).
		Do(func(_ string, rec domain.StageRecord) {
			assert.Equal(t, "run-1", rec.RunID)
			assert.Equal(t, "hash-ci-"+rec.Stage, rec.InputHash)
		}).
		Times(2)
	f.backend.EXPECT().Publish(gomock.Any(), stateDir, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, img domain.OutputImage) error {
			assert.Equal(t, "ci:latest", img.Tag())
			assert.Equal(t, "env-ref", img.Ref())
			assert.Equal(t, []string{"/bin/env"}, img.Config().Cmd)
			return nil
		})
	f.images.EXPECT().Put(stateDir, gomock.Any()).Return(nil)

	reports, err := f.runner.Run(context.Background(), request(f, domain.DefaultBuildConfig(), p))
	require.NoError(t, err)
	require.Len(t, reports, 1)

	assert.True(t, reports[0].Succeeded())
	assert.Equal(t, domain.StatusSucceeded, reports[0].Status("flatc"))
	assert.Equal(t, domain.StatusSucceeded, reports[0].Status("env"))
	assert.Equal(t, domain.StatusSucceeded, f.runner.Status("ci", "env"))
}

func TestRunner_Run_FailureAbortsLaterStages(t *testing.T) {
	f := newFixture(t)
	p := chain(t, "ci", "flatc", "env", "final")

	compileErr := errors.Join(domain.ErrCompileFailed, errors.New("exit status 2"))
	f.records.EXPECT().Get(stateDir, "ci", "flatc").Return(nil, nil)
	f.backend.EXPECT().BuildStage(gomock.Any(), gomock.Any()).Return(domain.StageResult{}, compileErr)

	reports, err := f.runner.Run(context.Background(), request(f, domain.DefaultBuildConfig(), p))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrPipelineAborted))
	assert.True(t, errors.Is(err, domain.ErrStageFailed))
	assert.True(t, errors.Is(err, domain.ErrCompileFailed))

	rep := reports[0]
	assert.False(t, rep.Succeeded())
	assert.Nil(t, rep.Image)
	assert.Equal(t, domain.StatusFailed, rep.Status("flatc"))
	assert.Equal(t, domain.StatusAborted, rep.Status("env"))
	assert.Equal(t, domain.StatusAborted, rep.Status("final"))
	assert.Equal(t, domain.StatusAborted, f.runner.Status("ci", "final"))
}

func TestRunner_Run_RecordFailureAbortsLaterStages(t *testing.T) {
	f := newFixture(t)
	p := chain(t, "ci", "flatc", "env")

	f.records.EXPECT().Get(stateDir, "ci", "flatc").Return(nil, nil)
	f.backend.EXPECT().BuildStage(gomock.Any(), gomock.Any()).Return(built("flatc-ref"), nil)
	f.records.EXPECT().Put(stateDir, gomock.Any()).Return(domain.ErrStoreWriteFailed)

	reports, err := f.runner.Run(context.Background(), request(f, domain.DefaultBuildConfig(), p))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrPipelineAborted))
	assert.True(t, errors.Is(err, domain.ErrStoreWriteFailed))

	rep := reports[0]
	assert.Nil(t, rep.Image)
	assert.Equal(t, domain.StatusFailed, rep.Status("flatc"))
	assert.Equal(t, domain.StatusAborted, rep.Status("env"))
}

func TestRunner_Run_PublishesRuntimeEnv(t *testing.T) {
	f := newFixture(t)
	p := chain(t, "ci", "env")

	res := built("env-ref")
	res.Env = map[string]string{"PATH": "/usr/local/cargo/bin:/usr/bin"}
	f.records.EXPECT().Get(stateDir, "ci", "env").Return(nil, nil)
	f.backend.EXPECT().BuildStage(gomock.Any(), gomock.Any()).Return(res, nil)
	f.records.EXPECT().Put(stateDir, gomock.Any()).Return(nil)
	f.backend.EXPECT().Publish(gomock.Any(), stateDir, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, img domain.OutputImage) error {
			assert.Equal(t, "/usr/local/cargo/bin:/usr/bin", img.Config().Env["PATH"])
			return nil
		})
	f.images.EXPECT().Put(stateDir, gomock.Any()).Return(nil)

	_, err := f.runner.Run(context.Background(), request(f, domain.DefaultBuildConfig(), p))
	require.NoError(t, err)
}

func TestRunner_Run_CacheHit(t *testing.T) {
	f := newFixture(t)
	p := chain(t, "runtime", "runtime")

	f.records.EXPECT().Get(stateDir, "runtime", "runtime").Return(&domain.StageRecord{
		Pipeline:  "runtime",
		Stage:     "runtime",
		InputHash: "hash-runtime-runtime",
		Result:    built("runtime-ref"),
	}, nil)
	f.backend.EXPECT().Exists(gomock.Any(), "runtime-ref").Return(true, nil)
	f.backend.EXPECT().Publish(gomock.Any(), stateDir, gomock.Any()).Return(nil)
	f.images.EXPECT().Put(stateDir, gomock.Any()).Return(nil)

	reports, err := f.runner.Run(context.Background(), request(f, domain.DefaultBuildConfig(), p))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCached, reports[0].Status("runtime"))
	assert.Equal(t, "runtime-ref", reports[0].Image.Ref())
}

func TestRunner_Run_CacheMisses(t *testing.T) {
	tests := []struct {
		name   string
		record *domain.StageRecord
		exists bool
	}{
		{
			name:   "changed inputs",
			record: &domain.StageRecord{InputHash: "stale", Result: built("old")},
		},
		{
			name:   "snapshot removed",
			record: &domain.StageRecord{InputHash: "hash-runtime-runtime", Result: built("gone")},
			exists: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			p := chain(t, "runtime", "runtime")

			f.records.EXPECT().Get(stateDir, "runtime", "runtime").Return(tt.record, nil)
			if tt.record.InputHash == "hash-runtime-runtime" {
				f.backend.EXPECT().Exists(gomock.Any(), tt.record.Result.Ref).Return(tt.exists, nil)
			}
			f.backend.EXPECT().BuildStage(gomock.Any(), gomock.Any()).Return(built("new"), nil)
			f.records.EXPECT().Put(stateDir, gomock.Any()).Return(nil)
			f.backend.EXPECT().Publish(gomock.Any(), stateDir, gomock.Any()).Return(nil)
			f.images.EXPECT().Put(stateDir, gomock.Any()).Return(nil)

			reports, err := f.runner.Run(context.Background(), request(f, domain.DefaultBuildConfig(), p))
			require.NoError(t, err)
			assert.Equal(t, domain.StatusSucceeded, reports[0].Status("runtime"))
			assert.Equal(t, "new", reports[0].Image.Ref())
		})
	}
}

func TestRunner_Run_NoCache(t *testing.T) {
	f := newFixture(t)
	p := chain(t, "runtime", "runtime")

	f.backend.EXPECT().BuildStage(gomock.Any(), gomock.Any()).Return(built("new"), nil)
	f.records.EXPECT().Put(stateDir, gomock.Any()).Return(nil)
	f.backend.EXPECT().Publish(gomock.Any(), stateDir, gomock.Any()).Return(nil)
	f.images.EXPECT().Put(stateDir, gomock.Any()).Return(nil)

	cfg := domain.DefaultBuildConfig().WithNoCache(true)
	_, err := f.runner.Run(context.Background(), request(f, cfg, p))
	require.NoError(t, err)
}

func TestRunner_Run_PublishFailure(t *testing.T) {
	f := newFixture(t)
	p := chain(t, "runtime", "runtime")

	f.records.EXPECT().Get(stateDir, "runtime", "runtime").Return(nil, nil)
	f.backend.EXPECT().BuildStage(gomock.Any(), gomock.Any()).Return(built("new"), nil)
	f.records.EXPECT().Put(stateDir, gomock.Any()).Return(nil)
	f.backend.EXPECT().Publish(gomock.Any(), stateDir, gomock.Any()).Return(errors.New("tag refused"))

	reports, err := f.runner.Run(context.Background(), request(f, domain.DefaultBuildConfig(), p))
	require.Error(t, err)
	assert.Nil(t, reports[0].Image)
	assert.Equal(t, domain.StatusSucceeded, reports[0].Status("runtime"))
}

func TestRunner_Run_PipelinesInParallel(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(t)
		ci := chain(t, "ci", "flatc")
		rt := chain(t, "runtime", "runtime")

		ciStarted := make(chan struct{})
		rtStarted := make(chan struct{})

		f.records.EXPECT().Get(stateDir, gomock.Any(), gomock.Any()).Return(nil, nil).Times(2)
		f.backend.EXPECT().BuildStage(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, req ports.StageRequest) (domain.StageResult, error) {
				// Each pipeline waits for the other to start, which only
				// completes when both run at the same time.
				if req.Pipeline.Name == "ci" {
					close(ciStarted)
					<-rtStarted
					return domain.StageResult{}, errors.Join(domain.ErrFetchFailed, errors.New("no route to host"))
				}
				close(rtStarted)
				<-ciStarted
				return built("runtime-ref"), nil
			}).
			Times(2)
		f.records.EXPECT().Put(stateDir, gomock.Any()).Return(nil)
		f.backend.EXPECT().Publish(gomock.Any(), stateDir, gomock.Any()).Return(nil)
		f.images.EXPECT().Put(stateDir, gomock.Any()).Return(nil)

		cfg := domain.DefaultBuildConfig().WithParallelism(2)
		reports, err := f.runner.Run(context.Background(), request(f, cfg, ci, rt))
		synctest.Wait()

		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrFetchFailed))
		require.Len(t, reports, 2)
		assert.Equal(t, "ci", reports[0].Pipeline)
		assert.False(t, reports[0].Succeeded())
		assert.Equal(t, "runtime", reports[1].Pipeline)
		assert.True(t, reports[1].Succeeded(), "one pipeline failing must not stop another")
	})
}

func TestRunner_Run_ParallelismLimit(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(t)
		pipelines := []*domain.Pipeline{chain(t, "a", "s"), chain(t, "b", "s"), chain(t, "c", "s")}

		var (
			mu           sync.Mutex
			active, peak int
		)
		release := make(chan struct{})
		f.records.EXPECT().Get(stateDir, gomock.Any(), gomock.Any()).Return(nil, nil).Times(3)
		f.backend.EXPECT().BuildStage(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, req ports.StageRequest) (domain.StageResult, error) {
				mu.Lock()
				active++
				peak = max(peak, active)
				mu.Unlock()
				<-release
				mu.Lock()
				active--
				mu.Unlock()
				return built(req.Pipeline.Name), nil
			}).
			Times(3)
		f.records.EXPECT().Put(stateDir, gomock.Any()).Return(nil).Times(3)
		f.backend.EXPECT().Publish(gomock.Any(), stateDir, gomock.Any()).Return(nil).Times(3)
		f.images.EXPECT().Put(stateDir, gomock.Any()).Return(nil).Times(3)

		done := make(chan struct{})
		go func() {
			defer close(done)
			_, err := f.runner.Run(context.Background(), request(f, domain.DefaultBuildConfig().WithParallelism(2), pipelines...))
			assert.NoError(t, err)
		}()

		synctest.Wait()
		mu.Lock()
		assert.Equal(t, 2, active)
		mu.Unlock()
		close(release)
		<-done
		assert.Equal(t, 2, peak)
	})
}
