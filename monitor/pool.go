// Package monitor implements the worker pool and pipeline stages (C7–C12
// of spec.md): converter, builder, merger, snapshot, and the idle/
// completion state machine, all operating through one shared
// coordinatorState, grounded on the teacher's build.DoBuild/workerLoop
// goroutine-per-worker structure generalized from a channel to a real
// priority queue.
package monitor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"daqmon/artifact"
	"daqmon/config"
	"daqmon/daqscan"
	"daqmon/environment"
	"daqmon/jobqueue"
	"daqmon/log"
	"daqmon/telemetry"
)

const (
	scanThrottle     = 2 * time.Second
	mergeAcquireWait = 2 * time.Second
	popTimeout       = 2 * time.Second
	snapshotMinGap   = 30 * time.Second
	idleAlertSeconds = 60
)

// Pool runs cfg.MaxWorkers symmetric worker goroutines against one shared
// job queue, exactly as spec.md §4.5 describes.
type Pool struct {
	Env                environment.Environment
	Cfg                *config.Config
	Logger             log.LibraryLogger
	OutputDir          string
	RawRunFolder       string
	MaskedChannelsPath string

	Queue   *jobqueue.Queue
	Token   *artifact.Token
	Scanner *daqscan.Scanner
	DB      *telemetry.DB
	Times   map[string]*telemetry.Writer

	state *coordinatorState

	scanMu       sync.Mutex
	lastScanTime time.Time

	wg sync.WaitGroup

	firstErr   error
	firstErrMu sync.Mutex
}

// NewPool wires together a Pool from its already-constructed
// collaborators. Callers (cmd) are responsible for EnsureLayout,
// masking.Bootstrap and opening telemetry.DB before calling NewPool.
func NewPool(env environment.Environment, cfg *config.Config, logger log.LibraryLogger, db *telemetry.DB, outputDir, rawRunFolder, maskedChannelsPath string) (*Pool, error) {
	times := make(map[string]*telemetry.Writer)
	timesDir := filepath.Join(outputDir, ".times")
	for _, stage := range []string{"conversion", "eventbuilding", "merge", "snapshot"} {
		w, err := telemetry.NewWriter(timesDir, stage)
		if err != nil {
			return nil, fmt.Errorf("monitor: open telemetry writer for %s: %w", stage, err)
		}
		times[stage] = w
	}

	currentBuildPath := filepath.Join(outputDir, "current_build.root")

	return &Pool{
		Env:                env,
		Cfg:                cfg,
		Logger:             logger,
		OutputDir:          outputDir,
		RawRunFolder:       rawRunFolder,
		MaskedChannelsPath: maskedChannelsPath,
		Queue:              jobqueue.New(),
		Token:              artifact.New(currentBuildPath),
		Scanner:            daqscan.NewScanner(rawRunFolder, outputDir, cfg.BinarySplitM),
		DB:                 db,
		Times:              times,
		state:              newCoordinatorState(cfg.MaxWorkers),
	}, nil
}

// Close releases the Pool's telemetry writers.
func (p *Pool) Close() {
	for _, w := range p.Times {
		w.Close()
	}
}

// Run spawns the worker pool and blocks until every worker exits, then
// performs wrap-up and returns its error, if any. A stage failure does not
// come back through Run: dispatch records it and panics, and recoverPanic
// re-panics after writing stop_monitoring, which ends the process.
func (p *Pool) Run(ctx context.Context) error {
	for i := 0; i < p.Cfg.MaxWorkers; i++ {
		p.wg.Add(1)
		go p.workerLoop(ctx, i)
	}
	p.wg.Wait()

	if err := p.firstError(); err != nil {
		return err
	}
	return p.wrapUp()
}

func (p *Pool) recordFirstError(err error) {
	p.firstErrMu.Lock()
	defer p.firstErrMu.Unlock()
	if p.firstErr == nil {
		p.firstErr = err
	}
}

func (p *Pool) firstError() error {
	p.firstErrMu.Lock()
	defer p.firstErrMu.Unlock()
	return p.firstErr
}

// workerLoop is the symmetric per-worker loop body from spec.md §4.5.
func (p *Pool) workerLoop(ctx context.Context, worker int) {
	defer p.wg.Done()
	defer p.recoverPanic(worker)

	for {
		p.maybeScheduleSnapshot()

		if peek, ok := p.Queue.Peek(); !ok || peek.Priority >= PriorityConversion {
			p.maybeScan()
		}

		if p.allDone() {
			return
		}
		if p.checkGracefulStop() {
			return
		}

		job, ok := p.Queue.Pop(ctx, popTimeout)
		if !ok {
			p.state.setWorkerState(worker, PriorityIdle)
			continue
		}

		p.dispatch(ctx, worker, job)
	}
}

// recoverPanic implements spec.md §7: the first worker panic latches
// stop_monitoring for every peer, then re-panics so the failure surfaces
// to the operator.
func (p *Pool) recoverPanic(worker int) {
	r := recover()
	if r == nil {
		return
	}
	p.Logger.Error("worker %d panicked: %v", worker, r)
	stopFile := filepath.Join(p.OutputDir, "stop_monitoring")
	if _, err := os.Stat(stopFile); os.IsNotExist(err) {
		os.WriteFile(stopFile, []byte(fmt.Sprintf("worker %d panic: %v\n", worker, r)), 0644)
	}
	p.state.setGracefulStop()
	panic(r)
}

// allDone reports spec.md §4.5's all_done condition.
func (p *Pool) allDone() bool {
	return p.state.isRunFinished() &&
		p.Queue.Len() == 0 &&
		!p.state.anyWorkerMerging() &&
		p.state.mergeQueueLen() == 0
}

// checkGracefulStop detects <output_dir>/stop_monitoring and latches the
// one-time log + state transition.
func (p *Pool) checkGracefulStop() bool {
	stopFile := filepath.Join(p.OutputDir, "stop_monitoring")
	if _, err := os.Stat(stopFile); err != nil {
		return false
	}
	p.state.setGracefulStop()
	if p.state.latchStoppedGracefully() {
		p.Logger.Warn("stop_monitoring detected: finishing in-flight jobs then stopping")
	}
	return true
}

// maybeScan runs the raw-discovery scanner subject to the 2-second
// throttle, sleeping when the queue is empty exactly as spec.md §4.4
// describes.
func (p *Pool) maybeScan() {
	p.scanMu.Lock()
	elapsed := time.Since(p.lastScanTime)
	if elapsed < scanThrottle {
		p.scanMu.Unlock()
		if p.Queue.Len() == 0 {
			time.Sleep(scanThrottle - elapsed)
		}
		return
	}
	p.lastScanTime = time.Now()
	p.scanMu.Unlock()

	if p.state.isRunFinished() {
		return
	}

	err := p.Scanner.Scan(p.Queue)
	if err != nil && err != daqscan.ErrDataModelViolation {
		p.Logger.Error("raw-discovery scan failed: %v", err)
		return
	}
	if err == daqscan.ErrDataModelViolation {
		p.Logger.Error("data model violation: both ascii-dat and raw-bin raw parts present in %s", p.RawRunFolder)
	}

	if p.Scanner.RunFinished() && !p.state.isRunFinished() {
		p.state.setRunFinished(true)
		p.Logger.Info("the run has finished; monitoring will try to catch up now")
	}

	p.maybeAlertIdle()
}

func (p *Pool) maybeAlertIdle() {
	if p.state.isRunFinished() {
		return
	}
	suppressFile := filepath.Join(p.OutputDir, "suppress_idle_info")
	if _, err := os.Stat(suppressFile); err == nil {
		return
	}
	if !p.state.nextIdleAlert(idleAlertSeconds) {
		return
	}
	idleFor := int(p.state.idleFor().Seconds())
	p.Logger.IdleAlert("still waiting for new jobs since %ds; create stop_monitoring or an end marker to exit gracefully", idleFor)
}

// maybeScheduleSnapshot checks spec.md §4.9's scheduling triggers: an
// external get_snapshot request, or a built-part count threshold crossed.
func (p *Pool) maybeScheduleSnapshot() {
	getSnapshotFile := filepath.Join(p.OutputDir, "get_snapshot")
	requested := false
	if _, err := os.Stat(getSnapshotFile); err == nil {
		os.Remove(getSnapshotFile)
		requested = true
	}

	builtCount := p.builtPartCount()
	last := p.state.lastMonitoredCount()

	triggered := requested
	for _, after := range p.Cfg.SnapshotAfter {
		if last < after && after <= builtCount {
			triggered = true
		}
	}
	if p.Cfg.SnapshotEvery > 0 {
		for k := 0; k <= builtCount; k += p.Cfg.SnapshotEvery {
			if last < k && k <= builtCount {
				triggered = true
			}
		}
	}

	if !triggered {
		return
	}
	p.state.setLastMonitoredCount(builtCount)
	p.Queue.Push(&jobqueue.Job{Priority: PrioritySnapshot, SortKey: 0})
}

func (p *Pool) builtPartCount() int {
	entries, err := os.ReadDir(filepath.Join(p.OutputDir, "build"))
	if err != nil {
		return 0
	}
	return len(entries)
}

// dispatch routes job to its stage implementation and records timing.
func (p *Pool) dispatch(ctx context.Context, worker int, job *jobqueue.Job) {
	p.state.setWorkerState(worker, job.Priority)
	start := time.Now()

	var stageName string
	var err error
	var dataPath string

	switch job.Priority {
	case PriorityConversion:
		stageName = "conversion"
		part, _ := job.Payload.(daqscan.RawPart)
		dataPath = part.Path
		err = p.convertStage(ctx, worker, part)
	case PriorityEventBuilding:
		stageName = "eventbuilding"
		cp, _ := job.Payload.(ConvertedPart)
		dataPath = cp.Path
		err = p.buildStage(ctx, worker, cp)
	case PriorityMerge:
		stageName = "merge"
		err = p.mergeStage(ctx, worker)
	case PrioritySnapshot:
		stageName = "snapshot"
		err = p.snapshotStage(ctx, worker)
	default:
		return
	}

	if err != nil {
		if stageName == "merge" {
			p.Logger.MergeFailure("%s stage failed: %v", stageName, err)
		} else {
			p.Logger.Error("%s stage failed: %v", stageName, err)
		}
		p.recordFirstError(err)
		panic(err)
	}

	if w, ok := p.Times[stageName]; ok {
		w.Write(telemetry.Entry{
			JobType:   stageName,
			Seconds:   time.Since(start).Seconds(),
			Timestamp: time.Now(),
			ID:        uuid.New().String(),
			Worker:    worker,
			DataPath:  dataPath,
		})
	}
}
