package playback

import (
	"context"
	"sync"
	"time"

	"github.com/MimeLyc/annotation-session/internal/orchestrator"
	"github.com/MimeLyc/annotation-session/pkg/log"
)

const DefaultFPS = 25

type Navigator interface {
	ChangeFrame(ctx context.Context, snap orchestrator.Snapshot, targetFrame int, playback bool)
	SwitchPlay(playing bool)
}

type SnapshotSource interface {
	Snapshot() orchestrator.Snapshot
}

// Player advances the session by one frame per tick while it is playing and
// stops playback once the last frame of the job is reached.
type Player struct {
	nav   Navigator
	state SnapshotSource

	mu      sync.Mutex
	fps     int
	fpsCh   chan struct{}
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewPlayer(nav Navigator, state SnapshotSource, fps int) *Player {
	if fps <= 0 {
		fps = DefaultFPS
	}
	return &Player{
		nav:   nav,
		state: state,
		fps:   fps,
		fpsCh: make(chan struct{}, 1),
	}
}

func (p *Player) FPS() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fps
}

func (p *Player) SetFPS(fps int) {
	if fps <= 0 {
		return
	}
	p.mu.Lock()
	changed := p.fps != fps
	p.fps = fps
	p.mu.Unlock()

	if changed {
		select {
		case p.fpsCh <- struct{}{}:
		default:
		}
	}
}

func (p *Player) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	stopCh := make(chan struct{})
	p.stopCh = stopCh
	p.mu.Unlock()

	p.wg.Add(1)
	go p.loop(ctx, stopCh)
}

func (p *Player) Stop() {
	p.mu.Lock()
	started := p.started
	p.started = false
	stopCh := p.stopCh
	p.mu.Unlock()
	if !started {
		return
	}
	close(stopCh)
	p.wg.Wait()
}

func (p *Player) loop(ctx context.Context, stopCh chan struct{}) {
	defer p.wg.Done()

	ticker := time.NewTicker(interval(p.FPS()))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.release(stopCh)
			return
		case <-stopCh:
			return
		case <-p.fpsCh:
			ticker.Reset(interval(p.FPS()))
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// release marks the player stopped after its context ended, so a later
// Start runs a new loop.
func (p *Player) release(stopCh chan struct{}) {
	p.mu.Lock()
	if p.started && p.stopCh == stopCh {
		p.started = false
	}
	p.mu.Unlock()
}

// Tick performs one playback step. The frame change runs inline so ticks
// never overlap.
func (p *Player) Tick(ctx context.Context) {
	snap := p.state.Snapshot()
	if !snap.Playing || snap.Job == nil {
		return
	}
	if snap.Frame >= snap.Job.StopFrame() {
		log.Debug("Playback reached last frame %d of job %d", snap.Frame, snap.Job.ID())
		p.nav.SwitchPlay(false)
		return
	}
	p.nav.ChangeFrame(ctx, snap, snap.Frame+1, true)
}

func interval(fps int) time.Duration {
	return time.Second / time.Duration(fps)
}
