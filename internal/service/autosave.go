package service

import (
	"fmt"
	"time"

	"github.com/MimeLyc/annotation-session/internal/config"
	"github.com/MimeLyc/annotation-session/pkg/icron"
	"github.com/MimeLyc/annotation-session/pkg/log"
)

type dirtyReporter interface {
	DirtyFrames() []int
}

// AutosaveInfo describes the autosave schedule. Trigger is nil when
// autosave is disabled.
type AutosaveInfo struct {
	Enabled bool               `json:"enabled"`
	Trigger *icron.TriggerInfo `json:"trigger,omitempty"`
}

// Schedule registers autosave with the cron engine. It is a no-op while
// the autosave expression is empty.
func (s *Service) Schedule() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.scheduled = true
	return s.addAutosaveLocked()
}

func (s *Service) addAutosaveLocked() error {
	expr := s.settings.AutosaveCron
	if expr == "" {
		log.Info("Autosave is disabled")
		return nil
	}
	id, err := s.cron.AddFunc(expr, s.runAutosave)
	if err != nil {
		return fmt.Errorf("schedule autosave: %w", err)
	}
	s.cronEntry = id
	log.Info("Autosave scheduled with %q", expr)
	return nil
}

// runAutosave queues a save of the open job when it has unsaved frames.
// Overlapping cron firings collapse into one.
func (s *Service) runAutosave() {
	_, _, _ = s.autosave.Do("autosave", func() (any, error) {
		job := s.store.Snapshot().Job
		if job == nil {
			return nil, nil
		}
		if d, ok := job.(dirtyReporter); ok && len(d.DirtyFrames()) == 0 {
			log.Debug("Autosave skipped, job %d has no unsaved frames", job.ID())
			return nil, nil
		}
		op, created := s.Save(SourceAutosave)
		if created {
			log.Info("Autosave queued %s for job %d", op.ID, job.ID())
		}
		return op, nil
	})
}

func (s *Service) RuntimeSettings() config.RuntimeSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// ApplyRuntimeSettings changes playback speed and reschedules autosave.
func (s *Service) ApplyRuntimeSettings(next config.RuntimeSettings) error {
	if err := next.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.player.SetFPS(next.PlaybackFPS)
	if next.AutosaveCron == s.settings.AutosaveCron {
		s.settings = next
		return nil
	}

	if s.cronEntry != 0 {
		s.cron.Remove(s.cronEntry)
		s.cronEntry = 0
	}
	s.settings = next
	if !s.scheduled {
		return nil
	}
	return s.addAutosaveLocked()
}

func (s *Service) Autosave(now time.Time) (AutosaveInfo, error) {
	expr := s.RuntimeSettings().AutosaveCron
	if expr == "" {
		return AutosaveInfo{}, nil
	}
	trigger, err := icron.GetTriggerInfo(expr, now)
	if err != nil {
		return AutosaveInfo{}, err
	}
	return AutosaveInfo{Enabled: true, Trigger: trigger}, nil
}

func (s *Service) PlaybackFPS() int {
	return s.player.FPS()
}
