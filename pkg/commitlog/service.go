package commitlog

import (
	"sync"
	"time"
)

// serviceState is the shared skeleton of the background services: a stop
// flag, a signalable wait point and a shutdown waitgroup.
type serviceState struct {
	notify chan struct{}
	stop   chan struct{}
	wg     sync.WaitGroup

	stopOnce sync.Once
}

func (s *serviceState) init() {
	s.notify = make(chan struct{}, 1)
	s.stop = make(chan struct{})
}

// wakeup pokes the service's wait point without blocking.
func (s *serviceState) wakeup() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// waitForRunning blocks until woken, the interval elapses, or shutdown.
// Reports false once the service is stopping.
func (s *serviceState) waitForRunning(interval time.Duration) bool {
	timer := time.NewTimer(interval)
	defer timer.Stop()
	select {
	case <-s.stop:
		return false
	case <-s.notify:
		return true
	case <-timer.C:
		return true
	}
}

func (s *serviceState) isStopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

func (s *serviceState) shutdown() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}
