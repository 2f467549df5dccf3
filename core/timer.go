package core

import (
	"sync"
	"time"
)

// elapsedTimer calls tick periodically until stopped.
type elapsedTimer struct {
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func startElapsedTimer(interval time.Duration, tick func()) *elapsedTimer {
	t := &elapsedTimer{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go func() {
		defer close(t.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-ticker.C:
				select {
				case <-t.stop:
					return
				default:
				}
				tick()
			}
		}
	}()
	return t
}

// Stop halts the timer and returns once no tick can run anymore.
func (t *elapsedTimer) Stop() {
	if t == nil {
		return
	}
	t.once.Do(func() { close(t.stop) })
	<-t.done
}
