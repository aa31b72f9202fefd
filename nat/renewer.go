package nat

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// minRenewInterval keeps a tiny granted lifetime from turning into a busy loop.
const minRenewInterval = 30 * time.Second

// unmapTimeout bounds the removal request sent when a Renewer stops.
const unmapTimeout = 5 * time.Second

// Renewer keeps a mapping alive by requesting it again at half its lifetime.
type Renewer struct {
	mapper  Mapper
	onError func(error)

	mu       sync.Mutex
	current  *Mapping
	interval time.Duration
	started  bool

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewRenewer creates a renewer for m, which must have been granted by mapper.
// onError, if non-nil, receives renewal failures.
func NewRenewer(mapper Mapper, m *Mapping, onError func(error)) *Renewer {
	interval := m.Lifetime / 2
	if interval < minRenewInterval {
		interval = minRenewInterval
	}
	return &Renewer{
		mapper:   mapper,
		onError:  onError,
		current:  m,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins renewing in the background.
func (r *Renewer) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	go r.loop()
}

func (r *Renewer) loop() {
	defer close(r.done)

	for {
		r.mu.Lock()
		interval := r.interval
		r.mu.Unlock()

		timer := time.NewTimer(interval)
		select {
		case <-r.stop:
			timer.Stop()
			return
		case <-timer.C:
		}
		r.renew()
	}
}

func (r *Renewer) renew() {
	r.mu.Lock()
	prev, interval := r.current, r.interval
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), interval)
	defer cancel()

	m, err := r.mapper.Map(ctx, prev.InternalPort)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Renewer.renew",
			"mapping":  prev.String(),
			"error":    err.Error(),
		}).Warn("Port mapping renewal failed")
		if r.onError != nil {
			r.onError(err)
		}
		return
	}

	if m.ExternalPort != prev.ExternalPort {
		logrus.WithFields(logrus.Fields{
			"function": "Renewer.renew",
			"previous": prev.ExternalPort,
			"external": m.ExternalPort,
		}).Warn("Gateway changed the external port on renewal")
	}

	r.mu.Lock()
	r.current = m
	if half := m.Lifetime / 2; half >= minRenewInterval {
		r.interval = half
	}
	r.mu.Unlock()
}

// Current returns the latest granted mapping.
func (r *Renewer) Current() *Mapping {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Stop ends renewal and removes the mapping from the gateway.
func (r *Renewer) Stop(ctx context.Context) error {
	var err error
	r.stopOnce.Do(func() {
		close(r.stop)
		r.mu.Lock()
		started := r.started
		r.started = true
		r.mu.Unlock()
		if started {
			<-r.done
		}

		ctx, cancel := context.WithTimeout(ctx, unmapTimeout)
		defer cancel()
		m := r.Current()
		if err = r.mapper.Unmap(ctx, m); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Renewer.Stop",
				"mapping":  m.String(),
				"error":    err.Error(),
			}).Warn("Failed to remove port mapping")
			return
		}
		logrus.WithFields(logrus.Fields{
			"function": "Renewer.Stop",
			"mapping":  m.String(),
		}).Info("Port mapping removed")
	})
	return err
}
