package gatt

import (
	"github.com/sirupsen/logrus"
)

// jobQueue is the FIFO of pending jobs. The head is the in-flight job while inFlight is
// set. It is only touched on the controller's executor.
type jobQueue struct {
	jobs     []*Job
	inFlight bool
}

func (q *jobQueue) push(job *Job) {
	q.jobs = append(q.jobs, job)
}

func (q *jobQueue) head() (*Job, bool) {
	if len(q.jobs) == 0 {
		return nil, false
	}
	return q.jobs[0], true
}

func (q *jobQueue) pop() {
	if len(q.jobs) == 0 {
		return
	}
	q.jobs[0] = nil
	q.jobs = q.jobs[1:]
}

func (q *jobQueue) len() int {
	return len(q.jobs)
}

// reset drops every job and clears the in-flight flag.
func (q *jobQueue) reset() int {
	n := len(q.jobs)
	q.jobs = nil
	q.inFlight = false
	return n
}

// ----------------------------
// Queue discipline
// ----------------------------

// jobTarget is the resolved entity of a job.
type jobTarget struct {
	service *Service
	char    *Characteristic
	desc    *Descriptor
}

func (c *Controller) resolve(job *Job) (jobTarget, bool) {
	svc, ok := c.db.service(job.Service)
	if !ok || svc.state == InvalidService {
		return jobTarget{}, false
	}
	char, ok := svc.characteristics.Get(job.Char)
	if !ok {
		return jobTarget{service: svc}, false
	}
	t := jobTarget{service: svc, char: char}
	if job.isDescriptor() {
		desc, ok := char.descriptors.Get(job.Desc)
		if !ok {
			return t, false
		}
		t.desc = desc
	}
	return t, true
}

// enqueue appends job and dispatches it if nothing is in flight.
func (c *Controller) enqueue(job *Job) {
	c.queue.push(job)
	c.logger.WithFields(logrus.Fields{
		"job":     job.String(),
		"pending": c.queue.len(),
	}).Debug("Job enqueued")
	c.dispatch()
}

// dispatch issues the head job unless one is already in flight. Jobs whose target has
// vanished are dropped without reporting.
func (c *Controller) dispatch() {
	for !c.queue.inFlight {
		job, ok := c.queue.head()
		if !ok {
			return
		}
		target, ok := c.resolve(job)
		if !ok {
			c.logger.WithField("job", job.String()).Debug("Dropping job with vanished target")
			c.queue.pop()
			if job.LastDiscovery && target.service != nil {
				c.finishServiceDiscovery(target.service)
			}
			continue
		}
		c.queue.inFlight = true
		c.issue(job, target)
	}
}

// done returns the transport callback for job, reposted onto the executor.
func (c *Controller) done(job *Job) func(Result) {
	return func(r Result) {
		c.exec.Post(func() { c.complete(job, r) })
	}
}

// issue starts the transport call for job. Calls that resolve locally complete through
// the executor like any other, preserving submission order.
func (c *Controller) issue(job *Job, t jobTarget) {
	done := c.done(job)
	c.logger.WithField("job", job.String()).Debug("Issuing job")

	if c.role == RolePeripheral {
		c.issueLocal(job, t, done)
		return
	}
	if t.service.battery {
		c.issueBattery(job, t, done)
		return
	}

	switch job.Kind {
	case CharRead:
		c.transport.ReadValue(t.char.address, 0, c.MTU(), done)
	case CharWrite:
		if err := t.char.checkLength(job.Value); err != nil {
			done(Failure(err))
			return
		}
		c.transport.WriteValue(t.char.address, job.Value, job.Mode, done)
	case DescRead:
		c.transport.ReadValue(t.desc.address, 0, c.MTU(), done)
	case DescWrite:
		if isCCCD(t.desc.uuid) && c.toggler != nil {
			c.toggler.SetNotifying(t.char.address, job.Value, done)
			return
		}
		c.transport.WriteValue(t.desc.address, job.Value, WriteWithResponse, done)
	}
}

// complete is the single completion entry point. Completions that do not match the
// in-flight head are stale and ignored.
func (c *Controller) complete(job *Job, r Result) {
	head, ok := c.queue.head()
	if !ok || head != job || !c.queue.inFlight {
		c.logger.WithField("job", job.String()).Debug("Ignoring stale completion")
		return
	}
	c.queue.pop()
	c.queue.inFlight = false
	if job.aborted {
		c.dispatch()
		return
	}

	target, ok := c.resolve(job)
	if ok {
		c.applyResult(job, target, r)
	}
	if job.LastDiscovery && target.service != nil {
		c.finishServiceDiscovery(target.service)
	}
	c.dispatch()
}

func (c *Controller) applyResult(job *Job, t jobTarget, r Result) {
	err := r.Err
	if err == nil {
		err = c.applyValue(job, t, r.Value)
	}

	log := c.logger.WithFields(logrus.Fields{
		"job":     job.String(),
		"service": t.service.uuid,
	})
	if err != nil {
		if job.Discovery {
			log.WithError(err).Debug("Discovery read failed")
			return
		}
		log.WithError(err).Warn("Attribute operation failed")
		c.emitServiceError(t.service, job.errorKind(), job.Char, job.Desc, err)
		return
	}
	if job.Discovery {
		return
	}

	ev := Event{Service: t.service, ServiceUUID: t.service.uuid, Characteristic: t.char, Descriptor: t.desc}
	switch job.Kind {
	case CharRead:
		ev.Type, ev.Value = EventCharacteristicRead, t.char.Value()
	case CharWrite:
		ev.Type, ev.Value = EventCharacteristicWritten, append([]byte(nil), job.Value...)
	case DescRead:
		ev.Type, ev.Value = EventDescriptorRead, t.desc.Value()
	case DescWrite:
		ev.Type, ev.Value = EventDescriptorWritten, append([]byte(nil), job.Value...)
	}
	c.events.emit(ev)
}

// applyValue stores the outcome of a successful job in the database.
func (c *Controller) applyValue(job *Job, t jobTarget, value []byte) error {
	switch job.Kind {
	case CharRead:
		return c.db.setCharacteristicValue(t.char, value)
	case CharWrite:
		return c.db.setCharacteristicValue(t.char, job.Value)
	case DescRead:
		c.db.setDescriptorValue(t.desc, value)
	case DescWrite:
		c.db.setDescriptorValue(t.desc, job.Value)
	}
	return nil
}

// abortServiceJobs fails every caller job against svc ahead of its rediscovery, since their
// handles do not survive it. An in-flight job stays at the head until the transport
// answers, so the queue still never has two accesses outstanding.
func (c *Controller) abortServiceJobs(svc *Service) {
	var aborted []*Job
	kept := c.queue.jobs[:0]
	for i, job := range c.queue.jobs {
		if job.Service != svc.uuid || job.Discovery {
			kept = append(kept, job)
			continue
		}
		aborted = append(aborted, job)
		if i == 0 && c.queue.inFlight {
			job.aborted = true
			kept = append(kept, job)
		}
	}
	for i := len(kept); i < len(c.queue.jobs); i++ {
		c.queue.jobs[i] = nil
	}
	c.queue.jobs = kept

	for _, job := range aborted {
		c.logger.WithField("job", job.String()).Debug("Aborting job ahead of rediscovery")
		c.emitServiceError(svc, job.errorKind(), job.Char, job.Desc, ErrServiceRediscovered)
	}
}

func (c *Controller) emitServiceError(svc *Service, kind ServiceErrorKind, char, desc Handle, err error) {
	handle := char
	if desc != 0 {
		handle = desc
	}
	c.events.emit(Event{
		Type:        EventServiceError,
		Service:     svc,
		ServiceUUID: svc.uuid,
		Err:         &OperationError{Kind: kind, Service: svc.uuid, Handle: handle, Err: err},
	})
}
