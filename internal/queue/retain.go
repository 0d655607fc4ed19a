package queue

import "sync"

// Retained keeps the most recent finished jobs per kind, newest first.
type Retained struct {
	limit int

	mu   sync.Mutex
	jobs map[string][]*Job
}

func NewRetained(limit int) *Retained {
	return &Retained{limit: limit, jobs: make(map[string][]*Job)}
}

func (r *Retained) Add(job *Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := append([]*Job{job.Clone()}, r.jobs[job.Kind]...)
	if r.limit > 0 && len(list) > r.limit {
		list = list[:r.limit]
	}
	r.jobs[job.Kind] = list
}

func (r *Retained) List(kind string, limit int) []*Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.jobs[kind]
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	out := make([]*Job, len(list))
	for i, j := range list {
		out[i] = j.Clone()
	}
	return out
}

func (r *Retained) Len(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs[kind])
}
