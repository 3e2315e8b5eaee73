package gateway

import (
	"sync"
	"sync/atomic"
)

// Registry tracks open connections by id. Operations on different ids do not
// contend.
type Registry struct {
	conns sync.Map // map[string]*Conn
	size  atomic.Int64
}

func (r *Registry) add(c *Conn) {
	if _, loaded := r.conns.LoadOrStore(c.id, c); !loaded {
		r.size.Add(1)
	}
}

func (r *Registry) remove(id string) bool {
	if _, loaded := r.conns.LoadAndDelete(id); loaded {
		r.size.Add(-1)
		return true
	}
	return false
}

// Get returns the open connection with the given id.
func (r *Registry) Get(id string) (*Conn, bool) {
	v, ok := r.conns.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Conn), true
}

// Len returns the number of open connections.
func (r *Registry) Len() int { return int(r.size.Load()) }

// Range calls fn for every open connection until fn returns false.
// Connections may be added or removed while it runs.
func (r *Registry) Range(fn func(*Conn) bool) {
	r.conns.Range(func(_, v any) bool {
		return fn(v.(*Conn))
	})
}

// BySubject returns the open connections authenticated as subject.
func (r *Registry) BySubject(subject string) []*Conn {
	var out []*Conn
	r.Range(func(c *Conn) bool {
		if c.Subject() == subject {
			out = append(out, c)
		}
		return true
	})
	return out
}
