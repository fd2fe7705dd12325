package worker

import (
	"hash/fnv"
	"sync"
)

const inflightShards = 32

type inflightShard struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

// inflightSet tracks site IDs with a check queued or running. Sharding keeps
// submitters and finishing workers from contending on one lock.
type inflightSet struct {
	shards [inflightShards]inflightShard
}

func newInflightSet() *inflightSet {
	s := &inflightSet{}
	for i := range s.shards {
		s.shards[i].ids = make(map[string]struct{})
	}
	return s
}

func (s *inflightSet) shard(id string) *inflightShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &s.shards[h.Sum32()%inflightShards]
}

// add claims id and reports false when it is already held.
func (s *inflightSet) add(id string) bool {
	sh := s.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.ids[id]; ok {
		return false
	}
	sh.ids[id] = struct{}{}
	return true
}

func (s *inflightSet) remove(id string) {
	sh := s.shard(id)
	sh.mu.Lock()
	delete(sh.ids, id)
	sh.mu.Unlock()
}

func (s *inflightSet) contains(id string) bool {
	sh := s.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	_, ok := sh.ids[id]
	return ok
}

func (s *inflightSet) len() int {
	n := 0
	for i := range s.shards {
		s.shards[i].mu.Lock()
		n += len(s.shards[i].ids)
		s.shards[i].mu.Unlock()
	}
	return n
}
