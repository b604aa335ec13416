package memory

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

const trackerShards = 16

type trackerShard struct {
	mu       sync.RWMutex
	profiles map[string]*ActivityProfile
}

// ActivityTracker keeps a constant-time in-memory profile per
// conversation, keyed "user:chat". The map is sharded so hot paths on
// different conversations never contend on one lock.
type ActivityTracker struct {
	classifier *KeywordClassifier
	topicCap   int
	shards     [trackerShards]*trackerShard
}

func NewActivityTracker(classifier *KeywordClassifier) *ActivityTracker {
	t := &ActivityTracker{classifier: classifier, topicCap: 20}
	if classifier != nil && classifier.cap > 0 {
		t.topicCap = classifier.cap
	}
	for i := range t.shards {
		t.shards[i] = &trackerShard{profiles: make(map[string]*ActivityProfile)}
	}
	return t
}

func (t *ActivityTracker) shardFor(key string) *trackerShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return t.shards[h.Sum32()%trackerShards]
}

// TrackMessage records one message in O(1). responseMS is how long the
// user took to reply to the previous bot turn; pass 0 when unknown and
// it is ignored.
func (t *ActivityTracker) TrackMessage(userID, chatID, text string, responseMS float64) {
	now := time.Now()
	key := userID + ":" + chatID
	sh := t.shardFor(key)

	var topics []string
	if t.classifier != nil {
		topics = t.classifier.Classify(text)
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()

	p := sh.profiles[key]
	if p == nil {
		p = &ActivityProfile{
			UserID:    userID,
			ChatID:    chatID,
			FirstSeen: now,
			TopTopics: make(map[string]int),
		}
		sh.profiles[key] = p
	}

	p.MessageCount++
	p.LastActive = now
	p.ActiveHours[now.Hour()]++
	if responseMS > 0 {
		// Running mean over observed response times only.
		p.responseSamples++
		p.AvgResponseMS += (responseMS - p.AvgResponseMS) / float64(p.responseSamples)
	}

	for _, topic := range topics {
		if _, known := p.TopTopics[topic]; !known && len(p.TopTopics) >= t.topicCap {
			evictLeastFrequent(p.TopTopics)
		}
		p.TopTopics[topic]++
	}
}

// evictLeastFrequent makes room in a full topic map.
func evictLeastFrequent(m map[string]int) {
	victim, min := "", 0
	for topic, n := range m {
		if victim == "" || n < min || (n == min && topic > victim) {
			victim, min = topic, n
		}
	}
	if victim != "" {
		delete(m, victim)
	}
}

// Profile returns a copy of the profile, or nil when the conversation
// has never been tracked.
func (t *ActivityTracker) Profile(userID, chatID string) *ActivityProfile {
	key := userID + ":" + chatID
	sh := t.shardFor(key)

	sh.mu.RLock()
	defer sh.mu.RUnlock()

	p := sh.profiles[key]
	if p == nil {
		return nil
	}
	return copyProfile(p)
}

// Profiles returns copies of every tracked profile, ordered by key.
func (t *ActivityTracker) Profiles() []*ActivityProfile {
	var out []*ActivityProfile
	for _, sh := range t.shards {
		sh.mu.RLock()
		for _, p := range sh.profiles {
			out = append(out, copyProfile(p))
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// ActiveCount reports how many conversations are being tracked.
func (t *ActivityTracker) ActiveCount() int {
	n := 0
	for _, sh := range t.shards {
		sh.mu.RLock()
		n += len(sh.profiles)
		sh.mu.RUnlock()
	}
	return n
}

// TopicsSorted returns a profile's topics by frequency descending,
// capped at limit.
func (p *ActivityProfile) TopicsSorted(limit int) []string {
	type tc struct {
		topic string
		count int
	}
	list := make([]tc, 0, len(p.TopTopics))
	for topic, n := range p.TopTopics {
		list = append(list, tc{topic, n})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].count != list[j].count {
			return list[i].count > list[j].count
		}
		return list[i].topic < list[j].topic
	})
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	out := make([]string, 0, len(list))
	for _, e := range list {
		out = append(out, e.topic)
	}
	return out
}

// PeakHour returns the hour of day with the most activity.
func (p *ActivityProfile) PeakHour() int {
	peak := 0
	for h, n := range p.ActiveHours {
		if n > p.ActiveHours[peak] {
			peak = h
		}
	}
	return peak
}

func copyProfile(p *ActivityProfile) *ActivityProfile {
	cp := *p
	cp.TopTopics = make(map[string]int, len(p.TopTopics))
	for k, v := range p.TopTopics {
		cp.TopTopics[k] = v
	}
	return &cp
}
