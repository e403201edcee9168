package main

import (
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
)

// nameLookup resolves a Discord user id to a display name.
type nameLookup func(userID string) (string, error)

type cacheEntry struct {
	val    string
	expiry time.Time
}

// callerDirectory tracks which user owns each SSRC so call logs can name
// the caller. A nil directory knows nobody.
type callerDirectory struct {
	lookup nameLookup
	ttl    time.Duration

	mu    sync.Mutex
	users map[uint32]string
	names map[string]cacheEntry
}

func newCallerDirectory(lookup nameLookup) *callerDirectory {
	return &callerDirectory{
		lookup: lookup,
		ttl:    5 * time.Minute,
		users:  make(map[uint32]string),
		names:  make(map[string]cacheEntry),
	}
}

// discordLookup resolves names through the gateway session.
func discordLookup(s *discordgo.Session) nameLookup {
	return func(userID string) (string, error) {
		u, err := s.User(userID)
		if err != nil {
			return "", err
		}
		return u.Username, nil
	}
}

func (d *callerDirectory) observe(su *discordgo.VoiceSpeakingUpdate) {
	if d == nil || su == nil || su.UserID == "" {
		return
	}
	d.mu.Lock()
	d.users[uint32(su.SSRC)] = su.UserID
	d.mu.Unlock()
}

// describe returns the user id and name behind ssrc, either possibly empty.
func (d *callerDirectory) describe(ssrc uint32) (userID, name string) {
	if d == nil {
		return "", ""
	}
	d.mu.Lock()
	userID = d.users[ssrc]
	if e, ok := d.names[userID]; ok && time.Now().Before(e.expiry) {
		d.mu.Unlock()
		return userID, e.val
	}
	d.mu.Unlock()
	if userID == "" || d.lookup == nil {
		return userID, ""
	}
	name, err := d.lookup(userID)
	if err != nil {
		return userID, ""
	}
	d.mu.Lock()
	d.names[userID] = cacheEntry{val: name, expiry: time.Now().Add(d.ttl)}
	d.mu.Unlock()
	return userID, name
}
