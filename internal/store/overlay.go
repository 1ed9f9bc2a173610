package store

import (
	"sort"
	"sync"
	"time"

	"github.com/4xmen/echat/internal/models"
)

// Overlay is ephemeral state layered over the conversations: who is typing
// where, who is online, and the contact/group directory. None of it is
// persisted.
type Overlay struct {
	mu        sync.RWMutex
	typingTTL time.Duration
	typing    map[models.ConversationKey]map[int]time.Time // user id -> expiry
	presence  map[int]models.Presence
	contacts  map[int]models.Contact
	groups    map[int]models.Group

	// rev counts local directory writes. Fetched lists installed with
	// SetContacts or SetGroups keep rows written after the fetch began.
	rev        uint64
	contactRev map[int]uint64
	groupRev   map[int]uint64
	pending    map[int]pendingPatch // patches for users not yet in the directory
}

type pendingPatch struct {
	patch models.ProfilePatch
	rev   uint64
}

func NewOverlay(typingTTL time.Duration) *Overlay {
	if typingTTL <= 0 {
		typingTTL = 5 * time.Second
	}
	return &Overlay{
		typingTTL: typingTTL,
		typing:    make(map[models.ConversationKey]map[int]time.Time),
		presence:  make(map[int]models.Presence),
		contacts:  make(map[int]models.Contact),
		groups:    make(map[int]models.Group),

		contactRev: make(map[int]uint64),
		groupRev:   make(map[int]uint64),
		pending:    make(map[int]pendingPatch),
	}
}

// StartTyping marks userID as typing in key until now plus the liveness
// window. A repeated start extends the window.
func (o *Overlay) StartTyping(key models.ConversationKey, userID int, now time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	users, ok := o.typing[key]
	if !ok {
		users = make(map[int]time.Time)
		o.typing[key] = users
	}
	users[userID] = now.Add(o.typingTTL)
}

func (o *Overlay) StopTyping(key models.ConversationKey, userID int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	users, ok := o.typing[key]
	if !ok {
		return
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(o.typing, key)
	}
}

// Typing returns the users typing in key at now, sorted by id. Members whose
// window has lapsed are not reported even before a Sweep removes them.
func (o *Overlay) Typing(key models.ConversationKey, now time.Time) []int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ids := []int{}
	for id, expiry := range o.typing[key] {
		if now.Before(expiry) {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids
}

// Sweep drops every lapsed typing member and returns how many were removed.
func (o *Overlay) Sweep(now time.Time) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for key, users := range o.typing {
		for id, expiry := range users {
			if !now.Before(expiry) {
				delete(users, id)
				n++
			}
		}
		if len(users) == 0 {
			delete(o.typing, key)
		}
	}
	return n
}

func (o *Overlay) SetPresence(userID int, p models.Presence) {
	o.mu.Lock()
	o.presence[userID] = p
	o.mu.Unlock()
}

// Presence reports the last known status of userID, offline if unknown.
func (o *Overlay) Presence(userID int) models.Presence {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if p, ok := o.presence[userID]; ok {
		return p
	}
	return models.Offline
}

// DirectoryRev returns the current directory revision. Capture it before
// fetching the directory and hand it to SetContacts or SetGroups.
func (o *Overlay) DirectoryRev() uint64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.rev
}

// SetContacts installs a fetched contact list. Rows written locally after
// revision since survive, and profile patches for users the directory did
// not know yet are applied to the fetched rows.
func (o *Overlay) SetContacts(contacts []models.Contact, since uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	next := make(map[int]models.Contact, len(contacts))
	for _, c := range contacts {
		next[c.ID] = c
	}
	for id, p := range o.pending {
		c, ok := next[id]
		if ok && p.rev > since {
			next[id] = patchContact(c, p.patch)
		}
	}
	for id, c := range o.contacts {
		if o.contactRev[id] > since {
			next[id] = c
		}
	}
	o.contacts = next
	o.pending = make(map[int]pendingPatch)
}

func (o *Overlay) PutContact(c models.Contact) {
	o.mu.Lock()
	o.rev++
	o.contacts[c.ID] = c
	o.contactRev[c.ID] = o.rev
	delete(o.pending, c.ID)
	o.mu.Unlock()
}

func (o *Overlay) Contact(id int) (models.Contact, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	c, ok := o.contacts[id]
	return c, ok
}

func (o *Overlay) Contacts() []models.Contact {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]models.Contact, 0, len(o.contacts))
	for _, c := range o.contacts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetGroups installs a fetched group list, keeping groups written locally
// after revision since.
func (o *Overlay) SetGroups(groups []models.Group, since uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	next := make(map[int]models.Group, len(groups))
	for _, g := range groups {
		next[g.ID] = g
	}
	for id, g := range o.groups {
		if o.groupRev[id] > since {
			next[id] = g
		}
	}
	o.groups = next
}

func (o *Overlay) PutGroup(g models.Group) {
	o.mu.Lock()
	o.rev++
	o.groups[g.ID] = g
	o.groupRev[g.ID] = o.rev
	o.mu.Unlock()
}

func (o *Overlay) Groups() []models.Group {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]models.Group, 0, len(o.groups))
	for _, g := range o.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ApplyProfile patches the cached display fields of a contact. It reports
// false when the user is not in the directory; the patch is then held for
// the next SetContacts.
func (o *Overlay) ApplyProfile(p models.ProfilePatch) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rev++
	c, ok := o.contacts[p.UserID]
	if !ok {
		if prev, held := o.pending[p.UserID]; held {
			p = mergePatch(prev.patch, p)
		}
		o.pending[p.UserID] = pendingPatch{patch: p, rev: o.rev}
		return false
	}
	o.contacts[p.UserID] = patchContact(c, p)
	o.contactRev[p.UserID] = o.rev
	return true
}

func patchContact(c models.Contact, p models.ProfilePatch) models.Contact {
	if p.DisplayName != nil {
		c.DisplayName = *p.DisplayName
	}
	if p.About != nil {
		c.About = *p.About
	}
	if p.ProfilePhotoURL != nil {
		c.ProfilePhotoURL = *p.ProfilePhotoURL
	}
	return c
}

// mergePatch layers next over prev.
func mergePatch(prev, next models.ProfilePatch) models.ProfilePatch {
	if next.DisplayName == nil {
		next.DisplayName = prev.DisplayName
	}
	if next.About == nil {
		next.About = prev.About
	}
	if next.ProfilePhotoURL == nil {
		next.ProfilePhotoURL = prev.ProfilePhotoURL
	}
	return next
}

// ResetActivity clears typing and presence but keeps the directory until it
// is refetched.
func (o *Overlay) ResetActivity() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.typing = make(map[models.ConversationKey]map[int]time.Time)
	o.presence = make(map[int]models.Presence)
}

// Reset clears typing and presence and the directory.
func (o *Overlay) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.typing = make(map[models.ConversationKey]map[int]time.Time)
	o.presence = make(map[int]models.Presence)
	o.contacts = make(map[int]models.Contact)
	o.groups = make(map[int]models.Group)
	o.contactRev = make(map[int]uint64)
	o.groupRev = make(map[int]uint64)
	o.pending = make(map[int]pendingPatch)
}
