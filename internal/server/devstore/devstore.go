// Package devstore provides in-memory implementations of the
// application-owned collaborators (items, mail, contacts, accounts).
// They back the standalone daemon and integration-style tests; a real
// deployment replaces them with its own storage.
package devstore

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/dsievert/federation/internal/common"
	"github.com/dsievert/federation/internal/federation/dispatch"
	"github.com/dsievert/federation/internal/federation/resolver"
	"github.com/dsievert/federation/internal/logging"
	"github.com/dsievert/federation/internal/server/models"
)

// Items is an in-memory item store keyed on (uid, guid).
type Items struct {
	mu     sync.Mutex
	nextID int64
	rows   map[itemKey]*models.Item
}

type itemKey struct {
	uid  int64
	guid string
}

func NewItems() *Items {
	return &Items{rows: map[itemKey]*models.Item{}}
}

func (s *Items) Store(_ context.Context, item *models.Item) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := itemKey{item.UID, item.GUID}
	if existing, ok := s.rows[key]; ok {
		return existing.ID, common.ErrDuplicateMessage
	}
	s.nextID++
	item.ID = s.nextID
	cp := *item
	s.rows[key] = &cp
	return item.ID, nil
}

func (s *Items) ExistsByGUID(_ context.Context, uid int64, guid string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rows[itemKey{uid, guid}]
	return ok, nil
}

func (s *Items) FindByGUID(_ context.Context, uid int64, guid string) (*models.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.rows[itemKey{uid, guid}]
	if !ok {
		return nil, common.ErrNotFound
	}
	cp := *item
	return &cp, nil
}

func (s *Items) Retract(_ context.Context, item *models.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[itemKey{item.UID, item.GUID}]
	if !ok {
		return common.ErrNotFound
	}
	row.Deleted = true
	row.Body = ""
	row.EditedAt = time.Now()
	item.Deleted = true
	return nil
}

// Mail is an in-memory conversation and message store.
type Mail struct {
	mu     sync.Mutex
	nextID int64
	convs  map[itemKey]*models.Conversation
	mails  map[itemKey]*models.Mail
}

func NewMail() *Mail {
	return &Mail{convs: map[itemKey]*models.Conversation{}, mails: map[itemKey]*models.Mail{}}
}

func (s *Mail) StoreConversation(_ context.Context, conv *models.Conversation) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	conv.ID = s.nextID
	cp := *conv
	s.convs[itemKey{conv.UID, conv.GUID}] = &cp
	return conv.ID, nil
}

func (s *Mail) FindConversationByGUID(_ context.Context, uid int64, guid string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[itemKey{uid, guid}]
	if !ok {
		return nil, common.ErrNotFound
	}
	cp := *conv
	return &cp, nil
}

func (s *Mail) StoreMail(_ context.Context, mail *models.Mail) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	mail.ID = s.nextID
	cp := *mail
	s.mails[itemKey{mail.UID, mail.GUID}] = &cp
	return mail.ID, nil
}

func (s *Mail) MailExists(_ context.Context, uid int64, guid string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.mails[itemKey{uid, guid}]
	return ok, nil
}

// Accounts is an in-memory directory of local owners and their contact
// rows. It serves the resolver, the dispatcher, the relay audience and
// the delivery health tracking at once.
type Accounts struct {
	mu       sync.Mutex
	nextID   int64
	owners   map[int64]*models.Owner
	byGUID   map[string]int64
	contacts map[int64]*models.Contact // by contact id
	targets  map[int64]*models.DeliveryTarget
}

func NewAccounts() *Accounts {
	return &Accounts{
		owners:   map[int64]*models.Owner{},
		byGUID:   map[string]int64{},
		contacts: map[int64]*models.Contact{},
		targets:  map[int64]*models.DeliveryTarget{},
	}
}

// AddOwner registers a local account.
func (s *Accounts) AddOwner(owner *models.Owner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owners[owner.UID] = owner
	if owner.GUID != "" {
		s.byGUID[owner.GUID] = owner.UID
	}
}

func (s *Accounts) OwnerByUID(_ context.Context, uid int64) (*models.Owner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	owner, ok := s.owners[uid]
	if !ok {
		return nil, common.ErrNotFound
	}
	return owner, nil
}

func (s *Accounts) OwnerByGUID(_ context.Context, guid string) (*models.Owner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	uid, ok := s.byGUID[guid]
	if !ok {
		return nil, common.ErrNotFound
	}
	return s.owners[uid], nil
}

func (s *Accounts) OwnerByHandle(_ context.Context, handle string) (*models.Owner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	handle = strings.ToLower(handle)
	for _, owner := range s.owners {
		if strings.ToLower(owner.Handle) == handle {
			return owner, nil
		}
	}
	return nil, common.ErrNotFound
}

func (s *Accounts) ContactFor(_ context.Context, uid int64, handle string) (*models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	handle = strings.ToLower(handle)
	for _, c := range s.contacts {
		if c.UID == uid && strings.ToLower(c.Handle) == handle {
			return c, nil
		}
	}
	return nil, common.ErrNotFound
}

func (s *Accounts) CreateContact(_ context.Context, uid int64, person *models.Person, rel models.Relationship) (*models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	c := &models.Contact{
		ID:     s.nextID,
		UID:    uid,
		Handle: person.Handle,
		URL:    person.URL,
		Name:   person.Name,
		Rel:    rel,
	}
	s.contacts[c.ID] = c
	s.targets[c.ID] = &models.DeliveryTarget{
		ContactID: c.ID,
		Handle:    person.Handle,
		BatchURL:  person.BatchURL,
		NotifyURL: person.NotifyURL,
		PublicKey: person.PublicKey,
		Network:   person.Network,
	}
	return c, nil
}

func (s *Accounts) UpdateRelationship(_ context.Context, _ int64, contactID int64, rel models.Relationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[contactID]
	if !ok {
		return common.ErrNotFound
	}
	c.Rel = rel
	return nil
}

func (s *Accounts) RemoveContact(_ context.Context, _ int64, contactID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.contacts, contactID)
	delete(s.targets, contactID)
	return nil
}

// RemoveAccount drops every relationship a remote handle holds with any
// local user.
func (s *Accounts) RemoveAccount(_ context.Context, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	handle = strings.ToLower(handle)
	for id, c := range s.contacts {
		if strings.ToLower(c.Handle) == handle {
			delete(s.contacts, id)
			delete(s.targets, id)
		}
	}
	return nil
}

func (s *Accounts) SetDead(_ context.Context, contactID int64, dead bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.contacts[contactID]; ok {
		c.Dead = dead
	}
	return nil
}

func (s *Accounts) DeliveryTargetFor(_ context.Context, contactID int64) (*models.DeliveryTarget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.targets[contactID]
	if !ok {
		return nil, common.ErrNotFound
	}
	return target, nil
}

// ThreadRecipients returns the delivery targets of every live contact
// of uid except the excluded handle. The dev store has no per-thread
// audience tracking, so the whole contact list stands in for it.
func (s *Accounts) ThreadRecipients(_ context.Context, uid int64, _ *models.Item, exclude string) ([]*models.DeliveryTarget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exclude = strings.ToLower(exclude)
	var out []*models.DeliveryTarget
	for id, c := range s.contacts {
		if c.UID != uid || c.Dead || strings.ToLower(c.Handle) == exclude {
			continue
		}
		if target, ok := s.targets[id]; ok {
			out = append(out, target)
		}
	}
	return out, nil
}

// LogNotifier logs events instead of delivering notifications.
type LogNotifier struct {
	Log logging.Logger
}

func (n *LogNotifier) Notify(ctx context.Context, ev dispatch.Event) {
	n.Log.Info(ctx, "notification", "type", int(ev.Type), "uid", ev.UID, "handle", ev.Handle)
}

// StaticProber serves preloaded probe results; the dev stand-in for the
// discovery subsystem.
type StaticProber struct {
	mu      sync.Mutex
	results map[string]*resolver.ProbeResult
}

func NewStaticProber() *StaticProber {
	return &StaticProber{results: map[string]*resolver.ProbeResult{}}
}

func (p *StaticProber) Add(handle string, result *resolver.ProbeResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results[strings.ToLower(handle)] = result
}

func (p *StaticProber) Probe(_ context.Context, handle string) (*resolver.ProbeResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	result, ok := p.results[strings.ToLower(handle)]
	if !ok {
		return nil, common.ErrKeyResolutionFailed
	}
	return result, nil
}

// People is an in-memory stand-in for the fcontact repository, used in
// tests and by the daemon when no database is configured.
type People struct {
	mu     sync.Mutex
	nextID int64
	rows   map[string]*models.Person
}

func NewPeople() *People {
	return &People{rows: map[string]*models.Person{}}
}

func (s *People) FindByHandle(_ context.Context, handle string) (*models.Person, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.rows[strings.ToLower(handle)]
	if !ok {
		return nil, common.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *People) Upsert(_ context.Context, p *models.Person) (*models.Person, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == 0 {
		s.nextID++
		p.ID = s.nextID
	}
	cp := *p
	s.rows[strings.ToLower(p.Handle)] = &cp
	return p, nil
}
