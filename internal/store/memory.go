package store

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/virasat-app/virasat/internal/models"
)

// InMemoryStore is a map-backed Store for tests and local experiments. It
// honors the same concurrency contracts as the SQL backends: optimistic
// trial versioning, first-writer-wins voice notes, and an atomic webhook
// idempotency ledger.
type InMemoryStore struct {
	mu         sync.Mutex
	trials     map[string]*models.Trial
	voiceNotes map[string]*models.VoiceNote // keyed by trialID + "/" + index
	orders     map[string]*models.PaymentOrder
	events     map[string]time.Time
	albums     map[string]*models.Album
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		trials:     make(map[string]*models.Trial),
		voiceNotes: make(map[string]*models.VoiceNote),
		orders:     make(map[string]*models.PaymentOrder),
		events:     make(map[string]time.Time),
		albums:     make(map[string]*models.Album),
	}
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }

func voiceNoteKey(trialID string, questionIndex int) string {
	return trialID + "/" + strconv.Itoa(questionIndex)
}

func (s *InMemoryStore) CreateTrial(t *models.Trial) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.trials[t.ID] = &cp
	return nil
}

func (s *InMemoryStore) GetTrial(id string) (*models.Trial, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trials[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (s *InMemoryStore) FindActiveTrialByPhone(phone string) (*models.Trial, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *models.Trial
	for _, t := range s.trials {
		if t.State == models.TrialStateCompleted {
			continue
		}
		if t.StorytellerPhone != phone && t.BuyerPhone != phone {
			continue
		}
		if best == nil || t.CreatedAt.After(best.CreatedAt) {
			best = t
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (s *InMemoryStore) UpdateTrial(t *models.Trial) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.trials[t.ID]
	if !ok {
		return models.ErrTrialNotFound
	}
	if existing.Version != t.Version {
		return models.ErrStaleTrialVersion
	}
	now := time.Now()
	cp := *t
	cp.Version = existing.Version + 1
	cp.UpdatedAt = now
	s.trials[t.ID] = &cp
	t.Version = cp.Version
	t.UpdatedAt = now
	return nil
}

func (s *InMemoryStore) ListDueTrials(now time.Time, limit int) ([]models.Trial, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []models.Trial
	for _, t := range s.trials {
		readinessDue := t.State == models.TrialStateAwaitingReadiness && !t.NeedsAttention &&
			t.RetryReadinessAt != nil && !t.RetryReadinessAt.After(now)
		reminderDue := t.State == models.TrialStateInProgress && t.ReminderSentAt == nil &&
			t.NextQuestionScheduledFor != nil && !t.NextQuestionScheduledFor.After(now)
		if readinessDue || reminderDue {
			due = append(due, *t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].UpdatedAt.Before(due[j].UpdatedAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *InMemoryStore) ListTrialsNeedingAttention() ([]models.Trial, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var flagged []models.Trial
	for _, t := range s.trials {
		if t.NeedsAttention {
			flagged = append(flagged, *t)
		}
	}
	sort.Slice(flagged, func(i, j int) bool { return flagged[i].UpdatedAt.Before(flagged[j].UpdatedAt) })
	return flagged, nil
}

func (s *InMemoryStore) InsertVoiceNote(vn *models.VoiceNote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := voiceNoteKey(vn.TrialID, vn.QuestionIndex)
	if _, exists := s.voiceNotes[key]; exists {
		return models.ErrDuplicateVoiceNote
	}
	cp := *vn
	s.voiceNotes[key] = &cp
	return nil
}

func (s *InMemoryStore) GetVoiceNote(trialID string, questionIndex int) (*models.VoiceNote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vn, ok := s.voiceNotes[voiceNoteKey(trialID, questionIndex)]
	if !ok {
		return nil, nil
	}
	cp := *vn
	return &cp, nil
}

func (s *InMemoryStore) UpdateVoiceNoteDownload(id string, status models.DownloadStatus, mediaURL, contentHash string, sizeBytes int64, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, vn := range s.voiceNotes {
		if vn.ID == id {
			vn.DownloadStatus = status
			vn.MediaURL = mediaURL
			vn.ContentHash = contentHash
			vn.SizeBytes = sizeBytes
			vn.Attempts = attempts
			vn.UpdatedAt = time.Now()
			return nil
		}
	}
	return nil
}

func (s *InMemoryStore) ListPendingVoiceNotes(limit int) ([]models.VoiceNote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending []models.VoiceNote
	for _, vn := range s.voiceNotes {
		if vn.DownloadStatus == models.DownloadStatusPending {
			pending = append(pending, *vn)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].ReceivedAt.Before(pending[j].ReceivedAt) })
	if len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (s *InMemoryStore) CreateOrder(o *models.PaymentOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *o
	s.orders[o.MerchantOrderID] = &cp
	return nil
}

func (s *InMemoryStore) GetOrder(merchantOrderID string) (*models.PaymentOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[merchantOrderID]
	if !ok {
		return nil, models.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *InMemoryStore) MarkOrderState(merchantOrderID string, state models.PaymentState, transactionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[merchantOrderID]
	if !ok {
		return models.ErrOrderNotFound
	}
	if o.State.IsTerminal() {
		return models.ErrOrderAlreadyTerminal
	}
	o.State = state
	o.TransactionID = transactionID
	o.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryStore) ListUnactivatedCompletedOrders(olderThan time.Time, limit int) ([]models.PaymentOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var orphaned []models.PaymentOrder
	for _, o := range s.orders {
		if o.State != models.PaymentStateCompleted || o.UpdatedAt.After(olderThan) {
			continue
		}
		t, ok := s.trials[o.TrialID]
		if !ok || t.State != models.TrialStateAwaitingInitialContact || t.WelcomeSentAt != nil {
			continue
		}
		orphaned = append(orphaned, *o)
	}
	sort.Slice(orphaned, func(i, j int) bool { return orphaned[i].UpdatedAt.Before(orphaned[j].UpdatedAt) })
	if len(orphaned) > limit {
		orphaned = orphaned[:limit]
	}
	return orphaned, nil
}

func (s *InMemoryStore) ListStalePendingOrders(olderThan time.Time, limit int) ([]models.PaymentOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stale []models.PaymentOrder
	for _, o := range s.orders {
		if o.State != models.PaymentStatePending || o.UpdatedAt.After(olderThan) {
			continue
		}
		stale = append(stale, *o)
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].UpdatedAt.Before(stale[j].UpdatedAt) })
	if len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

func (s *InMemoryStore) AdmitEvent(key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.events[key]; exists {
		return true, nil
	}
	s.events[key] = time.Now()
	return false, nil
}

func (s *InMemoryStore) GetAlbum(id string) (*models.Album, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.albums[id]
	if !ok {
		return nil, models.ErrAlbumNotFound
	}
	cp := *a
	cp.Questions = append([]models.AlbumQuestion(nil), a.Questions...)
	return &cp, nil
}

func (s *InMemoryStore) ListAlbums() ([]models.Album, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var albums []models.Album
	for _, a := range s.albums {
		cp := *a
		cp.Questions = append([]models.AlbumQuestion(nil), a.Questions...)
		albums = append(albums, cp)
	}
	sort.Slice(albums, func(i, j int) bool { return albums[i].CreatedAt.Before(albums[j].CreatedAt) })
	return albums, nil
}

func (s *InMemoryStore) UpsertAlbum(a *models.Album) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	cp.Questions = append([]models.AlbumQuestion(nil), a.Questions...)
	cp.UpdatedAt = time.Now()
	s.albums[a.ID] = &cp
	return nil
}
