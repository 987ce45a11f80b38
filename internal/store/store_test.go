package store

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/virasat-app/virasat/internal/models"
)

// newTestSQLiteStore creates a SQLite store backed by a temp file that is
// cleaned up with the test.
func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "virasat_test.db")
	st, err := NewSQLiteStore(WithSQLiteDSN(dsn))
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// backends runs a subtest against both the SQLite and in-memory stores so the
// two implementations stay contract-compatible.
func backends(t *testing.T, fn func(t *testing.T, st Store)) {
	t.Helper()
	t.Run("sqlite", func(t *testing.T) { fn(t, newTestSQLiteStore(t)) })
	t.Run("memory", func(t *testing.T) { fn(t, NewInMemoryStore()) })
}

func newTestTrial(id string) *models.Trial {
	now := time.Now().UTC().Truncate(time.Second)
	return &models.Trial{
		ID:              id,
		BuyerPhone:      "+919876543210",
		BuyerName:       "Asha",
		StorytellerName: "Dadi",
		StorytellerPhone: "+919812345678",
		AlbumID:         "album_childhood",
		Language:        models.LanguageEnglish,
		State:           models.TrialStateAwaitingInitialContact,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func TestTrialCreateAndGet(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		trial := newTestTrial("t_create_get")
		if err := st.CreateTrial(trial); err != nil {
			t.Fatalf("CreateTrial failed: %v", err)
		}

		got, err := st.GetTrial("t_create_get")
		if err != nil {
			t.Fatalf("GetTrial failed: %v", err)
		}
		if got == nil {
			t.Fatal("expected trial, got nil")
		}
		if got.BuyerPhone != trial.BuyerPhone {
			t.Errorf("expected buyer phone %s, got %s", trial.BuyerPhone, got.BuyerPhone)
		}
		if got.State != models.TrialStateAwaitingInitialContact {
			t.Errorf("expected state %s, got %s", models.TrialStateAwaitingInitialContact, got.State)
		}
		if got.Version != 1 {
			t.Errorf("expected version 1, got %d", got.Version)
		}

		missing, err := st.GetTrial("t_missing")
		if err != nil {
			t.Fatalf("GetTrial for missing id failed: %v", err)
		}
		if missing != nil {
			t.Error("expected nil for missing trial")
		}
	})
}

func TestTrialUpdateBumpsVersion(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		trial := newTestTrial("t_update")
		if err := st.CreateTrial(trial); err != nil {
			t.Fatalf("CreateTrial failed: %v", err)
		}

		trial.State = models.TrialStateAwaitingReadiness
		now := time.Now()
		trial.WelcomeSentAt = &now
		if err := st.UpdateTrial(trial); err != nil {
			t.Fatalf("UpdateTrial failed: %v", err)
		}
		if trial.Version != 2 {
			t.Errorf("expected in-place version bump to 2, got %d", trial.Version)
		}

		got, err := st.GetTrial("t_update")
		if err != nil {
			t.Fatalf("GetTrial failed: %v", err)
		}
		if got.Version != 2 {
			t.Errorf("expected stored version 2, got %d", got.Version)
		}
		if got.State != models.TrialStateAwaitingReadiness {
			t.Errorf("expected state %s, got %s", models.TrialStateAwaitingReadiness, got.State)
		}
		if got.WelcomeSentAt == nil {
			t.Error("expected welcome_sent_at to be persisted")
		}
	})
}

func TestTrialUpdateStaleVersion(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		trial := newTestTrial("t_stale")
		if err := st.CreateTrial(trial); err != nil {
			t.Fatalf("CreateTrial failed: %v", err)
		}

		// Two readers load the same version; the second writer must lose.
		first, _ := st.GetTrial("t_stale")
		second, _ := st.GetTrial("t_stale")

		first.State = models.TrialStateAwaitingReadiness
		if err := st.UpdateTrial(first); err != nil {
			t.Fatalf("first UpdateTrial failed: %v", err)
		}

		second.State = models.TrialStateReady
		err := st.UpdateTrial(second)
		if err != models.ErrStaleTrialVersion {
			t.Errorf("expected ErrStaleTrialVersion, got %v", err)
		}

		got, _ := st.GetTrial("t_stale")
		if got.State != models.TrialStateAwaitingReadiness {
			t.Errorf("stale writer overwrote state: got %s", got.State)
		}
	})
}

func TestTrialUpdateNotFound(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		trial := newTestTrial("t_ghost")
		err := st.UpdateTrial(trial)
		if err != models.ErrTrialNotFound {
			t.Errorf("expected ErrTrialNotFound, got %v", err)
		}
	})
}

func TestFindActiveTrialByPhone(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		old := newTestTrial("t_old")
		old.CreatedAt = time.Now().Add(-48 * time.Hour)
		if err := st.CreateTrial(old); err != nil {
			t.Fatalf("CreateTrial failed: %v", err)
		}
		recent := newTestTrial("t_recent")
		if err := st.CreateTrial(recent); err != nil {
			t.Fatalf("CreateTrial failed: %v", err)
		}

		got, err := st.FindActiveTrialByPhone("+919812345678")
		if err != nil {
			t.Fatalf("FindActiveTrialByPhone failed: %v", err)
		}
		if got == nil || got.ID != "t_recent" {
			t.Fatalf("expected most recent trial t_recent, got %+v", got)
		}

		// Buyer phone matches too.
		got, err = st.FindActiveTrialByPhone("+919876543210")
		if err != nil {
			t.Fatalf("FindActiveTrialByPhone by buyer failed: %v", err)
		}
		if got == nil {
			t.Fatal("expected trial by buyer phone, got nil")
		}

		got, err = st.FindActiveTrialByPhone("+910000000000")
		if err != nil {
			t.Fatalf("FindActiveTrialByPhone for unknown failed: %v", err)
		}
		if got != nil {
			t.Errorf("expected nil for unknown phone, got %+v", got)
		}
	})
}

func TestFindActiveTrialByPhoneSkipsCompleted(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		trial := newTestTrial("t_done")
		trial.State = models.TrialStateCompleted
		if err := st.CreateTrial(trial); err != nil {
			t.Fatalf("CreateTrial failed: %v", err)
		}

		got, err := st.FindActiveTrialByPhone("+919812345678")
		if err != nil {
			t.Fatalf("FindActiveTrialByPhone failed: %v", err)
		}
		if got != nil {
			t.Errorf("expected completed trial to be skipped, got %+v", got)
		}
	})
}

func TestListDueTrials(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		now := time.Now()
		past := now.Add(-time.Hour)
		future := now.Add(time.Hour)

		dueReadiness := newTestTrial("t_due_readiness")
		dueReadiness.State = models.TrialStateAwaitingReadiness
		dueReadiness.RetryReadinessAt = &past

		notYet := newTestTrial("t_not_yet")
		notYet.State = models.TrialStateAwaitingReadiness
		notYet.RetryReadinessAt = &future

		flagged := newTestTrial("t_flagged")
		flagged.State = models.TrialStateAwaitingReadiness
		flagged.RetryReadinessAt = &past
		flagged.NeedsAttention = true

		dueReminder := newTestTrial("t_due_reminder")
		dueReminder.State = models.TrialStateInProgress
		dueReminder.NextQuestionScheduledFor = &past

		reminded := newTestTrial("t_reminded")
		reminded.State = models.TrialStateInProgress
		reminded.NextQuestionScheduledFor = &past
		reminded.ReminderSentAt = &past

		for _, tr := range []*models.Trial{dueReadiness, notYet, flagged, dueReminder, reminded} {
			if err := st.CreateTrial(tr); err != nil {
				t.Fatalf("CreateTrial %s failed: %v", tr.ID, err)
			}
		}

		due, err := st.ListDueTrials(now, 10)
		if err != nil {
			t.Fatalf("ListDueTrials failed: %v", err)
		}
		ids := make(map[string]bool)
		for _, tr := range due {
			ids[tr.ID] = true
		}
		if len(due) != 2 {
			t.Fatalf("expected 2 due trials, got %d (%v)", len(due), ids)
		}
		if !ids["t_due_readiness"] || !ids["t_due_reminder"] {
			t.Errorf("expected t_due_readiness and t_due_reminder, got %v", ids)
		}
	})
}

func TestListTrialsNeedingAttention(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		ok := newTestTrial("t_fine")
		flagged := newTestTrial("t_help")
		flagged.NeedsAttention = true
		if err := st.CreateTrial(ok); err != nil {
			t.Fatalf("CreateTrial failed: %v", err)
		}
		if err := st.CreateTrial(flagged); err != nil {
			t.Fatalf("CreateTrial failed: %v", err)
		}

		got, err := st.ListTrialsNeedingAttention()
		if err != nil {
			t.Fatalf("ListTrialsNeedingAttention failed: %v", err)
		}
		if len(got) != 1 || got[0].ID != "t_help" {
			t.Errorf("expected only t_help, got %+v", got)
		}
	})
}

func newTestVoiceNote(trialID string, index int) *models.VoiceNote {
	now := time.Now().UTC().Truncate(time.Second)
	return &models.VoiceNote{
		ID:             "vn_" + trialID + "_" + time.Now().Format("150405.000000000"),
		TrialID:        trialID,
		QuestionIndex:  index,
		QuestionText:   "Tell me about your childhood home.",
		MediaID:        "wamid.media123",
		DownloadStatus: models.DownloadStatusPending,
		ReceivedAt:     now,
		UpdatedAt:      now,
	}
}

func TestInsertVoiceNoteFirstWriterWins(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		first := newTestVoiceNote("t_vn", 0)
		first.ID = "vn_first"
		if err := st.InsertVoiceNote(first); err != nil {
			t.Fatalf("first InsertVoiceNote failed: %v", err)
		}

		dup := newTestVoiceNote("t_vn", 0)
		dup.ID = "vn_second"
		dup.MediaID = "wamid.other"
		err := st.InsertVoiceNote(dup)
		if err != models.ErrDuplicateVoiceNote {
			t.Fatalf("expected ErrDuplicateVoiceNote, got %v", err)
		}

		got, err := st.GetVoiceNote("t_vn", 0)
		if err != nil {
			t.Fatalf("GetVoiceNote failed: %v", err)
		}
		if got.ID != "vn_first" || got.MediaID != "wamid.media123" {
			t.Errorf("duplicate overwrote first writer: %+v", got)
		}

		// A different question index is a separate slot.
		other := newTestVoiceNote("t_vn", 1)
		if err := st.InsertVoiceNote(other); err != nil {
			t.Errorf("InsertVoiceNote for new index failed: %v", err)
		}
	})
}

func TestUpdateVoiceNoteDownload(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		vn := newTestVoiceNote("t_dl", 0)
		if err := st.InsertVoiceNote(vn); err != nil {
			t.Fatalf("InsertVoiceNote failed: %v", err)
		}

		err := st.UpdateVoiceNoteDownload(vn.ID, models.DownloadStatusDownloaded,
			"https://media.example/voice/t_dl/0.ogg", "abc123", 20480, 1)
		if err != nil {
			t.Fatalf("UpdateVoiceNoteDownload failed: %v", err)
		}

		got, _ := st.GetVoiceNote("t_dl", 0)
		if got.DownloadStatus != models.DownloadStatusDownloaded {
			t.Errorf("expected downloaded status, got %s", got.DownloadStatus)
		}
		if got.SizeBytes != 20480 || got.ContentHash != "abc123" {
			t.Errorf("download metadata not persisted: %+v", got)
		}

		pending, err := st.ListPendingVoiceNotes(10)
		if err != nil {
			t.Fatalf("ListPendingVoiceNotes failed: %v", err)
		}
		if len(pending) != 0 {
			t.Errorf("expected no pending notes after download, got %d", len(pending))
		}
	})
}

func TestListPendingVoiceNotes(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		for i := 0; i < 3; i++ {
			vn := newTestVoiceNote("t_pending", i)
			vn.ID = "vn_pending_" + string(rune('a'+i))
			vn.ReceivedAt = time.Now().Add(time.Duration(-i) * time.Hour).UTC().Truncate(time.Second)
			if err := st.InsertVoiceNote(vn); err != nil {
				t.Fatalf("InsertVoiceNote failed: %v", err)
			}
		}

		pending, err := st.ListPendingVoiceNotes(2)
		if err != nil {
			t.Fatalf("ListPendingVoiceNotes failed: %v", err)
		}
		if len(pending) != 2 {
			t.Fatalf("expected 2 pending notes, got %d", len(pending))
		}
		if pending[0].ReceivedAt.After(pending[1].ReceivedAt) {
			t.Error("expected pending notes ordered oldest first")
		}
	})
}

func newTestOrder(id, trialID string) *models.PaymentOrder {
	now := time.Now().UTC().Truncate(time.Second)
	return &models.PaymentOrder{
		MerchantOrderID: id,
		TrialID:         trialID,
		AmountPaise:     49900,
		State:           models.PaymentStatePending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func TestOrderLifecycle(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		order := newTestOrder("VIRORDER1", "t_pay")
		if err := st.CreateOrder(order); err != nil {
			t.Fatalf("CreateOrder failed: %v", err)
		}

		got, err := st.GetOrder("VIRORDER1")
		if err != nil {
			t.Fatalf("GetOrder failed: %v", err)
		}
		if got.State != models.PaymentStatePending {
			t.Errorf("expected PENDING, got %s", got.State)
		}

		if err := st.MarkOrderState("VIRORDER1", models.PaymentStateCompleted, "txn_99"); err != nil {
			t.Fatalf("MarkOrderState failed: %v", err)
		}
		got, _ = st.GetOrder("VIRORDER1")
		if got.State != models.PaymentStateCompleted || got.TransactionID != "txn_99" {
			t.Errorf("completed state not persisted: %+v", got)
		}

		if _, err := st.GetOrder("VIRMISSING"); err != models.ErrOrderNotFound {
			t.Errorf("expected ErrOrderNotFound, got %v", err)
		}
	})
}

func TestMarkOrderStateTerminalImmutable(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		order := newTestOrder("VIRORDER2", "t_pay2")
		if err := st.CreateOrder(order); err != nil {
			t.Fatalf("CreateOrder failed: %v", err)
		}
		if err := st.MarkOrderState("VIRORDER2", models.PaymentStateCompleted, "txn_1"); err != nil {
			t.Fatalf("MarkOrderState failed: %v", err)
		}

		// A late FAILED webhook must not flip a settled order.
		err := st.MarkOrderState("VIRORDER2", models.PaymentStateFailed, "txn_2")
		if err != models.ErrOrderAlreadyTerminal {
			t.Errorf("expected ErrOrderAlreadyTerminal, got %v", err)
		}
		got, _ := st.GetOrder("VIRORDER2")
		if got.State != models.PaymentStateCompleted || got.TransactionID != "txn_1" {
			t.Errorf("terminal state was overwritten: %+v", got)
		}
	})
}

func TestListUnactivatedCompletedOrders(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		stuck := newTestTrial("t_stuck")
		if err := st.CreateTrial(stuck); err != nil {
			t.Fatalf("CreateTrial failed: %v", err)
		}
		activated := newTestTrial("t_activated")
		activated.State = models.TrialStateAwaitingReadiness
		if err := st.CreateTrial(activated); err != nil {
			t.Fatalf("CreateTrial failed: %v", err)
		}

		stuckOrder := newTestOrder("VIRSTUCK", "t_stuck")
		if err := st.CreateOrder(stuckOrder); err != nil {
			t.Fatalf("CreateOrder failed: %v", err)
		}
		if err := st.MarkOrderState("VIRSTUCK", models.PaymentStateCompleted, "txn_s"); err != nil {
			t.Fatalf("MarkOrderState failed: %v", err)
		}
		okOrder := newTestOrder("VIROK", "t_activated")
		if err := st.CreateOrder(okOrder); err != nil {
			t.Fatalf("CreateOrder failed: %v", err)
		}
		if err := st.MarkOrderState("VIROK", models.PaymentStateCompleted, "txn_o"); err != nil {
			t.Fatalf("MarkOrderState failed: %v", err)
		}

		orphaned, err := st.ListUnactivatedCompletedOrders(time.Now().Add(time.Minute), 10)
		if err != nil {
			t.Fatalf("ListUnactivatedCompletedOrders failed: %v", err)
		}
		if len(orphaned) != 1 || orphaned[0].MerchantOrderID != "VIRSTUCK" {
			t.Errorf("expected only VIRSTUCK, got %+v", orphaned)
		}

		// A cutoff before settlement hides the order.
		orphaned, err = st.ListUnactivatedCompletedOrders(time.Now().Add(-time.Hour), 10)
		if err != nil {
			t.Fatalf("ListUnactivatedCompletedOrders failed: %v", err)
		}
		if len(orphaned) != 0 {
			t.Errorf("expected no orders before cutoff, got %+v", orphaned)
		}
	})
}

func TestListStalePendingOrders(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		if err := st.CreateOrder(newTestOrder("VIRPEND", "t_pend")); err != nil {
			t.Fatalf("CreateOrder failed: %v", err)
		}
		settled := newTestOrder("VIRDONE", "t_done")
		if err := st.CreateOrder(settled); err != nil {
			t.Fatalf("CreateOrder failed: %v", err)
		}
		if err := st.MarkOrderState("VIRDONE", models.PaymentStateCompleted, "txn_d"); err != nil {
			t.Fatalf("MarkOrderState failed: %v", err)
		}

		stale, err := st.ListStalePendingOrders(time.Now().Add(time.Minute), 10)
		if err != nil {
			t.Fatalf("ListStalePendingOrders failed: %v", err)
		}
		if len(stale) != 1 || stale[0].MerchantOrderID != "VIRPEND" {
			t.Errorf("expected only VIRPEND, got %+v", stale)
		}

		// A cutoff in the past hides orders touched since.
		stale, err = st.ListStalePendingOrders(time.Now().Add(-time.Hour), 10)
		if err != nil {
			t.Fatalf("ListStalePendingOrders failed: %v", err)
		}
		if len(stale) != 0 {
			t.Errorf("expected no stale orders before cutoff, got %+v", stale)
		}
	})
}

func TestAdmitEvent(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		already, err := st.AdmitEvent("phonepe:VIRORDER3:COMPLETED")
		if err != nil {
			t.Fatalf("AdmitEvent failed: %v", err)
		}
		if already {
			t.Error("first admit should report not already processed")
		}

		already, err = st.AdmitEvent("phonepe:VIRORDER3:COMPLETED")
		if err != nil {
			t.Fatalf("second AdmitEvent failed: %v", err)
		}
		if !already {
			t.Error("second admit should report already processed")
		}

		// A different key is independent.
		already, err = st.AdmitEvent("phonepe:VIRORDER3:FAILED")
		if err != nil {
			t.Fatalf("AdmitEvent for new key failed: %v", err)
		}
		if already {
			t.Error("distinct key should not be deduplicated")
		}
	})
}

func TestAdmitEventConcurrent(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		const workers = 16
		var wg sync.WaitGroup
		winners := make(chan struct{}, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				already, err := st.AdmitEvent("phonepe:VIRRACE:COMPLETED")
				if err != nil {
					t.Errorf("AdmitEvent failed: %v", err)
					return
				}
				if !already {
					winners <- struct{}{}
				}
			}()
		}
		wg.Wait()
		close(winners)
		count := 0
		for range winners {
			count++
		}
		if count != 1 {
			t.Errorf("expected exactly one winner, got %d", count)
		}
	})
}

func TestAlbumUpsertAndGet(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		album := &models.Album{
			ID:         "album_childhood",
			Title:      "Childhood Memories",
			PricePaise: 49900,
			Active:     true,
			Questions: []models.AlbumQuestion{
				{Position: 0, TextEN: "Where were you born?", TextHN: "आपका जन्म कहाँ हुआ था?"},
				{Position: 1, TextEN: "What games did you play?"},
			},
			CreatedAt: time.Now().UTC().Truncate(time.Second),
		}
		if err := st.UpsertAlbum(album); err != nil {
			t.Fatalf("UpsertAlbum failed: %v", err)
		}

		got, err := st.GetAlbum("album_childhood")
		if err != nil {
			t.Fatalf("GetAlbum failed: %v", err)
		}
		if got.QuestionCount() != 2 {
			t.Fatalf("expected 2 questions, got %d", got.QuestionCount())
		}
		q, ok := got.QuestionAt(0)
		if !ok || q.TextHN == "" {
			t.Errorf("expected bilingual first question, got %+v", q)
		}

		// Upsert replaces the question list wholesale.
		album.Questions = album.Questions[:1]
		if err := st.UpsertAlbum(album); err != nil {
			t.Fatalf("second UpsertAlbum failed: %v", err)
		}
		got, _ = st.GetAlbum("album_childhood")
		if got.QuestionCount() != 1 {
			t.Errorf("expected question list replaced, got %d questions", got.QuestionCount())
		}

		if _, err := st.GetAlbum("album_ghost"); err != models.ErrAlbumNotFound {
			t.Errorf("expected ErrAlbumNotFound, got %v", err)
		}
	})
}

func TestListAlbums(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		for i, id := range []string{"album_a", "album_b"} {
			album := &models.Album{
				ID:        id,
				Title:     "Album " + id,
				Active:    true,
				Questions: []models.AlbumQuestion{{Position: 0, TextEN: "Q"}},
				CreatedAt: time.Now().Add(time.Duration(i) * time.Minute).UTC().Truncate(time.Second),
			}
			if err := st.UpsertAlbum(album); err != nil {
				t.Fatalf("UpsertAlbum failed: %v", err)
			}
		}

		albums, err := st.ListAlbums()
		if err != nil {
			t.Fatalf("ListAlbums failed: %v", err)
		}
		if len(albums) != 2 {
			t.Fatalf("expected 2 albums, got %d", len(albums))
		}
		if albums[0].ID != "album_a" {
			t.Errorf("expected creation order, got %s first", albums[0].ID)
		}
		if albums[0].QuestionCount() != 1 {
			t.Errorf("expected questions loaded for listed albums")
		}
	})
}
